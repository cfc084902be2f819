package transport

type decoderState int

const (
	stateAwaitingHeader decoderState = iota
	stateAwaitingPayload
)

// decoder is the per-connection frame state machine from §4.3. Exactly one
// of {awaiting-header, awaiting-payload} holds at any moment (§3's
// invariant). A decoder is single-owner: only the connection's decode loop
// touches it, so it needs no internal synchronization.
type decoder struct {
	state decoderState

	headerBuf [headerSize]byte
	headerLen int

	expectedRemaining uint32
	correlationID     uint32
	accum             []byte

	cur    chunk
	curOff int

	releaseChunk func(chunk)
}

func newDecoder(releaseChunk func(chunk)) *decoder {
	return &decoder{releaseChunk: releaseChunk}
}

// reset clears a decoder's accumulated state so a pooled instance doesn't
// carry a partial frame from its previous connection into its next one
// (§4.1: decoder scratch state is pooled alongside latches, receive
// buffers, and handoff records). A connection closed mid-frame can leave
// the decoder still holding an unreleased chunk buffer; reset releases it
// rather than dropping it on the floor.
func (d *decoder) reset() {
	if d.cur.buf != nil {
		d.releaseChunk(d.cur)
	}
	d.state = stateAwaitingHeader
	d.headerLen = 0
	d.expectedRemaining = 0
	d.correlationID = 0
	d.accum = d.accum[:0]
	d.cur = chunk{}
	d.curOff = 0
}

// emitFunc receives one fully-reassembled frame's correlation id and
// payload. The payload slice is owned by the caller and safe to retain.
type emitFunc func(correlationID uint32, payload []byte) error

// dequeueFunc returns the next chunk to consume, or ok==false when no more
// chunks will ever arrive (the connection is shutting down).
type dequeueFunc func() (chunk, bool)

// run drives the state machine until dequeue reports no more chunks or
// emit/decode returns an error. It never drops bytes: if dequeue blocks,
// run blocks with it, which is how back-pressure propagates to the socket
// (§4.3 "Back-pressure").
func (d *decoder) run(dequeue dequeueFunc, emit emitFunc) error {
	for {
		if d.curOff >= d.cur.n {
			if d.cur.buf != nil {
				d.releaseChunk(d.cur)
				d.cur = chunk{}
			}
			c, ok := dequeue()
			if !ok {
				return nil
			}
			d.cur = c
			d.curOff = 0
			if d.cur.n == 0 {
				continue
			}
		}

		var err error
		switch d.state {
		case stateAwaitingHeader:
			err = d.consumeHeader(emit)
		case stateAwaitingPayload:
			err = d.consumePayload(emit)
		}
		if err != nil {
			return err
		}
	}
}

// consumeHeader copies as many header bytes as are available in the
// current chunk. It loops across an unbounded number of chunks (the fix
// for the reference's "coalesce exactly one more chunk" bug, §9) because
// run() re-enters consumeHeader each time curOff reaches cur.n and a fresh
// chunk is dequeued.
func (d *decoder) consumeHeader(emit emitFunc) error {
	avail := d.cur.n - d.curOff
	need := headerSize - d.headerLen
	take := avail
	if take > need {
		take = need
	}

	copy(d.headerBuf[d.headerLen:], d.cur.buf[d.curOff:d.curOff+take])
	d.headerLen += take
	d.curOff += take

	if d.headerLen < headerSize {
		return nil
	}

	totalLength, correlationID := decodeHeader(d.headerBuf)
	if totalLength < headerSize {
		return ErrFrameTooShort
	}

	d.headerLen = 0
	d.correlationID = correlationID
	d.expectedRemaining = totalLength - headerSize

	if d.expectedRemaining == 0 {
		// Zero-length payload: emit immediately, stay in the header state.
		return emit(d.correlationID, []byte{})
	}

	d.state = stateAwaitingPayload
	d.accum = d.accum[:0]
	return nil
}

func (d *decoder) consumePayload(emit emitFunc) error {
	avail := d.cur.n - d.curOff
	k := avail
	if uint32(k) > d.expectedRemaining {
		k = int(d.expectedRemaining)
	}

	d.accum = append(d.accum, d.cur.buf[d.curOff:d.curOff+k]...)
	d.curOff += k
	d.expectedRemaining -= uint32(k)

	if d.expectedRemaining != 0 {
		return nil
	}

	payload := make([]byte, len(d.accum))
	copy(payload, d.accum)
	d.accum = d.accum[:0]
	d.state = stateAwaitingHeader
	return emit(d.correlationID, payload)
}
