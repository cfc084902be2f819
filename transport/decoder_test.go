package transport

import (
	"bytes"
	"testing"
)

type decodedFrame struct {
	correlationID uint32
	payload       []byte
}

// runDecoder feeds chunks (in order) to a fresh decoder and returns every
// frame it emits.
func runDecoder(t *testing.T, chunks [][]byte) []decodedFrame {
	t.Helper()

	var released [][]byte
	d := newDecoder(func(c chunk) { released = append(released, c.buf) })

	idx := 0
	dequeue := func() (chunk, bool) {
		if idx >= len(chunks) {
			return chunk{}, false
		}
		c := chunk{buf: chunks[idx], n: len(chunks[idx])}
		idx++
		return c, true
	}

	var got []decodedFrame
	emit := func(correlationID uint32, payload []byte) error {
		got = append(got, decodedFrame{correlationID, payload})
		return nil
	}

	if err := d.run(dequeue, emit); err != nil {
		t.Fatalf("decoder.run: %v", err)
	}
	return got
}

// splitIntoOneByteChunks is the adversarial TCP scenario from §8 scenario 4
// and the "arbitrary chunking" law: every byte of the wire stream arrives
// in its own chunk.
func splitIntoOneByteChunks(data []byte) [][]byte {
	chunks := make([][]byte, len(data))
	for i, b := range data {
		chunks[i] = []byte{b}
	}
	return chunks
}

func TestDecoder_HeaderSplitAcrossThreeOneByteChunks(t *testing.T) {
	frame := EncodeFrame([]byte("payload-after-split-header"), 99)
	chunks := splitIntoOneByteChunks(frame)

	got := runDecoder(t, chunks)
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	if got[0].correlationID != 99 {
		t.Errorf("correlation id = %d, want 99", got[0].correlationID)
	}
	if !bytes.Equal(got[0].payload, []byte("payload-after-split-header")) {
		t.Errorf("payload = %q", got[0].payload)
	}
}

func TestDecoder_MessageSpanningTwoBuffers(t *testing.T) {
	// Scenario 2: buffer_size=256, payload of 500 bytes -> frame of 508,
	// delivered as chunks of 256 + 252.
	payload := bytes.Repeat([]byte("m"), 500)
	frame := EncodeFrame(payload, 42)
	if len(frame) != 508 {
		t.Fatalf("frame length = %d, want 508", len(frame))
	}

	chunks := [][]byte{frame[:256], frame[256:]}
	got := runDecoder(t, chunks)

	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	if got[0].correlationID != 42 {
		t.Errorf("correlation id = %d, want 42", got[0].correlationID)
	}
	if !bytes.Equal(got[0].payload, payload) {
		t.Errorf("payload length = %d, want %d", len(got[0].payload), len(payload))
	}
}

func TestDecoder_TwoMessagesInOneChunk(t *testing.T) {
	// Scenario 3: two payloads back-to-back, delivered in a single chunk.
	f1 := EncodeFrame(bytes.Repeat([]byte("a"), 100), 1)
	f2 := EncodeFrame(bytes.Repeat([]byte("b"), 50), 2)

	combined := append(append([]byte{}, f1...), f2...)
	got := runDecoder(t, [][]byte{combined})

	if len(got) != 2 {
		t.Fatalf("got %d frames, want 2", len(got))
	}
	if got[0].correlationID != 1 || got[1].correlationID != 2 {
		t.Errorf("correlation ids = %d, %d, want 1, 2", got[0].correlationID, got[1].correlationID)
	}
	if len(got[0].payload) != 100 || len(got[1].payload) != 50 {
		t.Errorf("payload lengths = %d, %d, want 100, 50", len(got[0].payload), len(got[1].payload))
	}
}

func TestDecoder_ArbitraryChunkingPreservesOrder(t *testing.T) {
	// Arbitrary-chunking law: for any payload sequence and any adversarial
	// partition of the concatenated frames into chunks (here: every byte
	// its own chunk), the decoder emits the payloads in order with correct
	// ids.
	payloads := [][]byte{
		[]byte("first"),
		{},
		bytes.Repeat([]byte("z"), 300),
		[]byte("last"),
	}

	var wire []byte
	for i, p := range payloads {
		wire = append(wire, EncodeFrame(p, uint32(i))...)
	}

	got := runDecoder(t, splitIntoOneByteChunks(wire))
	if len(got) != len(payloads) {
		t.Fatalf("got %d frames, want %d", len(got), len(payloads))
	}
	for i, p := range payloads {
		if got[i].correlationID != uint32(i) {
			t.Errorf("frame %d: correlation id = %d, want %d", i, got[i].correlationID, i)
		}
		if !bytes.Equal(got[i].payload, p) && len(got[i].payload)+len(p) != 0 {
			t.Errorf("frame %d: payload = %q, want %q", i, got[i].payload, p)
		}
	}
}

func TestDecoder_ZeroLengthPayloadEmitsImmediately(t *testing.T) {
	frame := EncodeFrame(nil, 5)
	got := runDecoder(t, [][]byte{frame})

	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	if got[0].correlationID != 5 {
		t.Errorf("correlation id = %d, want 5", got[0].correlationID)
	}
	if len(got[0].payload) != 0 {
		t.Errorf("payload length = %d, want 0", len(got[0].payload))
	}
}

func TestDecoder_FrameShorterThanHeaderIsProtocolError(t *testing.T) {
	// total_frame_length < 8 violates §3's invariant.
	var bad [8]byte
	bad[0] = 3 // total_frame_length = 3, below the header size

	d := newDecoder(func(chunk) {})
	idx := 0
	chunks := [][]byte{bad[:]}
	dequeue := func() (chunk, bool) {
		if idx >= len(chunks) {
			return chunk{}, false
		}
		c := chunk{buf: chunks[idx], n: len(chunks[idx])}
		idx++
		return c, true
	}
	err := d.run(dequeue, func(uint32, []byte) error { return nil })
	if err != ErrFrameTooShort {
		t.Errorf("err = %v, want ErrFrameTooShort", err)
	}
}

func TestDecoder_ChunkBuffersReleasedExactlyOnce(t *testing.T) {
	frame := EncodeFrame(bytes.Repeat([]byte("c"), 20), 1)
	chunks := [][]byte{frame[:4], frame[4:10], frame[10:]}

	var released [][]byte
	d := newDecoder(func(c chunk) { released = append(released, c.buf) })

	idx := 0
	dequeue := func() (chunk, bool) {
		if idx >= len(chunks) {
			return chunk{}, false
		}
		c := chunk{buf: chunks[idx], n: len(chunks[idx])}
		idx++
		return c, true
	}
	if err := d.run(dequeue, func(uint32, []byte) error { return nil }); err != nil {
		t.Fatalf("decoder.run: %v", err)
	}

	if len(released) != len(chunks) {
		t.Errorf("released %d chunk buffers, want %d (exactly once each)", len(released), len(chunks))
	}
}

// TestDecoder_ResetClearsPartialFrameState is the §4.1 pooling contract: a
// decoder reused for a new connection must not carry over a previous
// connection's partially-consumed header or payload.
func TestDecoder_ResetClearsPartialFrameState(t *testing.T) {
	d := newDecoder(func(chunk) {})

	// Feed a header plus a few payload bytes, but not the whole frame, so
	// the decoder is left mid-payload with non-zero scratch state.
	frame := EncodeFrame(bytes.Repeat([]byte("x"), 50), 9)
	partial := frame[:headerSize+10]

	idx := 0
	chunks := [][]byte{partial}
	dequeue := func() (chunk, bool) {
		if idx >= len(chunks) {
			return chunk{}, false
		}
		c := chunk{buf: chunks[idx], n: len(chunks[idx])}
		idx++
		return c, true
	}
	if err := d.run(dequeue, func(uint32, []byte) error { return nil }); err != nil {
		t.Fatalf("decoder.run: %v", err)
	}

	if d.state != stateAwaitingPayload || d.expectedRemaining == 0 || len(d.accum) == 0 {
		t.Fatal("test setup did not leave the decoder mid-payload")
	}

	d.reset()

	if d.state != stateAwaitingHeader {
		t.Errorf("state after reset = %v, want stateAwaitingHeader", d.state)
	}
	if d.headerLen != 0 {
		t.Errorf("headerLen after reset = %d, want 0", d.headerLen)
	}
	if d.expectedRemaining != 0 {
		t.Errorf("expectedRemaining after reset = %d, want 0", d.expectedRemaining)
	}
	if len(d.accum) != 0 {
		t.Errorf("accum after reset has length %d, want 0", len(d.accum))
	}
	if d.cur.buf != nil || d.curOff != 0 {
		t.Errorf("cur/curOff after reset = %v/%d, want zero value", d.cur, d.curOff)
	}

	// A decoder that was reset must decode a fresh frame correctly, as if
	// newly constructed.
	fresh := EncodeFrame([]byte("fresh"), 77)
	idx = 0
	chunks = [][]byte{fresh}
	var gotCorr uint32
	var gotPayload []byte
	emit := func(c uint32, p []byte) error {
		gotCorr, gotPayload = c, p
		return nil
	}
	if err := d.run(dequeue, emit); err != nil {
		t.Fatalf("decoder.run after reset: %v", err)
	}
	if gotCorr != 77 || string(gotPayload) != "fresh" {
		t.Errorf("after reset, decoded (%d, %q), want (77, %q)", gotCorr, gotPayload, "fresh")
	}
}
