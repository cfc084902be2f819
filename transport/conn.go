package transport

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// connChunkQueueDepth bounds how many chunks a single connection's decode
// loop may have queued up before its receive loop blocks on enqueue. A
// per-connection queue (rather than one queue shared by every connection,
// §4.5's simplest-but-coarser option) keeps a slow decoder on one
// connection from stalling receives on every other connection, while still
// giving that one connection the exact back-pressure behaviour §4.3
// requires.
const connChunkQueueDepth = 8

// idleTimeout bounds how long a read or write may block before the
// connection is considered dead. It mirrors the teacher's heartbeat-based
// deadline (idleTimeout*2 on each I/O op).
const idleTimeout = 30 * time.Second

// onFrame is invoked once per fully decoded frame, on the connection's
// decode-loop goroutine. It must not block indefinitely (§5): a server
// handler that may block should off-load to its own executor.
type onFrame func(conn *Conn, correlationID uint32, payload []byte) error

// onClosed is invoked exactly once when the connection's I/O loops exit,
// regardless of cause, so the owner (Acceptor or Transport) can release
// admission permits and decrement counters (§4.5 step 2).
type onClosed func(conn *Conn, err error)

// Conn owns one accepted or connected socket's receive side; the send side
// is shared with whatever issues replies/requests, since each write
// submits one contiguous buffer and is therefore safe without additional
// synchronization beyond the channel (§3 Ownership, §5 Shared-resource
// policy).
//
// Grounded on the teacher's Conn: the buffered send channel, errgroup-paired
// loops, and atomic.Bool closed flag are carried over directly; the
// codec-driven single Decode/onMessage call is replaced by "post a receive
// into a pooled buffer, enqueue the chunk, let a dedicated decode loop
// reassemble frames" since framing is now the shared state machine in
// decoder.go rather than something each codec implements inline.
type Conn struct {
	raw    *net.TCPConn
	logger Logger

	buffers  *Pool[[]byte]
	decoders *Pool[*decoder]
	queue    chunkQueue
	decoder  *decoder

	sendCh  chan []byte
	closed  atomic.Bool
	doneCh  chan struct{}
	runDone chan struct{}
	cancel  context.CancelFunc

	onFrame  onFrame
	onClosed onClosed
}

func newConn(raw *net.TCPConn, buffers *Pool[[]byte], decoders *Pool[*decoder], logger Logger, sendBuffer int, onFrame onFrame, onClosed onClosed) *Conn {
	c := &Conn{
		raw:      raw,
		logger:   logger,
		buffers:  buffers,
		decoders: decoders,
		queue:    newChunkQueue(connChunkQueueDepth),
		sendCh:   make(chan []byte, sendBuffer),
		doneCh:   make(chan struct{}),
		runDone:  make(chan struct{}),
		onFrame:  onFrame,
		onClosed: onClosed,
	}
	c.decoder = decoders.Acquire()
	return c
}

// Run starts the receive, decode, and write loops and blocks until one of
// them fails or ctx is canceled, mirroring the teacher's Run(ctx). The
// connection is closed before Run returns.
func (c *Conn) Run(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.receiveLoop(child)
	})
	group.Go(func() error {
		return c.decodeLoop(child)
	})
	group.Go(func() error {
		return c.writeLoop(child)
	})

	err := group.Wait()

	// All three loops have returned, so nothing can still be touching
	// c.decoder — only now is it safe to reset and return it to its pool.
	// shutdownSocket is idempotent: an external Close may have already run
	// it, in which case this is just closing the socket a second time
	// (already closed, error ignored).
	c.shutdownSocket()
	c.decoders.Release(c.decoder)
	close(c.runDone)

	if err != nil {
		c.logger.Debug("connection loop exited", "addr", c.Addr(), "error", err)
	}
	if c.onClosed != nil {
		c.onClosed(c, err)
	}
	return err
}

// receiveLoop posts asynchronous receives into pooled buffers and enqueues
// each as a chunk (§4.5 step 1-2). A full queue blocks enqueue, which in
// turn means no new receive is posted — the TCP-level back-pressure
// required by §4.3.
func (c *Conn) receiveLoop(ctx context.Context) error {
	defer close(c.queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		buf := c.buffers.Acquire()
		_ = c.raw.SetReadDeadline(time.Now().Add(idleTimeout * 2))
		n, err := c.raw.Read(buf)
		if n <= 0 || err != nil {
			c.buffers.Release(buf)
			if err != nil {
				return ioError(err, "receive failed on %s", c.Addr())
			}
			return ioError(ErrConnectionClosed, "peer closed %s", c.Addr())
		}

		select {
		case c.queue <- chunk{buf: buf, n: n}:
		case <-ctx.Done():
			c.buffers.Release(buf)
			return ctx.Err()
		}
	}
}

// decodeLoop runs the frame decoder against this connection's chunk queue
// and dispatches each emitted frame (§4.5 step 3).
func (c *Conn) decodeLoop(ctx context.Context) error {
	dequeue := func() (chunk, bool) {
		select {
		case ck, ok := <-c.queue:
			return ck, ok
		case <-ctx.Done():
			return chunk{}, false
		}
	}
	emit := func(correlationID uint32, payload []byte) error {
		return c.onFrame(c, correlationID, payload)
	}
	return c.decoder.run(dequeue, emit)
}

// writeLoop drains the send channel and submits each buffer as a single
// write, preserving the one-write-per-frame atomicity §5 requires.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.sendCh:
			if err := c.write(data); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) write(data []byte) error {
	_ = c.raw.SetWriteDeadline(time.Now().Add(idleTimeout * 2))
	if _, err := c.raw.Write(data); err != nil {
		return ioError(err, "send failed on %s", c.Addr())
	}
	return nil
}

// Send queues a fully-framed buffer for the write loop. It blocks only on
// the send channel — applying the peer's read-side back-pressure to the
// caller — and returns ErrConnectionClosed if the connection is torn down
// while the send is still queued.
func (c *Conn) Send(framed []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case c.sendCh <- framed:
		return nil
	case <-c.doneCh:
		return ErrConnectionClosed
	}
}

// shutdownSocket cancels the connection's loops and closes the underlying
// socket exactly once, regardless of whether Close or Run's own teardown
// gets there first. It deliberately does not touch c.decoder: the decoder
// is single-owner (decoder.go) and is only safe to reset and return to its
// pool once every loop that might still be running consumePayload/
// consumeHeader against it has actually exited, which Run alone can know.
func (c *Conn) shutdownSocket() {
	if c.closed.Swap(true) {
		return
	}
	close(c.doneCh)
	if c.cancel != nil {
		c.cancel()
	}
	_ = c.raw.Close()
}

// Close tears down the connection and blocks until Run's own teardown has
// finished releasing the decoder back to its pool, so that by the time
// Close returns nothing is still touching pooled state. Safe to call
// multiple times, and safe to call concurrently with Run exiting on its
// own (e.g. because the peer closed the socket). Must not be called from
// the same goroutine running Run for this connection — it waits for Run to
// return.
func (c *Conn) Close() error {
	c.shutdownSocket()
	<-c.runDone
	return nil
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.raw.RemoteAddr()
}
