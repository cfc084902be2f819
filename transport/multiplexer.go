package transport

import (
	"sync"
)

// multiplexer maps a caller-chosen correlation id to the Waiter blocked on
// that id's reply (§4.8). register/unregister/signal/cancelAll take the
// table's write lock — signal and cancelAll both need it to check-and-set
// Waiter.delivered before touching payload/err, not just to touch the map
// — while lookup, the one read-only path, takes the read lock. The latch
// itself, not the lock, handles the cross-goroutine wakeup.
//
// Grounded on x5iu-gorpc's map[uint64]chan frame keyed multiplexing and
// flydb's RWMutex-guarded stream table; this type follows flydb's RWMutex
// since most access here is still lookup-shaped, even though signal and
// cancelAll need the write lock's exclusivity to stay race-free.
type multiplexer struct {
	mu      sync.RWMutex
	waiters map[uint32]*Waiter

	latches *Pool[*latch]
	logger  Logger
}

func newMultiplexer(latches *Pool[*latch], logger Logger) *multiplexer {
	return &multiplexer{
		waiters: make(map[uint32]*Waiter),
		latches: latches,
		logger:  logger,
	}
}

// register creates a Waiter for id. It is a protocol error — a caller bug,
// not an I/O failure — for id to already be registered (§4.8).
func (m *multiplexer) register(id uint32) (*Waiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.waiters[id]; exists {
		return nil, ErrCorrelationIDInUse
	}

	w := &Waiter{latch: m.latches.Acquire()}
	m.waiters[id] = w
	return w, nil
}

// signal delivers payload to the waiter registered under id and wakes it.
// A missing id means a late reply for a caller that already unregistered
// (timed out, or the facade closed) — logged and discarded, not an error,
// per §4.8.
//
// The delivered check-and-set happens under the write lock so a concurrent
// cancelAll cannot also deliver to the same waiter: exactly one of them
// writes payload/err and signals the latch (§4.8, §9 REDESIGN FLAG).
func (m *multiplexer) signal(id uint32, payload []byte) {
	m.mu.Lock()
	w, ok := m.waiters[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("dropping reply for unknown correlation id", "correlation_id", id)
		return
	}
	if w.delivered {
		m.mu.Unlock()
		return
	}
	w.delivered = true
	w.payload = payload
	m.mu.Unlock()

	w.latch.signal()
}

// lookup returns the Waiter registered under id, if any.
func (m *multiplexer) lookup(id uint32) (*Waiter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.waiters[id]
	return w, ok
}

// wait blocks until id's waiter is signaled, then unregisters it and
// returns its payload (or the error it was signaled with, e.g. ErrCanceled
// on Close).
func (m *multiplexer) wait(id uint32, w *Waiter) ([]byte, error) {
	w.latch.wait()
	m.unregister(id)
	return w.payload, w.err
}

// unregister atomically removes id from the table and returns its latch to
// the pool. Safe to call even if id is already absent.
func (m *multiplexer) unregister(id uint32) {
	m.mu.Lock()
	w, ok := m.waiters[id]
	if ok {
		delete(m.waiters, id)
	}
	m.mu.Unlock()

	if ok {
		m.latches.Release(w.latch)
	}
}

// cancelAll signals every outstanding, not-yet-delivered waiter with
// ErrCanceled. Called from Close (§5 "Cancellation", §9 REDESIGN FLAG — the
// reference strands these waiters forever; this spec requires releasing
// them).
//
// It leaves the table itself untouched: a waiter is only ever removed by
// wait()'s call to unregister, whether it was woken by a reply or by this
// cancellation. A waiter already delivered to by a concurrent signal is
// skipped — delivered is checked and set under the same lock signal uses,
// so the two can never both write to the same waiter.
func (m *multiplexer) cancelAll() {
	m.mu.Lock()
	toSignal := make([]*Waiter, 0, len(m.waiters))
	for _, w := range m.waiters {
		if w.delivered {
			continue
		}
		w.delivered = true
		w.err = ErrCanceled
		toSignal = append(toSignal, w)
	}
	m.mu.Unlock()

	for _, w := range toSignal {
		w.latch.signal()
	}
}
