package ssh

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// responseTimeout is the per-step timeout for KEX, auth, and port-forward
// response waits.
const responseTimeout = 5 * time.Second

// interceptResult is the verdict an interceptor returns for an inbound
// packet offered to it.
type interceptResult int

const (
	// passThrough means the interceptor has no interest in the packet;
	// it is offered to the next interceptor in the chain.
	passThrough interceptResult = iota
	// consumed means the interceptor fully handled the packet; the chain
	// stops and the connection's default dispatch does not see it.
	consumed
	// finished means the interceptor consumed the packet and is now
	// retired: it is removed from the chain before the next packet.
	finished
)

// interceptor is a stateful consumer of inbound packets that owns a set of
// opcodes only while it is installed, letting several sub-protocols (key
// exchange, authentication, port forwarding, agent forwarding) share one
// packet stream without a monolithic dispatcher.
type interceptor interface {
	// interceptPacket offers payload (opcode + body) to the interceptor.
	interceptPacket(payload []byte) interceptResult

	// onConnectionClosed is called once, for every installed interceptor,
	// when the connection is closing. Implementations must unblock any
	// goroutine waiting on an internal response slot, typically by
	// injecting a synthetic terminating packet.
	onConnectionClosed()
}

// interceptorChain holds the ordered, insertion-order list of active
// interceptors and offers each inbound payload to them in turn.
type interceptorChain struct {
	mu    sync.Mutex
	chain []interceptor
}

// install appends ic to the end of the chain.
func (c *interceptorChain) install(ic interceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chain = append(c.chain, ic)
}

// remove drops ic from the chain, if present.
func (c *interceptorChain) remove(ic interceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.chain {
		if cur == ic {
			c.chain = append(c.chain[:i], c.chain[i+1:]...)
			return
		}
	}
}

// dispatch offers payload to each installed interceptor in order. It
// reports whether some interceptor consumed the packet; if so the
// connection's default dispatch must not also act on it.
func (c *interceptorChain) dispatch(payload []byte) (handled bool) {
	c.mu.Lock()
	snapshot := make([]interceptor, len(c.chain))
	copy(snapshot, c.chain)
	c.mu.Unlock()

	for _, ic := range snapshot {
		switch ic.interceptPacket(payload) {
		case passThrough:
			continue
		case consumed:
			return true
		case finished:
			c.remove(ic)
			return true
		}
	}
	return false
}

// closeAll notifies every installed interceptor that the connection is
// closing.
func (c *interceptorChain) closeAll() {
	c.mu.Lock()
	snapshot := make([]interceptor, len(c.chain))
	copy(snapshot, c.chain)
	c.chain = nil
	c.mu.Unlock()

	for _, ic := range snapshot {
		ic.onConnectionClosed()
	}
}

// responseSlot is a bounded, single-item rendezvous box used by
// interceptors to hand a reply packet (or a close notification) from the
// read loop to a blocked caller. Capacity 1 matches the "at most one key
// exchange/auth step in flight" invariant: a second send
// before the first is drained would indicate a protocol violation, so
// sends never block indefinitely in correct use.
type responseSlot struct {
	ch   chan responseEvent
	once sync.Once
}

type responseEvent struct {
	payload []byte
	closed  bool
}

func newResponseSlot() *responseSlot {
	return &responseSlot{ch: make(chan responseEvent, 1)}
}

// deliver hands payload to a blocked waiter. Safe to call at most once per
// outstanding wait; the interceptor is responsible for creating a fresh
// slot per request.
func (s *responseSlot) deliver(payload []byte) {
	s.ch <- responseEvent{payload: payload}
}

// closeSlot injects a synthetic terminating event, unblocking a waiter on
// connection close.
func (s *responseSlot) closeSlot() {
	s.once.Do(func() {
		s.ch <- responseEvent{closed: true}
	})
}

// wait blocks until deliver or closeSlot is called.
func (s *responseSlot) wait() responseEvent {
	return <-s.ch
}

// waitTimeout blocks until deliver/closeSlot is called or responseTimeout
// elapses, returning ErrResponseTimeout in the latter case and
// ErrConnectionClosed if the slot was closed rather than delivered to.
func (s *responseSlot) waitTimeout() ([]byte, error) {
	select {
	case ev := <-s.ch:
		if ev.closed {
			return nil, errors.WithStack(ErrConnectionClosed)
		}
		return ev.payload, nil
	case <-time.After(responseTimeout):
		return nil, errors.WithStack(ErrResponseTimeout)
	}
}
