package gossip

import (
	"fmt"
	"iter"
	"math/rand/v2"
	"sync"
)

// Interfaces for moving bytes between node addresses. The engine only ever
// sends; the host loop receives and hands bytes to Engine.HandleMessage.
// Concrete implementations: Network (in-process, below) and the mangos
// transport in pkg/transport.

// Sender delivers one message. Delivery is fire-and-forget: a nil error
// means the bytes were handed off, not that they arrived.
type Sender interface {
	Send(from, to Address, payload []byte) error
}

// Transport is a Sender that can also hand back what arrived for a node.
// Receive yields every message queued for self at call time and is meant
// to be called once per polling cycle.
type Transport interface {
	Sender
	Receive(self Address) iter.Seq[[]byte]
}

// Network is an in-process Transport for tests and simulation. Each
// registered address has a FIFO inbox. Messages can be dropped at random
// and whole nodes can be failed.
type Network struct {
	mu       sync.Mutex
	inboxes  map[Address][][]byte
	failed   map[Address]bool
	dropRate float64
	rng      *rand.Rand

	sent, dropped uint64
}

// NetworkOption configures a Network.
type NetworkOption func(*Network)

// WithDropRate drops each message with probability p.
func WithDropRate(p float64) NetworkOption {
	return func(n *Network) { n.dropRate = p }
}

// WithRand sets the source used for drop decisions.
func WithRand(r *rand.Rand) NetworkOption {
	return func(n *Network) { n.rng = r }
}

func NewNetwork(opts ...NetworkOption) *Network {
	n := &Network{
		inboxes: make(map[Address][][]byte),
		failed:  make(map[Address]bool),
	}
	for _, o := range opts {
		o(n)
	}
	if n.rng == nil {
		n.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return n
}

// Register creates an inbox for addr. Sending to an unregistered address
// fails with ErrUnknownPeer.
func (n *Network) Register(addr Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.inboxes[addr]; !ok {
		n.inboxes[addr] = nil
	}
}

// Fail cuts addr off: nothing is delivered to it, nothing it sends goes out,
// and its queued messages are discarded.
func (n *Network) Fail(addr Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed[addr] = true
	if _, ok := n.inboxes[addr]; ok {
		n.inboxes[addr] = nil
	}
}

// Failed reports whether addr was cut off with Fail.
func (n *Network) Failed(addr Address) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failed[addr]
}

func (n *Network) Send(from, to Address, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failed[from] {
		return fmt.Errorf("send %s -> %s: sender failed: %w", from, to, ErrClosed)
	}
	q, ok := n.inboxes[to]
	if !ok {
		return fmt.Errorf("send %s -> %s: %w", from, to, ErrUnknownPeer)
	}
	n.sent++
	if n.failed[to] || (n.dropRate > 0 && n.rng.Float64() < n.dropRate) {
		// lost in flight; the sender cannot tell
		n.dropped++
		return nil
	}
	n.inboxes[to] = append(q, append([]byte(nil), payload...))
	return nil
}

func (n *Network) Receive(self Address) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		n.mu.Lock()
		if n.failed[self] {
			n.mu.Unlock()
			return
		}
		batch := n.inboxes[self]
		if _, ok := n.inboxes[self]; ok {
			n.inboxes[self] = nil
		}
		n.mu.Unlock()

		for i, msg := range batch {
			if !yield(msg) {
				n.requeue(self, batch[i+1:])
				return
			}
		}
	}
}

// requeue puts unconsumed messages back at the head of the inbox.
func (n *Network) requeue(self Address, rest [][]byte) {
	if len(rest) == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failed[self] {
		return
	}
	n.inboxes[self] = append(append([][]byte(nil), rest...), n.inboxes[self]...)
}

// Stats returns how many messages were accepted and how many of those were lost.
func (n *Network) Stats() (sent, dropped uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent, n.dropped
}

var _ Transport = (*Network)(nil)
