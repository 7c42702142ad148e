// Package node hosts one gossip engine: it pumps the transport, drives the
// protocol clock and exposes the membership view over HTTP.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgossip/pkg/gossip"
)

// ErrJoinFailed is returned by Run when the engine gave up joining.
var ErrJoinFailed = errors.New("node: could not join group")

// Node serializes every call into its engine. The protocol clock counts
// Steps, so TFail and TRemove are measured in tick intervals.
type Node struct {
	mu     sync.Mutex
	eng    *gossip.Engine
	tr     gossip.Transport
	clock  *gossip.LogicalClock
	logger *zap.Logger
	dir    Directory
}

// Directory is an external registry of the group, such as etcd. Its view
// is reported next to the gossip view and never feeds the engine.
type Directory interface {
	Introducer(ctx context.Context) (gossip.Address, bool, error)
	Members(ctx context.Context) ([]gossip.Address, error)
}

// UseDirectory makes Info report d. Call it before serving HTTP.
func (n *Node) UseDirectory(d Directory) { n.dir = d }

// New builds a node for self on tr. opts are passed to the engine after the
// node's own logger option, so they may override it.
func New(self gossip.Address, cfg gossip.Config, tr gossip.Transport, logger *zap.Logger, opts ...gossip.Option) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := &gossip.LogicalClock{}
	opts = append([]gossip.Option{gossip.WithLogger(logger)}, opts...)
	return &Node{
		eng:    gossip.NewEngine(self, cfg, tr, clock, opts...),
		tr:     tr,
		clock:  clock,
		logger: logger.Named("node").With(zap.Stringer("self", self)),
	}
}

func (n *Node) Start(introducer gossip.Address) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.eng.Start(introducer)
}

// Step handles everything that arrived since the last step, advances the
// clock by one and runs a protocol tick.
func (n *Node) Step() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for msg := range n.tr.Receive(n.eng.Self()) {
		if err := n.eng.HandleMessage(msg); err != nil {
			n.logger.Debug("inbound message failed", zap.Error(err))
		}
	}
	n.clock.Advance()
	return n.eng.Tick()
}

// Run steps every interval until ctx is done or the node can no longer
// take part in the protocol. Send failures are logged, not returned.
func (n *Node) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		if err := n.Step(); err != nil {
			n.logger.Warn("tick", zap.Error(err))
		}
		switch st := n.State(); st {
		case gossip.StateJoinFailed:
			return ErrJoinFailed
		case gossip.StateFailed:
			return fmt.Errorf("node stopped in state %s", st)
		}
	}
}

// Fail crashes the engine; Run returns on its next step.
func (n *Node) Fail() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.eng.Fail()
}

func (n *Node) Self() gossip.Address { return n.eng.Self() }

func (n *Node) State() gossip.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.eng.State()
}

// Now is the node's protocol time.
func (n *Node) Now() int64 { return n.clock.Now() }

// Members returns the membership table, local entry first.
func (n *Node) Members() []gossip.Entry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.eng.Members()
}
