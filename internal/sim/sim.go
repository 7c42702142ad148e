// Package sim runs a whole group in one process over gossip.Network, with
// staggered joins, random message loss and crash injection.
package sim

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgossip/pkg/gossip"
	"github.com/ryandielhenn/zephyrgossip/pkg/node"
)

// Params describes one run. Node 0 is the introducer; node i starts at
// tick i*Stagger. The last Crash nodes fail at tick CrashAt.
type Params struct {
	Nodes    int
	Ticks    int
	Stagger  int
	DropRate float64
	Crash    int
	CrashAt  int
	Seed     uint64
	Protocol gossip.Config
	Logger   *zap.Logger
}

func DefaultParams() Params {
	return Params{
		Nodes:    10,
		Ticks:    100,
		Stagger:  1,
		CrashAt:  50,
		Seed:     1,
		Protocol: gossip.DefaultConfig(),
	}
}

func (p Params) Validate() error {
	switch {
	case p.Nodes < 1:
		return errors.New("sim: need at least one node")
	case p.Nodes > 0xfffe:
		return errors.New("sim: too many nodes")
	case p.Ticks < 1:
		return errors.New("sim: need at least one tick")
	case p.Stagger < 0:
		return errors.New("sim: negative stagger")
	case p.DropRate < 0 || p.DropRate >= 1:
		return fmt.Errorf("sim: drop rate %v out of [0,1)", p.DropRate)
	case p.Crash < 0 || p.Crash >= p.Nodes:
		return fmt.Errorf("sim: can crash at most %d of %d nodes", p.Nodes-1, p.Nodes)
	}
	return p.Protocol.Validate()
}

// View is one node's table at the end of the run.
type View struct {
	Addr    gossip.Address
	State   gossip.State
	Crashed bool
	Members []gossip.Entry
}

type Result struct {
	Views []View
	// ConvergedAt is the tick from which every live node's table held
	// exactly the live nodes, or -1 if that never held through the end.
	ConvergedAt int
	Events      map[gossip.EventKind]int
	Sent        uint64
	Dropped     uint64
	SendErrors  int
}

// Addr returns the address of node i. Node addresses live in 10.0.0.0/16.
func Addr(i int) gossip.Address {
	return gossip.Address{ID: 0x0a000000 | uint32(i+1), Port: 7946}
}

// Run plays p out and reports the final views.
func Run(p Params) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	res := Result{ConvergedAt: -1, Events: make(map[gossip.EventKind]int)}
	count := gossip.ObserverFunc(func(ev gossip.Event) { res.Events[ev.Kind]++ })

	net := gossip.NewNetwork(
		gossip.WithDropRate(p.DropRate),
		gossip.WithRand(rand.New(rand.NewPCG(p.Seed, 0))),
	)
	nodes := make([]*node.Node, p.Nodes)
	for i := range nodes {
		a := Addr(i)
		net.Register(a)
		nodes[i] = node.New(a, p.Protocol, net, logger,
			gossip.WithSampler(gossip.RandomSampler(rand.New(rand.NewPCG(p.Seed, uint64(i+1))))),
			gossip.WithObserver(gossip.Observers(count, gossip.LogObserver(logger))),
		)
	}

	started := make([]bool, p.Nodes)
	crashed := make([]bool, p.Nodes)
	for t := 0; t < p.Ticks; t++ {
		for i, n := range nodes {
			if !started[i] && t >= i*p.Stagger {
				started[i] = true
				if err := n.Start(Addr(0)); err != nil {
					res.SendErrors++
				}
			}
		}
		if p.Crash > 0 && t == p.CrashAt {
			for i := p.Nodes - p.Crash; i < p.Nodes; i++ {
				crashed[i] = true
				nodes[i].Fail()
				net.Fail(Addr(i))
				logger.Info("crashed node", zap.Stringer("node", Addr(i)), zap.Int("tick", t))
			}
		}
		for i, n := range nodes {
			if !started[i] {
				continue
			}
			if err := n.Step(); err != nil {
				res.SendErrors++
			}
		}

		if converged(nodes, started, crashed) {
			if res.ConvergedAt < 0 {
				res.ConvergedAt = t
			}
		} else {
			res.ConvergedAt = -1
		}
	}

	for i, n := range nodes {
		res.Views = append(res.Views, View{
			Addr:    n.Self(),
			State:   n.State(),
			Crashed: crashed[i],
			Members: n.Members(),
		})
	}
	res.Sent, res.Dropped = net.Stats()
	return res, nil
}

// converged reports whether every live node is in the group and lists
// exactly the live nodes.
func converged(nodes []*node.Node, started, crashed []bool) bool {
	live := make(map[gossip.Address]bool)
	for i, n := range nodes {
		if started[i] && !crashed[i] {
			live[n.Self()] = true
		}
	}
	for i, n := range nodes {
		if !started[i] || crashed[i] {
			continue
		}
		if n.State() != gossip.StateInGroup {
			return false
		}
		got := make(map[gossip.Address]bool)
		for _, e := range n.Members() {
			got[e.Addr] = true
		}
		if !maps.Equal(got, live) {
			return false
		}
	}
	return true
}

// Addrs returns the addresses in v's table, sorted.
func (v View) Addrs() []gossip.Address {
	out := make([]gossip.Address, 0, len(v.Members))
	for _, e := range v.Members {
		out = append(out, e.Addr)
	}
	slices.SortFunc(out, func(a, b gossip.Address) int {
		if c := cmp.Compare(a.ID, b.ID); c != 0 {
			return c
		}
		return cmp.Compare(a.Port, b.Port)
	})
	return out
}
