// Package gossip implements heartbeat-based membership and failure detection
// for zephyrgossip. Each node keeps a Table of the members it knows about,
// bumps its own heartbeat once per tick, and pushes a snapshot of the fresh
// part of its table to a few random peers. Members whose heartbeat stops
// advancing are first withheld from outgoing gossip (after TFail) and then
// evicted (after TFail+TRemove).
//
// The Engine is a synchronous state machine. It never blocks and never starts
// goroutines: a host loop feeds it inbound bytes through HandleMessage and
// calls Tick at a fixed cadence. Bytes leave through the Sender it was built
// with.
//
// Typical usage:
//
//	net := gossip.NewNetwork()
//	clock := &gossip.LogicalClock{}
//	e := gossip.NewEngine(self, gossip.DefaultConfig(), net, clock)
//	_ = e.Start(introducer)
//	for {
//		for msg := range net.Receive(self) {
//			_ = e.HandleMessage(msg)
//		}
//		clock.Advance()
//		_ = e.Tick()
//	}
//
// The in-process Network is meant for tests and simulation; networked
// deployments use the mangos transport in pkg/transport.
package gossip
