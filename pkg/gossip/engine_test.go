package gossip

import (
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCluster runs engines in lock-step over one Network and one clock.
type testCluster struct {
	t       *testing.T
	net     *Network
	clock   *LogicalClock
	cfg     Config
	engines map[Address]*Engine
	order   []Address
	events  map[Address][]Event
}

func newTestCluster(t *testing.T, cfg Config) *testCluster {
	return &testCluster{
		t:       t,
		net:     NewNetwork(),
		clock:   &LogicalClock{},
		cfg:     cfg,
		engines: make(map[Address]*Engine),
		events:  make(map[Address][]Event),
	}
}

func (c *testCluster) add(addr Address, sender Sender) *Engine {
	c.net.Register(addr)
	if sender == nil {
		sender = c.net
	}
	e := NewEngine(addr, c.cfg, sender, c.clock,
		WithSampler(FirstN),
		WithObserver(ObserverFunc(func(ev Event) { c.events[addr] = append(c.events[addr], ev) })),
	)
	c.engines[addr] = e
	c.order = append(c.order, addr)
	return e
}

// deliver hands every queued message to its engine.
func (c *testCluster) deliver() {
	for _, addr := range c.order {
		for msg := range c.net.Receive(addr) {
			_ = c.engines[addr].HandleMessage(msg)
		}
	}
}

// round is one host cycle for every node: receive, advance, tick.
func (c *testCluster) round() {
	c.deliver()
	c.clock.Advance()
	for _, addr := range c.order {
		_ = c.engines[addr].Tick()
	}
}

func (c *testCluster) count(addr Address, kind EventKind) int {
	n := 0
	for _, ev := range c.events[addr] {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func addrsOf(entries []Entry) []Address {
	out := make([]Address, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Addr)
	}
	slices.SortFunc(out, func(a, b Address) int { return int(a.ID) - int(b.ID) })
	return out
}

func heartbeatOf(e *Engine, addr Address) (int64, bool) {
	for _, m := range e.Members() {
		if m.Addr == addr {
			return m.Heartbeat, true
		}
	}
	return 0, false
}

func TestStartAsIntroducer(t *testing.T) {
	c := newTestCluster(t, DefaultConfig())
	a := c.add(addrA, nil)

	require.NoError(t, a.Start(addrA))
	assert.Equal(t, StateInGroup, a.State())
	assert.Equal(t, []Entry{{Addr: addrA}}, a.Members())
	assert.ErrorIs(t, a.Start(addrA), ErrAlreadyStarted)
}

func TestStartRejectsNullAddress(t *testing.T) {
	c := newTestCluster(t, DefaultConfig())
	a := c.add(addrA, nil)
	assert.ErrorIs(t, a.Start(NullAddress), ErrNullAddress)
	assert.Equal(t, StateNotStarted, a.State())
}

func TestThreeNodeBootstrap(t *testing.T) {
	c := newTestCluster(t, DefaultConfig())
	a, b, cc := c.add(addrA, nil), c.add(addrB, nil), c.add(addrC, nil)

	require.NoError(t, a.Start(addrA))
	require.NoError(t, b.Start(addrA))
	assert.Equal(t, StateJoining, b.State())

	c.deliver() // A answers B
	c.deliver() // B takes the reply
	require.Equal(t, StateInGroup, b.State())
	assert.Equal(t, []Entry{{Addr: addrB}, {Addr: addrA}}, b.Members())
	// asymmetric join: A has not learned about B
	assert.Equal(t, 1, len(a.Members()))

	require.NoError(t, cc.Start(addrA))
	c.deliver()
	c.deliver()
	require.Equal(t, StateInGroup, cc.State())
	assert.Equal(t, []Entry{{Addr: addrC}, {Addr: addrA}}, cc.Members())

	// B and C gossip to A, A gossips to both, both learn each other
	c.round()
	c.round()
	c.deliver()
	want := []Address{addrA, addrB, addrC}
	for _, e := range []*Engine{a, b, cc} {
		assert.Equal(t, want, addrsOf(e.Members()), "view of %s", e.Self())
	}

	// one more round: every view agrees with the owner's heartbeat
	c.round()
	c.deliver()
	for _, owner := range []*Engine{a, b, cc} {
		own, _ := heartbeatOf(owner, owner.Self())
		for _, viewer := range []*Engine{a, b, cc} {
			hb, ok := heartbeatOf(viewer, owner.Self())
			require.True(t, ok)
			assert.LessOrEqual(t, hb, own)
			assert.GreaterOrEqual(t, hb, own-1, "%s sees %s at %d, owner at %d", viewer.Self(), owner.Self(), hb, own)
		}
	}
	assert.Equal(t, 2, c.count(addrA, EventJoinAccepted))
}

// recordingSender remembers what one node put on the wire.
type recordingSender struct {
	Sender
	sent []*MembershipUpdate
}

func (r *recordingSender) Send(from, to Address, payload []byte) error {
	if msg, err := Decode(payload); err == nil {
		if u, ok := msg.(*MembershipUpdate); ok && u.Type == MsgGossipUpdate {
			r.sent = append(r.sent, u)
		}
	}
	return r.Sender.Send(from, to, payload)
}

func TestCrashDetection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TFail, cfg.TRemove = 4, 4
	c := newTestCluster(t, cfg)
	rec := &recordingSender{Sender: c.net}
	a := c.add(addrA, rec)
	b := c.add(addrB, nil)
	cc := c.add(addrC, nil)

	require.NoError(t, a.Start(addrA))
	require.NoError(t, b.Start(addrA))
	require.NoError(t, cc.Start(addrA))
	for i := 0; i < 5; i++ {
		c.round()
	}
	c.deliver()
	require.Len(t, a.Members(), 3)

	b.Fail()
	c.net.Fail(addrB)

	removedAt := int64(-1)
	for i := 0; i < 20; i++ {
		c.deliver()
		row, ok := heartbeatRow(a, addrB)
		c.clock.Advance()
		now := c.clock.Now()
		rec.sent = nil
		for _, addr := range c.order {
			_ = c.engines[addr].Tick()
		}
		if !ok {
			break
		}
		age := now - row.Timestamp
		_, still := heartbeatRow(a, addrB)
		assert.Equal(t, age <= cfg.RemoveAfter(), still, "age %d", age)
		if !still {
			removedAt = now
			continue
		}
		for _, u := range rec.sent {
			gossiped := slices.ContainsFunc(u.Entries, func(e Entry) bool { return e.Addr == addrB })
			assert.Equal(t, age <= cfg.SuspectAfter(), gossiped, "age %d", age)
		}
	}
	require.NotEqual(t, int64(-1), removedAt, "B was never removed")
	assert.Equal(t, 1, c.count(addrA, EventNodeRemoved))
	assert.Equal(t, StateFailed, b.State())
	assert.NoError(t, b.Tick())
	assert.NoError(t, b.HandleMessage([]byte{0xFF}))

	for i := 0; i < 20; i++ {
		c.round()
	}
	assert.Equal(t, []Address{addrA, addrC}, addrsOf(cc.Members()))
}

func heartbeatRow(e *Engine, addr Address) (Entry, bool) {
	for _, m := range e.Members() {
		if m.Addr == addr {
			return m, true
		}
	}
	return Entry{}, false
}

func TestJoinRetryAndGiveUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JoinRetryTicks, cfg.JoinMaxAttempts = 2, 3
	c := newTestCluster(t, cfg)
	c.net.Register(addrA) // introducer never answers
	b := c.add(addrB, nil)

	require.NoError(t, b.Start(addrA))
	// requests at t=0, t=2, t=6; give up at t=14
	for now := int64(1); now <= 13; now++ {
		c.clock.Advance()
		require.NoError(t, b.Tick())
		require.Equal(t, StateJoining, b.State(), "t=%d", now)
	}
	assert.Equal(t, 3, c.count(addrB, EventJoinRequested))

	c.clock.Advance()
	require.NoError(t, b.Tick())
	assert.Equal(t, StateJoinFailed, b.State())
	assert.Equal(t, 1, c.count(addrB, EventJoinFailed))

	queued := 0
	for range c.net.Receive(addrA) {
		queued++
	}
	assert.Equal(t, 3, queued)

	// terminal: nothing more happens
	c.clock.Set(100)
	require.NoError(t, b.Tick())
	assert.Equal(t, 3, c.count(addrB, EventJoinRequested))
}

func TestJoinRetrySucceedsAfterLoss(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JoinRetryTicks = 3
	c := newTestCluster(t, cfg)
	a, b := c.add(addrA, nil), c.add(addrB, nil)
	require.NoError(t, a.Start(addrA))
	require.NoError(t, b.Start(addrA))

	// first request is lost
	for range c.net.Receive(addrA) {
	}
	for i := 0; i < 3; i++ {
		c.round()
	}
	assert.Equal(t, 2, c.count(addrB, EventJoinRequested))
	c.deliver()
	c.deliver()
	assert.Equal(t, StateInGroup, b.State())
	for i := 0; i < 10; i++ {
		c.round()
	}
	assert.Equal(t, 2, c.count(addrB, EventJoinRequested))
}

func TestJoinRequestIgnoredUnlessInGroup(t *testing.T) {
	c := newTestCluster(t, DefaultConfig())
	c.net.Register(addrD)
	b := c.add(addrB, nil)
	require.NoError(t, b.Start(addrD)) // B is stuck joining

	req, err := Encode(&JoinRequest{From: addrC, Heartbeat: 0})
	require.NoError(t, err)
	c.net.Register(addrC)
	assert.NoError(t, b.HandleMessage(req))
	for range c.net.Receive(addrC) {
		t.Fatalf("joining node answered a join request")
	}
}

func TestLateJoinReplyMergedWhileInGroup(t *testing.T) {
	c := newTestCluster(t, DefaultConfig())
	a, b := c.add(addrA, nil), c.add(addrB, nil)
	require.NoError(t, a.Start(addrA))
	require.NoError(t, b.Start(addrA))
	c.deliver()
	c.deliver()
	require.Equal(t, StateInGroup, b.State())

	// the answer to a retried JoinRequest arrives after the first one
	late, err := Encode(&MembershipUpdate{Type: MsgJoinReply, Entries: []Entry{{Addr: addrC, Heartbeat: 3}}})
	require.NoError(t, err)
	require.NoError(t, b.HandleMessage(late))

	assert.Equal(t, StateInGroup, b.State())
	assert.Equal(t, []Address{addrA, addrB, addrC}, addrsOf(b.Members()))
	hb, ok := heartbeatOf(b, addrC)
	require.True(t, ok)
	assert.Equal(t, int64(3), hb)
	assert.Equal(t, 1, c.count(addrB, EventJoinAccepted))
}

func TestNotStartedEngineRefusesWork(t *testing.T) {
	c := newTestCluster(t, DefaultConfig())
	a := c.add(addrA, nil)

	assert.ErrorIs(t, a.Tick(), ErrNotStarted)
	u, err := Encode(&MembershipUpdate{Type: MsgGossipUpdate, Entries: []Entry{{Addr: addrB}}})
	require.NoError(t, err)
	assert.ErrorIs(t, a.HandleMessage(u), ErrNotStarted)
	assert.Empty(t, a.Members())
	assert.Empty(t, c.events[addrA])
}

func TestNonPositiveFanoutSendsNothing(t *testing.T) {
	var sent int
	clock := &LogicalClock{}
	cfg := DefaultConfig()
	cfg.Fanout = -1
	e := NewEngine(addrA, cfg, senderFunc(func(_, _ Address, _ []byte) error { sent++; return nil }), clock)
	require.NoError(t, e.Start(addrA))
	u, err := Encode(&MembershipUpdate{Type: MsgGossipUpdate, Entries: []Entry{{Addr: addrB}, {Addr: addrC}}})
	require.NoError(t, err)
	require.NoError(t, e.HandleMessage(u))

	clock.Advance()
	require.NotPanics(t, func() { require.NoError(t, e.Tick()) })
	assert.Zero(t, sent)
	hb, _ := heartbeatOf(e, addrA)
	assert.Equal(t, int64(1), hb)
}

func TestGossipBeforeJoinReplyIsDropped(t *testing.T) {
	c := newTestCluster(t, DefaultConfig())
	c.net.Register(addrA)
	b := c.add(addrB, nil)
	require.NoError(t, b.Start(addrA))

	u, err := Encode(&MembershipUpdate{Type: MsgGossipUpdate, Entries: []Entry{{Addr: addrC, Heartbeat: 3}}})
	require.NoError(t, err)
	require.NoError(t, b.HandleMessage(u))
	assert.Len(t, b.Members(), 1)
	assert.Equal(t, StateJoining, b.State())
}

func TestEagerJoinOrderings(t *testing.T) {
	for _, eager := range []bool{false, true} {
		cfg := DefaultConfig()
		cfg.EagerJoin = eager
		c := newTestCluster(t, cfg)
		a, b := c.add(addrA, nil), c.add(addrB, nil)
		require.NoError(t, a.Start(addrA))
		require.NoError(t, b.Start(addrA))
		c.deliver()

		_, known := heartbeatOf(a, addrB)
		assert.Equal(t, eager, known, "eager=%v: introducer knows joiner right after reply", eager)

		c.deliver()
		require.Equal(t, StateInGroup, b.State())
		// with eager join the reply already lists B; B must still own its row
		assert.Equal(t, addrB, b.Members()[0].Addr)
		assert.Len(t, b.Members(), 2)

		// either way the introducer learns B once B gossips
		c.round()
		c.deliver()
		_, known = heartbeatOf(a, addrB)
		assert.True(t, known, "eager=%v", eager)
	}
}

func TestMalformedMessageIsReportedNotFatal(t *testing.T) {
	c := newTestCluster(t, DefaultConfig())
	a := c.add(addrA, nil)
	require.NoError(t, a.Start(addrA))

	err := a.HandleMessage([]byte{byte(MsgGossipUpdate), 1, 2})
	assert.ErrorIs(t, err, ErrMalformedMessage)
	err = a.HandleMessage([]byte{42})
	assert.ErrorIs(t, err, ErrUnknownMessageTag)
	assert.Equal(t, 2, c.count(addrA, EventMessageDropped))
	assert.Equal(t, StateInGroup, a.State())
}

func TestTickWithoutPeersSendsNothing(t *testing.T) {
	c := newTestCluster(t, DefaultConfig())
	a := c.add(addrA, nil)
	require.NoError(t, a.Start(addrA))
	c.clock.Advance()
	require.NoError(t, a.Tick())
	hb, _ := heartbeatOf(a, addrA)
	assert.Equal(t, int64(1), hb)
	assert.Zero(t, c.count(addrA, EventGossipSent))
}

type failingSender struct{ fail map[Address]bool }

func (f failingSender) Send(_, to Address, _ []byte) error {
	if f.fail[to] {
		return errors.New("connection refused")
	}
	return nil
}

func TestTickSurfacesSendErrorsWithoutRollback(t *testing.T) {
	clock := &LogicalClock{}
	cfg := DefaultConfig()
	cfg.Fanout = 3
	e := NewEngine(addrA, cfg, failingSender{fail: map[Address]bool{addrC: true}}, clock, WithSampler(FirstN))
	require.NoError(t, e.Start(addrA))

	u, err := Encode(&MembershipUpdate{Type: MsgGossipUpdate, Entries: []Entry{{Addr: addrB}, {Addr: addrC}, {Addr: addrD}}})
	require.NoError(t, err)
	require.NoError(t, e.HandleMessage(u))

	clock.Advance()
	err = e.Tick()
	require.ErrorIs(t, err, ErrSendFailed)
	assert.Contains(t, err.Error(), addrC.String())
	hb, _ := heartbeatOf(e, addrA)
	assert.Equal(t, int64(1), hb)
}

func TestFanoutPicksDistinctPeers(t *testing.T) {
	var sent []Address
	clock := &LogicalClock{}
	rec := senderFunc(func(_, to Address, _ []byte) error { sent = append(sent, to); return nil })
	e := NewEngine(addrA, DefaultConfig(), rec, clock)
	require.NoError(t, e.Start(addrA))
	u, err := Encode(&MembershipUpdate{Type: MsgGossipUpdate, Entries: []Entry{{Addr: addrB}, {Addr: addrC}, {Addr: addrD}}})
	require.NoError(t, err)
	require.NoError(t, e.HandleMessage(u))

	// stays below TFail+TRemove so no peer is purged
	for i := 0; i < 20; i++ {
		sent = sent[:0]
		clock.Advance()
		require.NoError(t, e.Tick())
		require.Len(t, sent, 2)
		assert.NotEqual(t, sent[0], sent[1])
		assert.NotContains(t, sent, addrA)
	}
}

type senderFunc func(from, to Address, payload []byte) error

func (f senderFunc) Send(from, to Address, payload []byte) error { return f(from, to, payload) }

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cases := []struct {
		mut  func(*Config)
		want error
	}{
		{func(c *Config) { c.TFail = 0 }, ErrInvalidTFail},
		{func(c *Config) { c.TRemove = -1 }, ErrInvalidTRemove},
		{func(c *Config) { c.Fanout = 0 }, ErrInvalidFanout},
		{func(c *Config) { c.JoinRetryTicks = 0 }, ErrInvalidJoinRetry},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mut(&cfg)
		assert.ErrorIs(t, cfg.Validate(), tc.want)
	}
	assert.Equal(t, int64(25), DefaultConfig().RemoveAfter())
}

func TestObserversSkipsNil(t *testing.T) {
	var got []EventKind
	obs := Observers(nil, ObserverFunc(func(ev Event) { got = append(got, ev.Kind) }), nil)
	obs.Observe(Event{Kind: EventGossipSent})
	assert.Equal(t, []EventKind{EventGossipSent}, got)
	assert.Equal(t, "gossip_sent", EventGossipSent.String())
}
