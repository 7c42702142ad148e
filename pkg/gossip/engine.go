package gossip

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// State is the engine lifecycle.
type State uint8

const (
	StateNotStarted State = iota
	StateJoining
	StateInGroup
	StateFailed
	StateJoinFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StateJoining:
		return "JOINING"
	case StateInGroup:
		return "IN_GROUP"
	case StateFailed:
		return "FAILED"
	case StateJoinFailed:
		return "JOIN_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Engine runs the membership protocol for one node. It owns its Table and
// is not safe for concurrent use: the host must serialize Start,
// HandleMessage, Tick and Fail.
type Engine struct {
	self    Address
	cfg     Config
	table   *Table
	state   State
	sender  Sender
	clock   Clock
	sampler Sampler
	logger  *zap.Logger
	obs     Observer

	introducer   Address
	joinAttempts int
	lastJoinAt   int64
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.obs = o }
}

// WithSampler replaces the random fan-out selection.
func WithSampler(s Sampler) Option {
	return func(e *Engine) {
		if s != nil {
			e.sampler = s
		}
	}
}

// NewEngine builds an engine for self. cfg is used as given; call
// cfg.Validate first if it comes from user input.
func NewEngine(self Address, cfg Config, sender Sender, clock Clock, opts ...Option) *Engine {
	e := &Engine{
		self:    self,
		cfg:     cfg,
		table:   NewTable(),
		sender:  sender,
		clock:   clock,
		sampler: RandomSampler(nil),
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.Named("gossip").With(zap.Stringer("self", self))
	return e
}

func (e *Engine) Self() Address { return e.self }

func (e *Engine) State() State { return e.state }

// Members returns a copy of the table, local entry first.
func (e *Engine) Members() []Entry { return e.table.Entries() }

// Start initializes the table and either founds the group (self is the
// introducer) or asks the introducer to let us in.
func (e *Engine) Start(introducer Address) error {
	if e.state != StateNotStarted {
		return ErrAlreadyStarted
	}
	if e.self.IsZero() || introducer.IsZero() {
		return ErrNullAddress
	}
	now := e.clock.Now()
	e.table.InitSelf(e.self, 0, now)
	e.state = StateJoining
	e.introducer = introducer
	e.emit(Event{Kind: EventNodeAdded, Peer: e.self, At: now})

	if introducer == e.self {
		e.state = StateInGroup
		e.logger.Info("starting up group")
		return nil
	}
	return e.sendJoinRequest(now)
}

// Fail simulates a crash. Nothing is handled or sent afterwards.
func (e *Engine) Fail() {
	e.state = StateFailed
	e.logger.Info("node failed")
}

// HandleMessage decodes one inbound message and applies it. Decode errors
// are returned but are not fatal; the message is simply dropped. Before
// Start it returns ErrNotStarted; after Fail or JoinFailed it does nothing.
func (e *Engine) HandleMessage(b []byte) error {
	switch e.state {
	case StateJoining, StateInGroup:
	case StateNotStarted:
		return ErrNotStarted
	default:
		return nil
	}
	now := e.clock.Now()
	msg, err := Decode(b)
	if err != nil {
		e.logger.Warn("dropping inbound message", zap.Int("bytes", len(b)), zap.Error(err))
		e.emit(Event{Kind: EventMessageDropped, At: now, Err: err})
		return err
	}

	switch m := msg.(type) {
	case *JoinRequest:
		err = e.handleJoinRequest(m, now)
		if errors.Is(err, ErrNotInGroup) {
			e.logger.Debug("ignoring join request", zap.Stringer("from", m.From), zap.Stringer("state", e.state))
			return nil
		}
		return err
	case *MembershipUpdate:
		e.handleUpdate(m, now)
		return nil
	default:
		return fmt.Errorf("handle %s: %w", msg.Kind(), ErrUnknownMessageTag)
	}
}

func (e *Engine) handleJoinRequest(m *JoinRequest, now int64) error {
	if e.state != StateInGroup {
		return ErrNotInGroup
	}
	if e.cfg.EagerJoin {
		e.merge([]Entry{{Addr: m.From, Heartbeat: m.Heartbeat}}, now)
	}
	reply := &MembershipUpdate{
		Type:      MsgJoinReply,
		Timestamp: now,
		Entries:   e.table.SnapshotForGossip(now, e.cfg.SuspectAfter()),
	}
	b, err := Encode(reply)
	if err != nil {
		return err
	}
	e.emit(Event{Kind: EventJoinAccepted, Peer: m.From, Heartbeat: m.Heartbeat, Entries: len(reply.Entries), At: now})
	if err := e.sender.Send(e.self, m.From, b); err != nil {
		return fmt.Errorf("%w: join reply to %s: %w", ErrSendFailed, m.From, err)
	}
	return nil
}

func (e *Engine) handleUpdate(m *MembershipUpdate, now int64) {
	switch {
	case m.Type == MsgJoinReply && e.state == StateJoining:
		e.state = StateInGroup
		var from Address
		if len(m.Entries) > 0 {
			from = m.Entries[0].Addr
		}
		e.logger.Info("joined group", zap.Stringer("introducer", from), zap.Int("attempts", e.joinAttempts))
		e.emit(Event{Kind: EventJoinAccepted, Peer: from, Entries: len(m.Entries), At: now})
	case e.state != StateInGroup:
		// gossip that beat our join reply; the reply will carry the same news
		return
	}
	e.emit(Event{Kind: EventGossipReceived, Entries: len(m.Entries), At: now})
	e.merge(m.Entries, now)
}

func (e *Engine) merge(entries []Entry, now int64) {
	for _, addr := range e.table.Merge(entries, now) {
		row, _ := e.table.Lookup(addr)
		e.emit(Event{Kind: EventNodeAdded, Peer: addr, Heartbeat: row.Heartbeat, At: now})
	}
}

// Tick runs one protocol round: evict expired peers, bump our heartbeat,
// and push a snapshot to Fanout random peers. While joining it only
// handles JoinRequest retries. Send errors are returned after every target
// was tried; local changes are kept.
func (e *Engine) Tick() error {
	now := e.clock.Now()
	switch e.state {
	case StateJoining:
		return e.tickJoin(now)
	case StateInGroup:
	case StateNotStarted:
		return ErrNotStarted
	default:
		return nil
	}

	for _, r := range e.table.PurgeExpired(now, e.cfg.RemoveAfter()) {
		e.emit(Event{Kind: EventNodeRemoved, Peer: r.Addr, Heartbeat: r.Heartbeat, At: now})
	}
	e.table.TickSelf(now)

	peers := e.table.Peers()
	if len(peers) == 0 {
		return nil
	}
	update := &MembershipUpdate{
		Type:      MsgGossipUpdate,
		Timestamp: now,
		Entries:   e.table.SnapshotForGossip(now, e.cfg.SuspectAfter()),
	}
	b, err := Encode(update)
	if err != nil {
		return err
	}
	self, _ := e.table.Self()

	var errs []error
	for _, to := range e.sampler(peers, e.cfg.Fanout) {
		if err := e.sender.Send(e.self, to, b); err != nil {
			errs = append(errs, fmt.Errorf("gossip to %s: %w", to, err))
			continue
		}
		e.emit(Event{Kind: EventGossipSent, Peer: to, Heartbeat: self.Heartbeat, Entries: len(update.Entries), At: now})
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrSendFailed, errors.Join(errs...))
	}
	return nil
}

func (e *Engine) tickJoin(now int64) error {
	if now-e.lastJoinAt < e.cfg.joinBackoff(e.joinAttempts) {
		return nil
	}
	if e.cfg.JoinMaxAttempts > 0 && e.joinAttempts >= e.cfg.JoinMaxAttempts {
		e.state = StateJoinFailed
		e.logger.Warn("giving up on join", zap.Stringer("introducer", e.introducer), zap.Int("attempts", e.joinAttempts))
		e.emit(Event{Kind: EventJoinFailed, Peer: e.introducer, At: now})
		return nil
	}
	return e.sendJoinRequest(now)
}

func (e *Engine) sendJoinRequest(now int64) error {
	e.joinAttempts++
	e.lastJoinAt = now
	self, _ := e.table.Self()
	b, err := Encode(&JoinRequest{From: e.self, Heartbeat: self.Heartbeat})
	if err != nil {
		return err
	}
	e.logger.Debug("trying to join", zap.Stringer("introducer", e.introducer), zap.Int("attempt", e.joinAttempts))
	e.emit(Event{Kind: EventJoinRequested, Peer: e.introducer, Heartbeat: self.Heartbeat, At: now})
	if err := e.sender.Send(e.self, e.introducer, b); err != nil {
		return fmt.Errorf("%w: join request to %s: %w", ErrSendFailed, e.introducer, err)
	}
	return nil
}

func (e *Engine) emit(ev Event) {
	if e.obs == nil {
		return
	}
	ev.Self = e.self
	e.obs.Observe(ev)
}
