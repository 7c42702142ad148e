package gossip

import "go.uber.org/zap"

// EventKind names something observable the engine did.
type EventKind uint8

const (
	EventNodeAdded EventKind = iota + 1
	EventNodeRemoved
	EventGossipSent
	EventGossipReceived
	EventJoinRequested
	EventJoinAccepted
	EventJoinFailed
	EventMessageDropped
)

func (k EventKind) String() string {
	switch k {
	case EventNodeAdded:
		return "node_added"
	case EventNodeRemoved:
		return "node_removed"
	case EventGossipSent:
		return "gossip_sent"
	case EventGossipReceived:
		return "gossip_received"
	case EventJoinRequested:
		return "join_requested"
	case EventJoinAccepted:
		return "join_accepted"
	case EventJoinFailed:
		return "join_failed"
	case EventMessageDropped:
		return "message_dropped"
	default:
		return "unknown"
	}
}

// Event is emitted synchronously from inside Start, HandleMessage and Tick.
// Peer and Heartbeat describe the member the event is about; Entries is the
// snapshot size for gossip events.
type Event struct {
	Kind      EventKind
	Self      Address
	Peer      Address
	Heartbeat int64
	Entries   int
	At        int64
	Err       error
}

// Observer receives engine events. Implementations must not call back into
// the engine.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

type multiObserver []Observer

func (m multiObserver) Observe(ev Event) {
	for _, o := range m {
		o.Observe(ev)
	}
}

// Observers fans events out to every non-nil observer.
func Observers(obs ...Observer) Observer {
	out := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

// LogObserver writes membership changes at Info and message traffic at Debug.
func LogObserver(logger *zap.Logger) Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return ObserverFunc(func(ev Event) {
		fields := []zap.Field{
			zap.Stringer("self", ev.Self),
			zap.Stringer("peer", ev.Peer),
			zap.Int64("heartbeat", ev.Heartbeat),
			zap.Int64("at", ev.At),
		}
		switch ev.Kind {
		case EventNodeAdded, EventNodeRemoved, EventJoinAccepted:
			logger.Info(ev.Kind.String(), fields...)
		case EventJoinFailed:
			logger.Warn(ev.Kind.String(), fields...)
		case EventMessageDropped:
			logger.Warn(ev.Kind.String(), append(fields, zap.Error(ev.Err))...)
		default:
			logger.Debug(ev.Kind.String(), append(fields, zap.Int("entries", ev.Entries))...)
		}
	})
}
