// Package transport carries gossip messages between processes over nanomsg
// push/pull sockets. Each node listens on a pull socket bound to its own
// address and keeps one lazily dialed push socket per destination.
package transport

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	"go.nanomsg.org/mangos/v3/protocol/push"
	"go.uber.org/zap"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/ryandielhenn/zephyrgossip/pkg/gossip"
)

// Options tunes socket behavior.
type Options struct {
	// SendTimeout bounds how long Send waits for a peer connection.
	SendTimeout time.Duration
	// PollTimeout is how long one Receive cycle waits for the next message
	// before ending.
	PollTimeout time.Duration
	// MaxBatch caps the messages yielded by one Receive cycle; 0 is unbounded.
	MaxBatch int
	Logger   *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		SendTimeout: 100 * time.Millisecond,
		PollTimeout: 5 * time.Millisecond,
		MaxBatch:    256,
	}
}

// Mangos implements gossip.Transport for a single local node.
type Mangos struct {
	self   gossip.Address
	opts   Options
	logger *zap.Logger
	in     mangos.Socket

	mu     sync.Mutex
	out    map[gossip.Address]mangos.Socket
	closed bool
}

// URL is the socket address a node listens on.
func URL(a gossip.Address) string {
	return "tcp://" + a.HostPort()
}

// Listen binds the pull socket for self.
func Listen(self gossip.Address, opts Options) (*Mangos, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	sock, err := pull.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("new pull socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, opts.PollTimeout); err != nil {
		sock.Close()
		return nil, fmt.Errorf("set recv deadline: %w", err)
	}
	if err := sock.Listen(URL(self)); err != nil {
		sock.Close()
		return nil, fmt.Errorf("listen on %s: %w", URL(self), err)
	}
	m := &Mangos{
		self:   self,
		opts:   opts,
		logger: opts.Logger.Named("transport").With(zap.Stringer("self", self)),
		in:     sock,
		out:    make(map[gossip.Address]mangos.Socket),
	}
	m.logger.Info("listening", zap.String("url", URL(self)))
	return m, nil
}

// Send pushes payload to the peer's pull socket. from must be this node.
func (m *Mangos) Send(from, to gossip.Address, payload []byte) error {
	if from != m.self {
		return fmt.Errorf("send from %s on transport for %s: %w", from, m.self, gossip.ErrUnknownPeer)
	}
	sock, err := m.peer(to)
	if err != nil {
		return err
	}
	if err := sock.Send(payload); err != nil {
		if errors.Is(err, mangos.ErrSendTimeout) {
			return fmt.Errorf("send to %s: %w", to, gossip.ErrDropped)
		}
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

// Receive yields whatever arrives until the socket stays quiet for
// PollTimeout, MaxBatch messages were read, or the transport is closed.
func (m *Mangos) Receive(self gossip.Address) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		if self != m.self {
			return
		}
		for n := 0; m.opts.MaxBatch == 0 || n < m.opts.MaxBatch; n++ {
			msg, err := m.in.Recv()
			if err != nil {
				if !errors.Is(err, mangos.ErrRecvTimeout) && !errors.Is(err, mangos.ErrClosed) {
					m.logger.Warn("receive failed", zap.Error(err))
				}
				return
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// Close shuts every socket. Further sends fail with gossip.ErrClosed.
func (m *Mangos) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	errs := []error{m.in.Close()}
	for addr, sock := range m.out {
		errs = append(errs, sock.Close())
		delete(m.out, addr)
	}
	return errors.Join(errs...)
}

func (m *Mangos) peer(to gossip.Address) (mangos.Socket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, gossip.ErrClosed
	}
	if sock, ok := m.out[to]; ok {
		return sock, nil
	}
	sock, err := push.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("new push socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionSendDeadline, m.opts.SendTimeout); err != nil {
		sock.Close()
		return nil, fmt.Errorf("set send deadline: %w", err)
	}
	// peers may not be up yet; keep redialing in the background
	if err := sock.SetOption(mangos.OptionDialAsynch, true); err != nil {
		sock.Close()
		return nil, fmt.Errorf("set async dial: %w", err)
	}
	if err := sock.Dial(URL(to)); err != nil {
		sock.Close()
		return nil, fmt.Errorf("dial %s: %w", URL(to), err)
	}
	m.out[to] = sock
	m.logger.Debug("dialed peer", zap.Stringer("peer", to))
	return sock, nil
}

var _ gossip.Transport = (*Mangos)(nil)
