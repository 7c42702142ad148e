package gossip

// Heartbeat-timeout failure detection. A peer whose heartbeat has not gone up
// for more than TFail ticks is suspected and withheld from outgoing gossip; after
// another TRemove ticks it is evicted. Both checks run lazily inside Tick.

// Config holds the protocol knobs. All durations are in clock units (ticks).
type Config struct {
	TFail   int64 // suspect after
	TRemove int64 // extra grace before eviction
	Fanout  int   // peers contacted per tick

	// JoinRetryTicks is the initial wait before a JoinRequest is resent.
	// The wait doubles per attempt, capped at maxJoinBackoff times the base.
	JoinRetryTicks int64
	// JoinMaxAttempts bounds the number of JoinRequests; 0 retries forever.
	JoinMaxAttempts int

	// EagerJoin makes the introducer add a joining node to its own table
	// when it replies. Off by default: the joiner becomes visible once it
	// gossips.
	EagerJoin bool
}

const maxJoinBackoff = 8

// DefaultConfig returns the stock protocol parameters.
func DefaultConfig() Config {
	return Config{
		TFail:           5,
		TRemove:         20,
		Fanout:          2,
		JoinRetryTicks:  5,
		JoinMaxAttempts: 5,
	}
}

// Validate checks that the windows and fanout make sense.
func (c Config) Validate() error {
	if c.TFail <= 0 {
		return ErrInvalidTFail
	}
	if c.TRemove < 0 {
		return ErrInvalidTRemove
	}
	if c.Fanout < 1 {
		return ErrInvalidFanout
	}
	if c.JoinRetryTicks <= 0 {
		return ErrInvalidJoinRetry
	}
	return nil
}

// SuspectAfter is the staleness beyond which an entry is no longer gossiped.
func (c Config) SuspectAfter() int64 { return c.TFail }

// RemoveAfter is the staleness beyond which an entry is evicted.
func (c Config) RemoveAfter() int64 { return c.TFail + c.TRemove }

// joinBackoff returns how many ticks to wait after the given attempt
// (1-based) before sending the next JoinRequest.
func (c Config) joinBackoff(attempt int) int64 {
	mult := int64(1)
	for i := 1; i < attempt && mult < maxJoinBackoff; i++ {
		mult *= 2
	}
	return c.JoinRetryTicks * mult
}
