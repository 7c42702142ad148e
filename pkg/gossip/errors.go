package gossip

import "errors"

// Wire errors
var (
	ErrMalformedMessage  = errors.New("malformed message")
	ErrUnknownMessageTag = errors.New("unknown message tag")
)

// Engine errors
var (
	ErrSendFailed     = errors.New("send failed")
	ErrNotInGroup     = errors.New("node is not in the group")
	ErrAlreadyStarted = errors.New("engine already started")
	ErrNotStarted     = errors.New("engine not started")
	ErrNullAddress    = errors.New("null address cannot be used as a member key")
)

// Configuration errors
var (
	ErrInvalidTFail     = errors.New("TFail must be positive")
	ErrInvalidTRemove   = errors.New("TRemove must not be negative")
	ErrInvalidFanout    = errors.New("gossip fanout must be at least 1")
	ErrInvalidJoinRetry = errors.New("join retry ticks must be positive")
)

// Transport errors
var (
	ErrClosed      = errors.New("transport closed")
	ErrUnknownPeer = errors.New("no such peer on the network")
	ErrDropped     = errors.New("message dropped")
)
