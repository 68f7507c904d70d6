package types

import (
	"errors"
	"time"
)

// ErrStopPolling is returned by a before-request hook to tell a polling loop
// to exit cleanly without issuing another receive.
var ErrStopPolling = errors.New("stop polling")

// PollOptions controls a single long-running poll.
type PollOptions struct {
	// MaxMessages is the maximum number of messages requested per receive.
	MaxMessages int
	// SkipDelete leaves acknowledgement to the caller. When false the poller
	// deletes every batch as soon as the batch callback returns.
	SkipDelete bool
}

// PollStats describes the progress of a running poll. It is handed to the
// before-request hook ahead of every receive.
type PollStats struct {
	RequestCount          int
	ReceivedMessageCount  int
	LastMessageReceivedAt time.Time
	PollingStartedAt      time.Time
}
