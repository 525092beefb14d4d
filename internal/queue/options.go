package queue

import (
	"log/slog"
	"time"
)

// Forever as a wait timeout makes Get retry until a message arrives or the
// context ends.
const Forever time.Duration = -1

const (
	defaultAcquireTimeout = 60 * time.Second
	defaultPollInterval   = time.Second
	scopedReleaseTimeout  = 10 * time.Second
)

// Options configure a Queue. They are copied by New and never change after.
type Options struct {
	// AcquireTimeout is the lease length granted on claim.
	AcquireTimeout time.Duration
	// DefaultTimeout is the wait used by Get without WithTimeout. Zero
	// means a single attempt, Forever means no deadline.
	DefaultTimeout time.Duration
	// DefaultPollInterval is the pause between claim attempts.
	DefaultPollInterval time.Duration
	// MaxPayloadSize rejects larger payloads on Put. Zero disables the check.
	MaxPayloadSize int
	Logger         *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		AcquireTimeout:      defaultAcquireTimeout,
		DefaultTimeout:      Forever,
		DefaultPollInterval: defaultPollInterval,
	}
}

type getSettings struct {
	timeout      time.Duration
	pollInterval time.Duration
}

type GetOption func(*getSettings)

// WithTimeout bounds how long Get waits. Zero means one attempt and any
// negative value waits forever.
func WithTimeout(timeout time.Duration) GetOption {
	return func(s *getSettings) {
		if timeout < 0 {
			timeout = Forever
		}
		s.timeout = timeout
	}
}

func WithPollInterval(interval time.Duration) GetOption {
	return func(s *getSettings) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}
