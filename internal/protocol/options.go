package protocol

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultBufferSize        = 16 << 10
	defaultKeepAliveInterval = 5 * time.Second
	defaultIdleBackoff       = 125 * time.Millisecond
	defaultPollTimeout       = time.Millisecond
	defaultWriteTimeout      = 10 * time.Second
)

// Option tunes an Endpoint, or every Endpoint a Listener accepts.
type Option func(*settings)

type settings struct {
	suite        Suite
	log          zerolog.Logger
	maxFrame     int
	keepAlive    time.Duration
	idleBackoff  time.Duration
	pollTimeout  time.Duration
	writeTimeout time.Duration
}

func newSettings(opts []Option) settings {
	s := settings{
		suite:        DefaultSuite(),
		log:          log.Logger,
		maxFrame:     MaxFrameSize,
		keepAlive:    defaultKeepAliveInterval,
		idleBackoff:  defaultIdleBackoff,
		pollTimeout:  defaultPollTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithSuite selects the key exchange and cipher. Both peers must agree.
func WithSuite(s Suite) Option {
	return func(o *settings) {
		if s.NewKeyExchange != nil && s.NewCipher != nil {
			o.suite = s
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *settings) { o.log = l }
}

// WithMaxFrameSize lowers the largest declared inbound frame length that is
// accepted. It cannot be raised above MaxFrameSize.
func WithMaxFrameSize(n int) Option {
	return func(o *settings) {
		if n > 0 && n <= MaxFrameSize {
			o.maxFrame = n
		}
	}
}

// WithKeepAliveInterval sets how long an established endpoint may go without
// writing before it sends a keep-alive. Zero disables keep-alives.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(o *settings) {
		if d >= 0 {
			o.keepAlive = d
		}
	}
}

// WithIdleBackoff sets how long a loop sleeps after a pass that did no work.
func WithIdleBackoff(d time.Duration) Option {
	return func(o *settings) {
		if d > 0 {
			o.idleBackoff = d
		}
	}
}

// WithPollTimeout bounds how long a single socket read or accept may wait.
func WithPollTimeout(d time.Duration) Option {
	return func(o *settings) {
		if d > 0 {
			o.pollTimeout = d
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *settings) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}
