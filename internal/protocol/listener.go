package protocol

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Listener accepts connections and serves every accepted endpoint from a
// single goroutine. Each accepted endpoint is a responder.
type Listener struct {
	ln         *net.TCPListener
	handler    Handler
	sl         StateListener
	bufferSize int
	cfg        settings
	log        zerolog.Logger

	running atomic.Bool
	count   atomic.Int64
	done    chan struct{}

	// Loop-owned.
	endpoints []*Endpoint
}

// Listen binds port on all interfaces and starts serving. Port 0 picks a
// free port; see Addr.
func Listen(port int, h Handler, sl StateListener, bufferSize int, opts ...Option) (*Listener, error) {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("cipherlink: listen: %w", err)
	}
	cfg := newSettings(opts)
	l := &Listener{
		ln:         ln,
		handler:    h,
		sl:         sl,
		bufferSize: bufferSize,
		cfg:        cfg,
		log:        cfg.log.With().Str("listen", ln.Addr().String()).Logger(),
		done:       make(chan struct{}),
	}
	l.running.Store(true)
	l.log.Info().Msg("listening")
	go l.run()
	return l, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Len is the number of live endpoints currently served.
func (l *Listener) Len() int { return int(l.count.Load()) }

// Close stops accepting, disconnects every served endpoint and returns a
// channel closed once all of them have terminated.
func (l *Listener) Close() <-chan struct{} {
	l.running.Store(false)
	return l.done
}

func (l *Listener) run() {
	defer close(l.done)
	for l.running.Load() {
		did := l.acceptOne()

		live := l.endpoints[:0]
		for _, ep := range l.endpoints {
			work, alive := ep.poll()
			did = did || work
			if alive {
				live = append(live, ep)
			} else {
				l.count.Add(-1)
			}
		}
		for i := len(live); i < len(l.endpoints); i++ {
			l.endpoints[i] = nil
		}
		l.endpoints = live

		if !did {
			time.Sleep(l.cfg.idleBackoff)
		}
	}

	_ = l.ln.Close()
	for _, ep := range l.endpoints {
		ep.Disconnect()
	}
	// Poll them together until each one has finished closing.
	for len(l.endpoints) > 0 {
		live := l.endpoints[:0]
		for _, ep := range l.endpoints {
			if _, alive := ep.poll(); alive {
				live = append(live, ep)
			} else {
				l.count.Add(-1)
			}
		}
		l.endpoints = live
	}
	l.endpoints = nil
	l.log.Info().Msg("listener stopped")
}

// acceptOne accepts at most one pending connection without blocking beyond
// the poll timeout.
func (l *Listener) acceptOne() bool {
	_ = l.ln.SetDeadline(time.Now().Add(l.cfg.pollTimeout))
	nc, err := l.ln.AcceptTCP()
	if err != nil {
		if !isTimeout(err) && !errors.Is(err, net.ErrClosed) {
			l.log.Warn().Err(err).Msg("accept failed")
		}
		return false
	}
	_ = nc.SetNoDelay(true)

	ep, err := newEndpoint(nc, RoleResponder, l.handler, l.sl, l.bufferSize, l.cfg)
	if err != nil {
		l.log.Error().Err(err).Msg("endpoint setup failed")
		_ = nc.Close()
		return true
	}
	ep.log.Debug().Msg("accepted")
	l.endpoints = append(l.endpoints, ep)
	l.count.Add(1)
	return true
}
