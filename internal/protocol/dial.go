package protocol

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Connect dials address:port and starts an initiator endpoint on its own
// goroutine. It returns once the TCP connection is up; the handshake
// proceeds in the background. Wait on Established to know when Send will
// start delivering.
func Connect(ctx context.Context, address string, port int, h Handler, sl StateListener, bufferSize int, opts ...Option) (*Endpoint, error) {
	cfg := newSettings(opts)

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("cipherlink: dial: %w", err)
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	ep, err := newEndpoint(nc, RoleInitiator, h, sl, bufferSize, cfg)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	ep.log.Debug().Msg("connected")
	go ep.run()
	return ep, nil
}

// Start runs the protocol over an already-established connection, playing
// role, on a new goroutine.
func Start(nc net.Conn, role Role, h Handler, sl StateListener, bufferSize int, opts ...Option) (*Endpoint, error) {
	if role != RoleInitiator && role != RoleResponder {
		return nil, fmt.Errorf("cipherlink: invalid role %s", role)
	}
	ep, err := newEndpoint(nc, role, h, sl, bufferSize, newSettings(opts))
	if err != nil {
		return nil, err
	}
	go ep.run()
	return ep, nil
}
