package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// MaxMessageSize is the largest payload Send accepts. It leaves room in a
// MaxFrameSize frame for the inner header and cipher overhead.
const MaxMessageSize = MaxFrameSize - 64

// maxPendingWrite bounds how many encoded bytes wait for the socket before
// the loop stops sealing more of the outbound queue.
const maxPendingWrite = 4 * MaxFrameSize

// Endpoint is one side of an encrypted, message-oriented connection.
//
// All socket I/O, encryption and frame parsing happen on a single loop: the
// endpoint's own goroutine for Connect and Start, or the accepting Listener's
// goroutine. Other goroutines only call Send, Disconnect and the
// registration and query methods.
type Endpoint struct {
	nc   net.Conn
	role Role
	cfg  settings
	log  zerolog.Logger

	handler       atomic.Pointer[Handler]
	stateListener atomic.Pointer[StateListener]

	state           atomic.Uint32
	running         atomic.Bool
	socketConnected atomic.Bool
	closing         atomic.Bool

	// mu guards outbound, the only structure shared with callers.
	mu       sync.Mutex
	outbound [][]byte

	established chan struct{}
	done        chan struct{}
	closeErr    atomic.Pointer[error]

	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	keepAlivesSent atomic.Uint64

	// Loop-owned.
	kex          KeyExchange
	cipher       Cipher
	decoder      *FrameDecoder
	readBuf      []byte
	sealBuf      []byte
	lastActivity time.Time

	// Encoded frames not yet taken by the socket, from wbuf[woff:].
	wbuf      []byte
	woff      int
	lastWrite time.Time
	lingering bool
}

func newEndpoint(nc net.Conn, role Role, h Handler, sl StateListener, bufferSize int, cfg settings) (*Endpoint, error) {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	kex, err := cfg.suite.NewKeyExchange()
	if err != nil {
		return nil, fmt.Errorf("%w: key exchange: %w", ErrCrypto, err)
	}

	e := &Endpoint{
		nc:           nc,
		role:         role,
		cfg:          cfg,
		established:  make(chan struct{}),
		done:         make(chan struct{}),
		kex:          kex,
		decoder:      NewFrameDecoder(cfg.maxFrame),
		readBuf:      make([]byte, bufferSize),
		lastActivity: time.Now(),
	}
	e.log = cfg.log.With().
		Str("role", role.String()).
		Str("remote", remoteAddr(nc)).
		Str("suite", cfg.suite.Name).
		Logger()
	e.RegisterHandler(h)
	e.RegisterConnectionStateListener(sl)
	e.running.Store(true)
	e.socketConnected.Store(true)
	return e, nil
}

func remoteAddr(nc net.Conn) string {
	if a := nc.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (e *Endpoint) Role() Role { return e.role }

// State returns the current connection state.
func (e *Endpoint) State() State { return State(e.state.Load()) }

func (e *Endpoint) LocalAddr() net.Addr  { return e.nc.LocalAddr() }
func (e *Endpoint) RemoteAddr() net.Addr { return e.nc.RemoteAddr() }

// IsAlive is true until the loop has fully exited: while it is running, the
// socket is connected, or the closing sequence is in flight.
func (e *Endpoint) IsAlive() bool {
	return e.running.Load() || e.socketConnected.Load() || e.closing.Load()
}

// IsConnected reports whether the handshake is done and the socket is up.
func (e *Endpoint) IsConnected() bool {
	return e.State() == StateEstablished && e.socketConnected.Load()
}

// Established is closed when the handshake completes. It is never closed
// for an endpoint that fails before that.
func (e *Endpoint) Established() <-chan struct{} { return e.established }

// Done is closed once the loop has exited and the socket is closed.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// Err returns what ended the connection, nil while it is up and after a local
// or handler-initiated close. It is already set when the state listener hears
// about the disconnect.
func (e *Endpoint) Err() error {
	if p := e.closeErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (e *Endpoint) Stats() Stats {
	return Stats{
		FramesSent:     e.framesSent.Load(),
		FramesReceived: e.framesReceived.Load(),
		BytesSent:      e.bytesSent.Load(),
		BytesReceived:  e.bytesReceived.Load(),
		KeepAlivesSent: e.keepAlivesSent.Load(),
	}
}

// RegisterHandler replaces the message handler. A nil handler drops
// inbound messages.
func (e *Endpoint) RegisterHandler(h Handler) {
	if h == nil {
		e.handler.Store(nil)
		return
	}
	e.handler.Store(&h)
}

func (e *Endpoint) RegisterConnectionStateListener(sl StateListener) {
	if sl == nil {
		e.stateListener.Store(nil)
		return
	}
	e.stateListener.Store(&sl)
}

// Send queues payload for the next flush and returns immediately. It is
// framed and encrypted at send time, once. An empty payload goes out as a
// keep-alive and is never seen by the peer's handler.
func (e *Endpoint) Send(payload []byte) error {
	if e.State() >= StateClosing || !e.running.Load() {
		return ErrNotConnected
	}
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(payload), MaxMessageSize)
	}
	e.enqueue(append([]byte(nil), payload...))
	return nil
}

func (e *Endpoint) enqueue(p []byte) {
	e.mu.Lock()
	e.outbound = append(e.outbound, p)
	e.mu.Unlock()
}

// Disconnect asks the loop to stop. The returned channel is closed once the
// loop has exited. Calling it again, or after the connection failed, is
// harmless.
func (e *Endpoint) Disconnect() <-chan struct{} {
	e.running.Store(false)
	return e.done
}

// run drives an endpoint that owns its own goroutine.
func (e *Endpoint) run() {
	for {
		didWork, alive := e.poll()
		if !alive {
			return
		}
		if !didWork {
			time.Sleep(e.cfg.idleBackoff)
		}
	}
}

// poll runs one pass of the loop. It reports whether anything useful
// happened and whether the endpoint is still alive afterwards.
func (e *Endpoint) poll() (didWork bool, alive bool) {
	select {
	case <-e.done:
		return false, false
	default:
	}

	if !e.running.Load() {
		if progressed, more := e.linger(); more {
			return progressed, true
		}
		e.shutdown(nil)
		return true, false
	}
	didWork, err := e.step()
	if err != nil {
		e.shutdown(err)
		return true, false
	}
	return didWork, true
}

func (e *Endpoint) step() (bool, error) {
	var did bool

	// The responder speaks first.
	if e.State() == StateInit && e.role == RoleResponder {
		if err := e.writeFrame(e.kex.PublicMaterial()); err != nil {
			return did, err
		}
		e.setState(StateHandshaking)
		did = true
	}

	if e.State() == StateEstablished {
		n, err := e.flush(maxPendingWrite)
		if err != nil {
			return did, err
		}
		if n > 0 {
			did = true
		} else if e.pendingWrite() == 0 && e.cfg.keepAlive > 0 && time.Since(e.lastActivity) >= e.cfg.keepAlive {
			if err := e.writeSealed(nil); err != nil {
				return did, fmt.Errorf("keep-alive: %w", err)
			}
			e.keepAlivesSent.Add(1)
			e.log.Debug().Msg("keep-alive sent")
			did = true
		}
	}

	if progressed, err := e.drain(); err != nil {
		return did, err
	} else if progressed {
		did = true
	}

	n, err := e.readAvailable()
	if err != nil {
		return did, err
	}
	if n > 0 {
		did = true
	}

	for e.running.Load() {
		payload, err := e.decoder.Next()
		if err != nil {
			if !isFatal(err) {
				break
			}
			return did, err
		}
		did = true
		e.framesReceived.Add(1)

		keepRunning, err := e.dispatch(payload)
		if err != nil {
			return did, err
		}
		if !keepRunning {
			e.running.Store(false)
		}
	}
	return did, nil
}

// linger writes out what was queued before a local close. more is false once
// nothing is left to send or the socket stopped taking bytes.
func (e *Endpoint) linger() (progressed, more bool) {
	if !e.lingering {
		e.lingering = true
		if e.State() != StateEstablished {
			return false, false
		}
		e.setState(StateClosing)
		if _, err := e.flush(-1); err != nil {
			e.log.Debug().Err(err).Msg("final flush failed")
			return false, false
		}
	}
	if e.State() != StateClosing || e.pendingWrite() == 0 {
		return false, false
	}
	progressed, err := e.drain()
	if err != nil {
		e.log.Debug().Err(err).Msg("final flush failed")
		return progressed, false
	}
	return progressed, e.pendingWrite() > 0
}

// classify decides what a frame is from the handshake state alone.
func (e *Endpoint) classify(payload []byte) inbound {
	if e.State() < StateEstablished {
		return handshakeMaterial(payload)
	}
	return applicationFrame(payload)
}

func (e *Endpoint) dispatch(payload []byte) (keepRunning bool, err error) {
	switch f := e.classify(payload).(type) {
	case handshakeMaterial:
		return true, e.completeHandshake(f)
	case applicationFrame:
		return e.deliver(f)
	default:
		return false, fmt.Errorf("%w: unclassified frame", ErrProtocol)
	}
}

func (e *Endpoint) completeHandshake(material handshakeMaterial) error {
	if len(material) == 0 {
		return errors.Join(ErrProtocol, ErrEmptyHandshake)
	}
	if e.role == RoleInitiator {
		e.setState(StateHandshaking)
	}

	secret, err := e.kex.Derive(material)
	if err != nil {
		return fmt.Errorf("%w: derive: %w", ErrCrypto, err)
	}
	c, err := e.cfg.suite.NewCipher(secret, e.role)
	for i := range secret {
		secret[i] = 0
	}
	if err != nil {
		return fmt.Errorf("%w: cipher: %w", ErrCrypto, err)
	}

	if e.role == RoleInitiator {
		if err := e.writeFrame(e.kex.PublicMaterial()); err != nil {
			return err
		}
	}

	e.cipher = c
	e.setState(StateEstablished)
	close(e.established)
	e.log.Debug().Msg("handshake complete")
	e.notify(true)
	return nil
}

func (e *Endpoint) deliver(frame applicationFrame) (bool, error) {
	plaintext, err := e.cipher.Decrypt(frame)
	if err != nil {
		return false, fmt.Errorf("%w: decrypt: %w", ErrCrypto, err)
	}
	payload, ping, err := decodeInner(plaintext)
	if err != nil {
		return false, err
	}
	if ping {
		return true, nil
	}

	h := e.handler.Load()
	if h == nil {
		e.log.Warn().Int("len", len(payload)).Msg("no handler registered, message dropped")
		return true, nil
	}
	resp, keepRunning, err := e.callHandler(*h, payload)
	if err != nil {
		return false, err
	}
	if resp != nil {
		e.enqueue(resp)
	}
	return keepRunning, nil
}

func (e *Endpoint) callHandler(h Handler, payload []byte) (resp []byte, keepRunning bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cipherlink: handler panic: %v", r)
		}
	}()
	resp, keepRunning = h(e, payload)
	return resp, keepRunning, nil
}

func (e *Endpoint) dequeue() ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.outbound) == 0 {
		return nil, false
	}
	p := e.outbound[0]
	e.outbound[0] = nil
	e.outbound = e.outbound[1:]
	if len(e.outbound) == 0 {
		e.outbound = nil
	}
	return p, true
}

// flush seals queued messages, in order, into the write buffer until it holds
// limit bytes. A negative limit seals everything.
func (e *Endpoint) flush(limit int) (int, error) {
	n := 0
	for limit < 0 || e.pendingWrite() < limit {
		p, ok := e.dequeue()
		if !ok {
			break
		}
		if err := e.writeSealed(p); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (e *Endpoint) writeSealed(payload []byte) error {
	e.sealBuf = appendInner(e.sealBuf[:0], payload)
	ct, err := e.cipher.Encrypt(e.sealBuf)
	if err != nil {
		return fmt.Errorf("%w: encrypt: %w", ErrCrypto, err)
	}
	return e.writeFrame(ct)
}

// writeFrame appends a frame to the write buffer. The socket takes it on the
// next drain.
func (e *Endpoint) writeFrame(payload []byte) error {
	if e.pendingWrite() == 0 {
		e.wbuf, e.woff = e.wbuf[:0], 0
		e.lastWrite = time.Now()
	}
	var err error
	if e.wbuf, err = AppendFrame(e.wbuf, payload); err != nil {
		return err
	}
	e.framesSent.Add(1)
	return nil
}

func (e *Endpoint) pendingWrite() int { return len(e.wbuf) - e.woff }

// drain writes as much of the write buffer as the socket takes within the
// poll timeout. It fails only once nothing was taken for the write timeout.
func (e *Endpoint) drain() (bool, error) {
	if e.pendingWrite() == 0 {
		return false, nil
	}
	_ = e.nc.SetWriteDeadline(time.Now().Add(e.cfg.pollTimeout))
	n, err := e.nc.Write(e.wbuf[e.woff:])
	if n > 0 {
		e.woff += n
		e.bytesSent.Add(uint64(n))
		e.lastWrite = time.Now()
		e.lastActivity = e.lastWrite
		if e.woff == len(e.wbuf) {
			e.wbuf, e.woff = e.wbuf[:0], 0
		} else if e.woff > len(e.wbuf)/2 {
			e.wbuf = e.wbuf[:copy(e.wbuf, e.wbuf[e.woff:])]
			e.woff = 0
		}
	}
	if err != nil {
		if !isTimeout(err) {
			return n > 0, err
		}
		if time.Since(e.lastWrite) >= e.cfg.writeTimeout {
			return n > 0, fmt.Errorf("%w: %d bytes pending for %s", ErrWriteStalled, e.pendingWrite(), e.cfg.writeTimeout)
		}
	}
	return n > 0, nil
}

// readAvailable reads whatever the socket has, waiting at most the poll
// timeout. A timeout is not an error.
func (e *Endpoint) readAvailable() (int, error) {
	_ = e.nc.SetReadDeadline(time.Now().Add(e.cfg.pollTimeout))
	n, err := e.nc.Read(e.readBuf)
	if n > 0 {
		e.decoder.Feed(e.readBuf[:n])
		e.bytesReceived.Add(uint64(n))
	}
	if err != nil && !isTimeout(err) {
		return n, err
	}
	return n, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (e *Endpoint) setState(s State) {
	for {
		cur := e.state.Load()
		if State(cur) >= s {
			return
		}
		if e.state.CompareAndSwap(cur, uint32(s)) {
			return
		}
	}
}

// shutdown runs the closing sequence exactly once, on the loop. Output still
// queued for a local close has already been written by linger.
func (e *Endpoint) shutdown(cause error) {
	e.closing.Store(true)
	e.running.Store(false)
	prev := e.State()
	e.setState(StateClosing)

	switch {
	case cause == nil:
		e.log.Debug().Msg("connection closed")
	case errors.Is(cause, io.EOF):
		e.log.Debug().Msg("peer closed connection")
	case errors.Is(cause, ErrProtocol), errors.Is(cause, ErrCrypto):
		e.log.Warn().Err(cause).Str("state", prev.String()).Msg("connection aborted")
	default:
		e.log.Debug().Err(cause).Msg("connection lost")
	}

	_ = e.nc.Close()
	e.socketConnected.Store(false)
	e.setState(StateClosed)

	e.mu.Lock()
	e.outbound = nil
	e.mu.Unlock()
	e.wbuf, e.woff = nil, 0
	e.decoder.Reset()
	if z, ok := e.cipher.(interface{ Zero() }); ok {
		z.Zero()
	}
	if cause != nil {
		e.closeErr.Store(&cause)
	}

	e.notify(false)
	e.closing.Store(false)
	close(e.done)
}

func (e *Endpoint) notify(connected bool) {
	sl := e.stateListener.Load()
	if sl == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Msg("state listener panicked")
		}
	}()
	(*sl)(e, connected)
}
