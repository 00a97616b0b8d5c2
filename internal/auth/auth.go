// Package auth implements identity assurance on top of an established
// endpoint: the initiator challenges the responder to sign a fresh nonce with
// its long-term key and checks the result against a pinned public key.
package auth

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cipherlink/internal/peerstore"
	"cipherlink/internal/protocol"
)

// ErrIdentityNotVerified wraps every reason VerifyErr rejects a peer.
var ErrIdentityNotVerified = errors.New("identity not verified")

var (
	responseTimeout = 30 * time.Second
	challengeTTL    = 30 * time.Second
)

// Responder answers identity requests with signatures from a long-term key.
type Responder struct {
	id  *Identity
	log zerolog.Logger
}

// NewResponder accepts an RSA (2048 bits or more) or Ed25519 signer.
func NewResponder(signer crypto.Signer) (*Responder, error) {
	if signer == nil {
		return nil, errors.New("nil signer")
	}
	id, err := newIdentity(signer)
	if err != nil {
		return nil, err
	}
	return &Responder{id: id, log: log.Logger}, nil
}

// SetLogger replaces the package-global logger.
func (r *Responder) SetLogger(l zerolog.Logger) { r.log = l }

// PeerID is how initiators will know this responder.
func (r *Responder) PeerID() string { return r.id.PeerID }

// Wrap returns a handler that answers identity requests itself and passes
// every other payload to next.
func (r *Responder) Wrap(next protocol.Handler) protocol.Handler {
	return func(ep *protocol.Endpoint, payload []byte) ([]byte, bool) {
		body, ok := cutCommand(payload)
		if !ok {
			if next == nil {
				return nil, true
			}
			return next(ep, payload)
		}
		// Only requests are answered, so two wrapped peers cannot ping-pong errors.
		if typ, err := commandType(body); err != nil || typ != typeIdentityRequest {
			r.log.Debug().Msg("ignoring identity message")
			return nil, true
		}
		return r.respond(body), true
	}
}

func (r *Responder) respond(body []byte) []byte {
	req, err := unmarshalAndValidate[identityRequest](body, typeIdentityRequest)
	if err != nil {
		r.log.Debug().Err(err).Msg("invalid identity_request")
		return identityFailure("protocol_error", "invalid identity_request")
	}
	if strings.TrimSpace(req.Nonce) == "" {
		return identityFailure("protocol_error", "missing nonce")
	}

	toSign := stringToSignV1(r.id.PeerID, req.Nonce, req.IssuedAtMS)
	sig, err := sign(r.id.Signer, r.id.Algorithm, []byte(toSign))
	if err != nil {
		r.log.Error().Err(err).Msg("identity signing failed")
		return identityFailure("internal_error", "signing failed")
	}
	der, err := x509.MarshalPKIXPublicKey(r.id.PublicKey)
	if err != nil {
		return identityFailure("internal_error", "public key encoding failed")
	}

	out, err := encodeCommand(identityResponse{
		Type:       typeIdentityResponse,
		V:          identityVersion,
		Nonce:      req.Nonce,
		IssuedAtMS: req.IssuedAtMS,
		PeerID:     r.id.PeerID,
		Algorithm:  r.id.Algorithm,
		PublicKey:  b64Encode(der),
		Signature:  b64Encode(sig),
	})
	if err != nil {
		return identityFailure("internal_error", "")
	}
	return out
}

func identityFailure(code, message string) []byte {
	out, _ := encodeCommand(identityError{
		Type:    typeIdentityError,
		V:       identityVersion,
		Code:    code,
		Message: message,
	})
	return out
}

// Verifier runs the initiator side of identity assurance.
type Verifier struct {
	store         peerstore.Store
	pinOnFirstUse bool
	log           zerolog.Logger

	mu      sync.Mutex
	pending map[*protocol.Endpoint]*challenge
}

type challenge struct {
	nonce      string
	issuedAtMS int64
	reply      chan []byte
}

type VerifierOption func(*Verifier)

// PinOnFirstUse accepts and pins the embedded key of a correctly signed
// response when the store has no key for the peer yet.
func PinOnFirstUse(enabled bool) VerifierOption {
	return func(v *Verifier) { v.pinOnFirstUse = enabled }
}

func WithLogger(l zerolog.Logger) VerifierOption {
	return func(v *Verifier) { v.log = l }
}

// NewVerifier checks responses against store. A nil store trusts the key
// embedded in each response, which only proves the peer holds some key.
func NewVerifier(store peerstore.Store, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		store:   store,
		log:     log.Logger,
		pending: make(map[*protocol.Endpoint]*challenge),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Wrap returns a handler that routes identity replies to a waiting Verify
// and passes every other payload to next.
func (v *Verifier) Wrap(next protocol.Handler) protocol.Handler {
	return func(ep *protocol.Endpoint, payload []byte) ([]byte, bool) {
		body, ok := cutCommand(payload)
		if !ok {
			if next == nil {
				return nil, true
			}
			return next(ep, payload)
		}

		v.mu.Lock()
		ch := v.pending[ep]
		v.mu.Unlock()
		if ch == nil {
			v.log.Debug().Msg("unsolicited identity message dropped")
			return nil, true
		}
		select {
		case ch.reply <- append([]byte(nil), body...):
		default:
		}
		return nil, true
	}
}

// Verify reports whether the peer on ep proves it holds the long-term key
// known for peerName. It never panics; failures only yield false.
func (v *Verifier) Verify(ctx context.Context, ep *protocol.Endpoint, peerName string) bool {
	err := v.VerifyErr(ctx, ep, peerName)
	if err != nil {
		v.log.Warn().Err(err).Str("peer", peerName).Msg("identity verification failed")
		return false
	}
	return true
}

// VerifyErr is Verify with the reason. Every error wraps ErrIdentityNotVerified.
func (v *Verifier) VerifyErr(ctx context.Context, ep *protocol.Endpoint, peerName string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrIdentityNotVerified, err)
		}
	}()
	if ep == nil {
		return errors.New("nil endpoint")
	}

	select {
	case <-ep.Established():
	case <-ep.Done():
		return protocol.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}

	nonceBytes, err := randomBytes(32)
	if err != nil {
		return fmt.Errorf("nonce generation failed: %w", err)
	}
	ch := &challenge{
		nonce:      b64Encode(nonceBytes),
		issuedAtMS: nowMS(),
		reply:      make(chan []byte, 1),
	}

	v.mu.Lock()
	if _, busy := v.pending[ep]; busy {
		v.mu.Unlock()
		return errors.New("verification already in progress")
	}
	v.pending[ep] = ch
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		delete(v.pending, ep)
		v.mu.Unlock()
	}()

	req, err := encodeCommand(identityRequest{
		Type:       typeIdentityRequest,
		V:          identityVersion,
		Nonce:      ch.nonce,
		IssuedAtMS: ch.issuedAtMS,
	})
	if err != nil {
		return err
	}
	if err := ep.Send(req); err != nil {
		return err
	}

	timer := time.NewTimer(responseTimeout)
	defer timer.Stop()

	var body []byte
	select {
	case body = <-ch.reply:
	case <-ep.Done():
		return protocol.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("identity response timed out")
	}

	return v.check(ctx, ch, body, peerName)
}

func (v *Verifier) check(ctx context.Context, ch *challenge, body []byte, peerName string) error {
	typ, err := commandType(body)
	if err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	if typ == typeIdentityError {
		ie, err := unmarshalAndValidate[identityError](body, typeIdentityError)
		if err != nil {
			return err
		}
		if ie.Message != "" {
			return fmt.Errorf("peer refused: %s (%s)", ie.Code, ie.Message)
		}
		return fmt.Errorf("peer refused: %s", ie.Code)
	}

	resp, err := unmarshalAndValidate[identityResponse](body, typeIdentityResponse)
	if err != nil {
		return err
	}

	// Challenge binding.
	if resp.Nonce != ch.nonce || resp.IssuedAtMS != ch.issuedAtMS {
		return errors.New("replayed challenge")
	}

	// Freshness.
	if nowMS() > ch.issuedAtMS+int64(challengeTTL/time.Millisecond) {
		return errors.New("expired challenge")
	}

	der, err := b64Decode(resp.PublicKey)
	if err != nil {
		return fmt.Errorf("bad public key encoding: %w", err)
	}
	pub, err := ParsePublicKey(der)
	if err != nil {
		return fmt.Errorf("bad public key: %w", err)
	}
	peerID := peerIDFromDER(der)
	if resp.PeerID != peerID {
		return errors.New("peer_id does not match public key")
	}

	sig, err := b64Decode(resp.Signature)
	if err != nil {
		return errors.New("bad signature encoding")
	}
	toVerify := stringToSignV1(peerID, resp.Nonce, resp.IssuedAtMS)
	if err := verifySignature(pub, resp.Algorithm, []byte(toVerify), sig); err != nil {
		return fmt.Errorf("bad signature: %w", err)
	}

	return v.checkPin(ctx, peerName, der, peerID, resp.Algorithm)
}

func (v *Verifier) checkPin(ctx context.Context, peerName string, der []byte, peerID, algorithm string) error {
	if v.store == nil {
		return nil
	}
	pinned, err := v.store.Lookup(ctx, peerName)
	switch {
	case err == nil:
		if !bytes.Equal(pinned.PublicKey, der) {
			return fmt.Errorf("public key for %q does not match pinned key %s", peerName, pinned.PeerID)
		}
		return nil

	case errors.Is(err, peerstore.ErrNotFound):
		if !v.pinOnFirstUse {
			return fmt.Errorf("no pinned key for %q", peerName)
		}
		p := peerstore.Peer{Name: peerName, PeerID: peerID, Algorithm: algorithm, PublicKey: der}
		if err := v.store.Pin(ctx, p); err != nil {
			if errors.Is(err, peerstore.ErrAlreadyPinned) {
				// Raced with another pin; compare against the winner.
				return v.checkPin(ctx, peerName, der, peerID, algorithm)
			}
			return fmt.Errorf("pinning %q: %w", peerName, err)
		}
		v.log.Info().Str("peer", peerName).Str("peer_id", peerID).Msg("pinned new peer key")
		return nil

	default:
		return fmt.Errorf("peer store lookup: %w", err)
	}
}

func nowMS() int64 { return time.Now().UnixMilli() }
