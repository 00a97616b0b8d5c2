package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cipherlink/internal/peerstore"
	"cipherlink/internal/protocol"
)

var quiet = []protocol.Option{
	protocol.WithLogger(zerolog.Nop()),
	protocol.WithIdleBackoff(time.Millisecond),
}

func newTestIdentity(t *testing.T, algorithm string) *Identity {
	t.Helper()
	dir := t.TempDir()
	id, err := GenerateIdentity(filepath.Join(dir, "id_private.pem"), filepath.Join(dir, "id_public.pem"), algorithm)
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	return id
}

// dialPair starts a listener with serverHandler and returns a connected
// initiator whose handler is wrapped by v.
func dialPair(t *testing.T, serverHandler protocol.Handler, v *Verifier, clientHandler protocol.Handler) *protocol.Endpoint {
	t.Helper()
	l, err := protocol.Listen(0, serverHandler, nil, 0, quiet...)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { <-l.Close() })

	port := l.Addr().(*net.TCPAddr).Port
	ep, err := protocol.Connect(context.Background(), "127.0.0.1", port, v.Wrap(clientHandler), nil, 0, quiet...)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { <-ep.Disconnect() })
	return ep
}

func verifyCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func pinIdentity(t *testing.T, store peerstore.Store, name string, id *Identity) {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(id.PublicKey)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := store.Pin(context.Background(), peerstore.Peer{
		Name: name, PeerID: id.PeerID, Algorithm: id.Algorithm, PublicKey: der,
	}); err != nil {
		t.Fatalf("Pin: %v", err)
	}
}

func TestIdentityPinnedKey(t *testing.T) {
	for _, alg := range []string{AlgorithmEd25519, AlgorithmRSAPSS} {
		t.Run(alg, func(t *testing.T) {
			old := RSABits
			RSABits = 2048
			t.Cleanup(func() { RSABits = old })

			id := newTestIdentity(t, alg)
			resp, err := NewResponder(id.Signer)
			if err != nil {
				t.Fatalf("NewResponder: %v", err)
			}
			if resp.PeerID() != id.PeerID {
				t.Fatalf("peer id mismatch")
			}

			store := peerstore.NewMemory()
			pinIdentity(t, store, "server", id)
			v := NewVerifier(store, WithLogger(zerolog.Nop()))

			ep := dialPair(t, resp.Wrap(nil), v, nil)
			if err := v.VerifyErr(verifyCtx(t), ep, "server"); err != nil {
				t.Fatalf("VerifyErr: %v", err)
			}
		})
	}
}

func TestIdentityTrustOnFirstUse(t *testing.T) {
	id := newTestIdentity(t, AlgorithmEd25519)
	resp, _ := NewResponder(id.Signer)
	store := peerstore.NewMemory()
	v := NewVerifier(store, PinOnFirstUse(true), WithLogger(zerolog.Nop()))

	ep := dialPair(t, resp.Wrap(nil), v, nil)
	if !v.Verify(verifyCtx(t), ep, "server") {
		t.Fatalf("first use not accepted")
	}
	p, err := store.Lookup(context.Background(), "server")
	if err != nil {
		t.Fatalf("not pinned: %v", err)
	}
	if p.PeerID != id.PeerID || p.Algorithm != AlgorithmEd25519 {
		t.Fatalf("pinned %+v", p)
	}
	// Second run checks against the pin.
	if !v.Verify(verifyCtx(t), ep, "server") {
		t.Fatalf("pinned key rejected")
	}
}

func TestIdentityUnknownPeer(t *testing.T) {
	id := newTestIdentity(t, AlgorithmEd25519)
	resp, _ := NewResponder(id.Signer)
	v := NewVerifier(peerstore.NewMemory(), WithLogger(zerolog.Nop()))

	ep := dialPair(t, resp.Wrap(nil), v, nil)
	err := v.VerifyErr(verifyCtx(t), ep, "server")
	if !errors.Is(err, ErrIdentityNotVerified) {
		t.Fatalf("got %v", err)
	}
	// The transport is untouched by a failed verification.
	if !ep.IsConnected() {
		t.Fatalf("endpoint closed after failed verification")
	}
}

func TestIdentityPinnedMismatch(t *testing.T) {
	id := newTestIdentity(t, AlgorithmEd25519)
	impostor := newTestIdentity(t, AlgorithmEd25519)
	resp, _ := NewResponder(impostor.Signer)

	store := peerstore.NewMemory()
	pinIdentity(t, store, "server", id)
	v := NewVerifier(store, PinOnFirstUse(true), WithLogger(zerolog.Nop()))

	ep := dialPair(t, resp.Wrap(nil), v, nil)
	if v.Verify(verifyCtx(t), ep, "server") {
		t.Fatalf("impostor verified")
	}
}

func TestIdentityBadSignature(t *testing.T) {
	id := newTestIdentity(t, AlgorithmEd25519)
	der, _ := x509.MarshalPKIXPublicKey(id.PublicKey)

	// Echoes the challenge with the right key but a random signature.
	forger := func(_ *protocol.Endpoint, payload []byte) ([]byte, bool) {
		body, ok := cutCommand(payload)
		if !ok {
			return nil, true
		}
		req, err := unmarshalAndValidate[identityRequest](body, typeIdentityRequest)
		if err != nil {
			return nil, true
		}
		badSig := make([]byte, ed25519.SignatureSize)
		_, _ = rand.Read(badSig)
		out, _ := encodeCommand(identityResponse{
			Type:       typeIdentityResponse,
			V:          identityVersion,
			Nonce:      req.Nonce,
			IssuedAtMS: req.IssuedAtMS,
			PeerID:     id.PeerID,
			Algorithm:  AlgorithmEd25519,
			PublicKey:  b64Encode(der),
			Signature:  b64Encode(badSig),
		})
		return out, true
	}

	v := NewVerifier(nil, WithLogger(zerolog.Nop()))
	ep := dialPair(t, forger, v, nil)
	if v.Verify(verifyCtx(t), ep, "server") {
		t.Fatalf("forged signature verified")
	}
}

func TestIdentityMalformedResponse(t *testing.T) {
	garbage := func(_ *protocol.Endpoint, payload []byte) ([]byte, bool) {
		if _, ok := cutCommand(payload); ok {
			return append(append([]byte(nil), commandHeader...), "{not json"...), true
		}
		return nil, true
	}
	v := NewVerifier(nil, WithLogger(zerolog.Nop()))
	ep := dialPair(t, garbage, v, nil)
	if v.Verify(verifyCtx(t), ep, "server") {
		t.Fatalf("malformed response verified")
	}
}

func TestIdentityExpiredChallenge(t *testing.T) {
	oldTTL := challengeTTL
	challengeTTL = 1 * time.Millisecond
	t.Cleanup(func() { challengeTTL = oldTTL })

	id := newTestIdentity(t, AlgorithmEd25519)
	resp, _ := NewResponder(id.Signer)
	slow := resp.Wrap(nil)
	delayed := func(ep *protocol.Endpoint, payload []byte) ([]byte, bool) {
		time.Sleep(20 * time.Millisecond)
		return slow(ep, payload)
	}

	v := NewVerifier(nil, WithLogger(zerolog.Nop()))
	ep := dialPair(t, delayed, v, nil)
	err := v.VerifyErr(verifyCtx(t), ep, "server")
	if !errors.Is(err, ErrIdentityNotVerified) {
		t.Fatalf("got %v", err)
	}
}

type panickingStore struct{ peerstore.Store }

func (panickingStore) Lookup(context.Context, string) (peerstore.Peer, error) {
	panic("store exploded")
}

func TestVerifyNeverPanics(t *testing.T) {
	id := newTestIdentity(t, AlgorithmEd25519)
	resp, _ := NewResponder(id.Signer)
	v := NewVerifier(panickingStore{}, WithLogger(zerolog.Nop()))

	ep := dialPair(t, resp.Wrap(nil), v, nil)
	if v.Verify(verifyCtx(t), ep, "server") {
		t.Fatalf("verified despite panic")
	}
	if v.Verify(context.Background(), nil, "server") {
		t.Fatalf("nil endpoint verified")
	}
}

func TestApplicationMessagesPassThrough(t *testing.T) {
	id := newTestIdentity(t, AlgorithmEd25519)
	resp, _ := NewResponder(id.Signer)
	echo := resp.Wrap(func(_ *protocol.Endpoint, p []byte) ([]byte, bool) {
		return append([]byte("echo:"), p...), true
	})

	got := make(chan string, 1)
	v := NewVerifier(nil, WithLogger(zerolog.Nop()))
	ep := dialPair(t, echo, v, func(_ *protocol.Endpoint, p []byte) ([]byte, bool) {
		got <- string(p)
		return nil, true
	})

	if !v.Verify(verifyCtx(t), ep, "server") {
		t.Fatalf("Verify failed")
	}
	if err := ep.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case m := <-got:
		if m != "echo:hello" {
			t.Fatalf("got %q", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out")
	}
}

func TestVerifyOnClosedEndpoint(t *testing.T) {
	id := newTestIdentity(t, AlgorithmEd25519)
	resp, _ := NewResponder(id.Signer)
	v := NewVerifier(nil, WithLogger(zerolog.Nop()))

	ep := dialPair(t, resp.Wrap(nil), v, nil)
	<-ep.Disconnect()
	if err := v.VerifyErr(verifyCtx(t), ep, "server"); !errors.Is(err, ErrIdentityNotVerified) {
		t.Fatalf("got %v", err)
	}
}

func TestKeypairFilesAreCreated(t *testing.T) {
	old := RSABits
	RSABits = 2048
	t.Cleanup(func() { RSABits = old })

	dir := t.TempDir()
	t.Setenv(IdentityKeyEnvPath, dir)

	// Create once.
	first, err := LoadOrCreateIdentity("")
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity: %v", err)
	}
	if first.Algorithm != AlgorithmRSAPSS {
		t.Fatalf("default algorithm: %s", first.Algorithm)
	}

	// Ensure both files exist at expected default names.
	privPath, pubPath, err := IdentityKeyPaths("")
	if err != nil {
		t.Fatalf("IdentityKeyPaths: %v", err)
	}
	if _, err := os.Stat(privPath); err != nil {
		t.Fatalf("private key missing: %v", err)
	}
	if _, err := os.Stat(pubPath); err != nil {
		t.Fatalf("public key missing: %v", err)
	}

	second, err := LoadOrCreateIdentity("")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if second.PeerID != first.PeerID {
		t.Fatalf("identity changed on reload")
	}
}

func TestKeyPathDerivation(t *testing.T) {
	dir := t.TempDir()
	priv, pub, err := IdentityKeyPaths(filepath.Join(dir, "server_private.pem"))
	if err != nil {
		t.Fatalf("IdentityKeyPaths: %v", err)
	}
	if filepath.Base(priv) != "server_private.pem" || filepath.Base(pub) != "server_public.pem" {
		t.Fatalf("got %s %s", priv, pub)
	}
	_, pub, _ = IdentityKeyPaths(filepath.Join(dir, "node.pem"))
	if filepath.Base(pub) != "node.pub.pem" {
		t.Fatalf("got %s", pub)
	}
}

func TestIncompleteKeypairRefused(t *testing.T) {
	dir := t.TempDir()
	id := newTestIdentity(t, AlgorithmEd25519)
	pubPEM, _ := MarshalPublicKeyPEM(id.PublicKey)
	if err := os.WriteFile(filepath.Join(dir, defaultPublicKeyName), pubPEM, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadOrCreateIdentity(dir); err == nil {
		t.Fatalf("half keypair accepted")
	}
}

func TestMismatchedKeypairRefused(t *testing.T) {
	a := t.TempDir()
	if _, err := GenerateIdentity(filepath.Join(a, defaultPrivateKeyName), filepath.Join(a, defaultPublicKeyName), AlgorithmEd25519); err != nil {
		t.Fatalf("generate: %v", err)
	}
	other := newTestIdentity(t, AlgorithmEd25519)
	pubPEM, _ := MarshalPublicKeyPEM(other.PublicKey)
	if err := os.WriteFile(filepath.Join(a, defaultPublicKeyName), pubPEM, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadOrCreateIdentity(a); err == nil {
		t.Fatalf("mismatched keypair accepted")
	}
	if _, err := GenerateIdentity(filepath.Join(a, defaultPrivateKeyName), filepath.Join(a, "x.pem"), AlgorithmEd25519); err == nil {
		t.Fatalf("existing key overwritten")
	}
}
