package suite

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// X25519 is an ephemeral curve25519 key agreement.
type X25519 struct {
	priv    [curve25519.ScalarSize]byte
	pub     []byte
	derived bool
}

// NewX25519 generates a fresh ephemeral keypair.
func NewX25519() (*X25519, error) {
	k := &X25519{}
	if _, err := rand.Read(k.priv[:]); err != nil {
		return nil, fmt.Errorf("suite: x25519 keygen: %w", err)
	}
	pub, err := curve25519.X25519(k.priv[:], curve25519.Basepoint)
	if err != nil {
		zero(k.priv[:])
		return nil, fmt.Errorf("suite: x25519 public: %w", err)
	}
	k.pub = pub
	return k, nil
}

// PublicMaterial returns a copy of the 32-byte public key.
func (k *X25519) PublicMaterial() []byte {
	return append([]byte(nil), k.pub...)
}

// Derive computes the shared secret with the peer's public key. Low-order
// peer points, which would yield an all-zero secret, are rejected.
func (k *X25519) Derive(peer []byte) ([]byte, error) {
	if k.derived {
		return nil, ErrAlreadyDerived
	}
	if len(peer) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: x25519 wants %d bytes, got %d", ErrBadMaterial, curve25519.PointSize, len(peer))
	}
	shared, err := curve25519.X25519(k.priv[:], peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadMaterial, err)
	}
	k.derived = true
	zero(k.priv[:])
	return shared, nil
}

// Box is a NaCl box key agreement; the secret is box.Precompute's output.
type Box struct {
	priv    *[32]byte
	pub     *[32]byte
	derived bool
}

// NewBox generates a fresh ephemeral box keypair.
func NewBox() (*Box, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("suite: box keygen: %w", err)
	}
	return &Box{priv: priv, pub: pub}, nil
}

// PublicMaterial returns a copy of the 32-byte public key.
func (b *Box) PublicMaterial() []byte {
	return append([]byte(nil), b.pub[:]...)
}

// Derive precomputes the shared key with the peer's public key.
func (b *Box) Derive(peer []byte) ([]byte, error) {
	if b.derived {
		return nil, ErrAlreadyDerived
	}
	if len(peer) != 32 {
		return nil, fmt.Errorf("%w: box wants 32 bytes, got %d", ErrBadMaterial, len(peer))
	}
	var peerPub, shared [32]byte
	copy(peerPub[:], peer)
	box.Precompute(&shared, &peerPub, b.priv)
	b.derived = true
	zero(b.priv[:])

	var nul [32]byte
	if shared == nul {
		return nil, ErrBadMaterial
	}
	return shared[:], nil
}
