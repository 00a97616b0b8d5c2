package suite

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"
)

// ChaCha20Poly1305 seals each message under a per-direction counter nonce.
// Both sides process frames strictly in order, so the counters stay in step
// without being sent.
type ChaCha20Poly1305 struct {
	send, recv       cipher.AEAD
	sendCtr, recvCtr uint64
	exhausted        bool
}

// NewChaCha20Poly1305 keys a cipher from secret for the given side.
func NewChaCha20Poly1305(secret []byte, initiator bool) (*ChaCha20Poly1305, error) {
	sk, rk, err := deriveKeys(secret, initiator)
	if err != nil {
		return nil, err
	}
	defer zero(sk[:])
	defer zero(rk[:])

	send, err := chacha20poly1305.New(sk[:])
	if err != nil {
		return nil, fmt.Errorf("suite: chacha20poly1305 send key: %w", err)
	}
	recv, err := chacha20poly1305.New(rk[:])
	if err != nil {
		return nil, fmt.Errorf("suite: chacha20poly1305 recv key: %w", err)
	}
	return &ChaCha20Poly1305{send: send, recv: recv}, nil
}

func counterNonce(ctr uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], ctr)
	return nonce
}

func (c *ChaCha20Poly1305) Encrypt(plaintext []byte) ([]byte, error) {
	if c.exhausted {
		return nil, ErrNonceExhausted
	}
	nonce := counterNonce(c.sendCtr)
	c.sendCtr++
	if c.sendCtr == 0 {
		c.exhausted = true
	}
	return c.send.Seal(nil, nonce[:], plaintext, nil), nil
}

func (c *ChaCha20Poly1305) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.recv.Overhead() {
		return nil, ErrOpen
	}
	nonce := counterNonce(c.recvCtr)
	out, err := c.recv.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, ErrOpen
	}
	c.recvCtr++
	return out, nil
}

func (c *ChaCha20Poly1305) Overhead() int { return chacha20poly1305.Overhead }

const secretboxNonceSize = 24

// SecretBox seals each message with XSalsa20-Poly1305 under a fresh random
// nonce that travels in front of the box.
type SecretBox struct {
	send, recv [KeySize]byte
}

// NewSecretBox keys a cipher from secret for the given side.
func NewSecretBox(secret []byte, initiator bool) (*SecretBox, error) {
	sk, rk, err := deriveKeys(secret, initiator)
	if err != nil {
		return nil, err
	}
	return &SecretBox{send: sk, recv: rk}, nil
}

func (s *SecretBox) Encrypt(plaintext []byte) ([]byte, error) {
	var nonce [secretboxNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("suite: secretbox nonce: %w", err)
	}
	out := make([]byte, secretboxNonceSize, secretboxNonceSize+len(plaintext)+secretbox.Overhead)
	copy(out, nonce[:])
	return secretbox.Seal(out, plaintext, &nonce, &s.send), nil
}

func (s *SecretBox) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < secretboxNonceSize+secretbox.Overhead {
		return nil, ErrOpen
	}
	var nonce [secretboxNonceSize]byte
	copy(nonce[:], ciphertext[:secretboxNonceSize])
	out, ok := secretbox.Open(nil, ciphertext[secretboxNonceSize:], &nonce, &s.recv)
	if !ok {
		return nil, ErrOpen
	}
	return out, nil
}

func (s *SecretBox) Overhead() int { return secretboxNonceSize + secretbox.Overhead }

// Zero wipes both keys. The cipher is unusable afterwards.
func (s *SecretBox) Zero() {
	zero(s.send[:])
	zero(s.recv[:])
}
