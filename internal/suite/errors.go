package suite

import "errors"

var (
	// ErrBadMaterial is returned by Derive for peer material of the wrong
	// size or shape.
	ErrBadMaterial = errors.New("suite: malformed peer key material")

	// ErrAlreadyDerived is returned when Derive is called twice; the private
	// half is wiped after the first derivation.
	ErrAlreadyDerived = errors.New("suite: key exchange already used")

	// ErrOpen is returned when a ciphertext fails authentication.
	ErrOpen = errors.New("suite: message authentication failed")

	// ErrNonceExhausted is returned once a direction's counter wraps.
	ErrNonceExhausted = errors.New("suite: nonce space exhausted")
)
