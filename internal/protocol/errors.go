package protocol

import "errors"

var (
	// ErrProtocol is a generic sentinel for protocol violations. Any error
	// wrapping it is fatal to the connection that produced it.
	ErrProtocol = errors.New("cipherlink protocol error")

	// ErrCrypto marks key derivation and decryption failures. They are treated
	// like protocol violations since they may indicate tampering.
	ErrCrypto = errors.New("cipherlink crypto failure")

	// ErrTruncatedInput means more bytes are needed. It is never fatal.
	ErrTruncatedInput = errors.New("truncated input")

	// ErrNotConnected is returned by Send on a closing or closed endpoint.
	ErrNotConnected = errors.New("endpoint not connected")

	// ErrWriteStalled means queued bytes made no progress for the write
	// timeout, usually because the peer stopped reading.
	ErrWriteStalled = errors.New("peer stopped reading")

	ErrFrameTooLarge   = errors.New("declared frame length too large")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrEmptyHandshake  = errors.New("empty handshake frame")
	ErrInnerLength     = errors.New("inner length mismatch")
)

func isFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrTruncatedInput)
}
