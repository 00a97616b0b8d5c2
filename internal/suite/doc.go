// Package suite provides the concrete key-exchange and cipher capabilities
// bound together by protocol.Suite.
//
// Two key agreements are available: X25519 (curve25519 scalar
// multiplication, raw shared secret) and Box (NaCl box precomputation,
// which additionally runs the secret through HSalsa20). Two ciphers are
// available: ChaCha20-Poly1305 with per-direction counter nonces, and NaCl
// secretbox with a random 24-byte nonce carried in front of every message.
//
// Every cipher expands the shared secret with HKDF-SHA256 into one key per
// direction, so the initiator's send key is the responder's receive key and
// the two directions never share a key/nonce space.
//
// Values returned by this package are not safe for concurrent use; a
// transport endpoint owns one of each and only uses it from its own loop.
package suite
