package protocol

import "fmt"

// Role is the side of the connection an Endpoint plays.
type Role uint8

const (
	// RoleInitiator dialed the connection and speaks second.
	RoleInitiator Role = iota + 1
	// RoleResponder accepted the connection and sends its key material first.
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// State is the handshake/connection state. It only ever advances.
type State uint32

const (
	StateInit State = iota
	StateHandshaking
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Handler is invoked on the endpoint's own loop once per decoded, non-ping
// inbound message. A non-nil response is queued back to the peer; returning
// keepRunning=false closes the endpoint after the response is flushed.
// Handlers must not block indefinitely.
type Handler func(ep *Endpoint, payload []byte) (response []byte, keepRunning bool)

// StateListener is invoked once with connected=true when the handshake
// completes and once with connected=false when the endpoint terminates.
type StateListener func(ep *Endpoint, connected bool)

// KeyExchange produces local public material and derives a shared secret
// from the peer's material. One instance serves exactly one connection.
type KeyExchange interface {
	PublicMaterial() []byte
	Derive(peerMaterial []byte) ([]byte, error)
}

// Cipher seals and opens opaque buffers once keyed from a shared secret.
// Overhead is the number of bytes Encrypt adds.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	Overhead() int
}

// Suite binds a key exchange to the cipher built from its secret. Both peers
// must use the same suite; there is no negotiation.
type Suite struct {
	Name           string
	NewKeyExchange func() (KeyExchange, error)
	NewCipher      func(secret []byte, role Role) (Cipher, error)
}

// Stats are per-endpoint traffic counters.
type Stats struct {
	FramesSent     uint64
	FramesReceived uint64
	BytesSent      uint64
	BytesReceived  uint64
	KeepAlivesSent uint64
}

// Inbound frames are classified purely by handshake state, never by
// inspecting the payload.
type inbound interface{ inbound() }

type handshakeMaterial []byte

type applicationFrame []byte

func (handshakeMaterial) inbound() {}
func (applicationFrame) inbound()  {}
