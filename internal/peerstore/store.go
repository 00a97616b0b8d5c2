// Package peerstore keeps the known-good long-term public keys of peers,
// indexed by the name the application dials them by.
package peerstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no key is pinned for a peer name.
	ErrNotFound = errors.New("peer not pinned")

	// ErrAlreadyPinned is returned by Pin when the name already has a key.
	// Pins are never silently replaced; Forget the peer first.
	ErrAlreadyPinned = errors.New("peer already pinned")

	ErrUnknownDriver = errors.New("unknown peer store driver")
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverEtcd     = "etcd"
)

// Peer is a pinned long-term public key.
type Peer struct {
	Name      string    `json:"name"`
	PeerID    string    `json:"peer_id"`
	Algorithm string    `json:"algorithm"`
	PublicKey []byte    `json:"public_key"` // SPKI DER
	PinnedAt  time.Time `json:"pinned_at"`
}

// Store persists pinned peers. Implementations are safe for concurrent use.
type Store interface {
	Lookup(ctx context.Context, name string) (Peer, error)
	Pin(ctx context.Context, p Peer) error
	Forget(ctx context.Context, name string) error
	List(ctx context.Context) ([]Peer, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver      string   `yaml:"driver"`
	DSN         string   `yaml:"dsn"`
	Endpoints   []string `yaml:"endpoints"`
	Prefix      string   `yaml:"prefix"`
	AutoMigrate bool     `yaml:"auto_migrate"`
}

// Open returns the backend named by cfg.Driver. An empty driver selects the
// in-memory store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverPostgres:
		return NewPostgres(ctx, cfg.DSN, cfg.AutoMigrate)
	case DriverEtcd:
		return NewEtcd(cfg.Endpoints, cfg.Prefix)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

func validate(p Peer) error {
	if p.Name == "" {
		return errors.New("peer name is empty")
	}
	if len(p.PublicKey) == 0 {
		return errors.New("peer public key is empty")
	}
	return nil
}
