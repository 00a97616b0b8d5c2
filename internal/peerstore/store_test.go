package peerstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func exerciseStore(t *testing.T, s Store, name string) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Lookup(ctx, name); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup before pin: got %v", err)
	}

	p := Peer{Name: name, PeerID: "abc", Algorithm: "ed25519", PublicKey: []byte{1, 2, 3}}
	if err := s.Pin(ctx, p); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	got, err := s.Lookup(ctx, name)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.PeerID != "abc" || got.Algorithm != "ed25519" || !bytes.Equal(got.PublicKey, p.PublicKey) {
		t.Fatalf("lookup mismatch: %+v", got)
	}
	if got.PinnedAt.IsZero() {
		t.Fatalf("pinned_at not set")
	}

	other := p
	other.PublicKey = []byte{9}
	if err := s.Pin(ctx, other); !errors.Is(err, ErrAlreadyPinned) {
		t.Fatalf("re-pin: got %v", err)
	}
	got, _ = s.Lookup(ctx, name)
	if !bytes.Equal(got.PublicKey, p.PublicKey) {
		t.Fatalf("pin was replaced")
	}

	peers, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var found bool
	for _, q := range peers {
		if q.Name == name {
			found = true
		}
	}
	if !found {
		t.Fatalf("List missing %q", name)
	}

	if err := s.Forget(ctx, name); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if err := s.Forget(ctx, name); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Forget: got %v", err)
	}
	if err := s.Pin(ctx, Peer{Name: name}); err == nil {
		t.Fatalf("pin without key accepted")
	}
}

func uniqueName(t *testing.T) string {
	return fmt.Sprintf("%s-%d", strings.ToLower(t.Name()), time.Now().UnixNano())
}

func TestMemoryStore(t *testing.T) {
	s := NewMemory()
	defer s.Close()
	exerciseStore(t, s, "server.example")
}

func TestMemoryLookupReturnsCopy(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	if err := s.Pin(ctx, Peer{Name: "a", PublicKey: []byte{1}}); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	p, _ := s.Lookup(ctx, "a")
	p.PublicKey[0] = 99
	q, _ := s.Lookup(ctx, "a")
	if q.PublicKey[0] != 1 {
		t.Fatalf("stored key mutated through lookup")
	}
}

func TestOpenDrivers(t *testing.T) {
	s, err := Open(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Open default: %v", err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Fatalf("default driver: got %T", s)
	}
	if _, err := Open(context.Background(), Config{Driver: "sqlite"}); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("unknown driver: got %v", err)
	}
	if _, err := Open(context.Background(), Config{Driver: DriverEtcd}); err == nil {
		t.Fatalf("etcd without endpoints accepted")
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("CIPHERLINK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CIPHERLINK_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := NewPostgres(ctx, dsn, true)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s, uniqueName(t))
}

func TestEtcdStore(t *testing.T) {
	endpoints := os.Getenv("CIPHERLINK_TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("CIPHERLINK_TEST_ETCD_ENDPOINTS not set")
	}
	s, err := NewEtcd(strings.Split(endpoints, ","), "/cipherlink-test")
	if err != nil {
		t.Fatalf("NewEtcd: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s, uniqueName(t))
}
