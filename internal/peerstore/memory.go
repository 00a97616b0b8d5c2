package peerstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store. Pins do not survive a restart.
type Memory struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

func NewMemory() *Memory {
	return &Memory{peers: make(map[string]Peer)}
}

func (m *Memory) Lookup(_ context.Context, name string) (Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[name]
	if !ok {
		return Peer{}, ErrNotFound
	}
	p.PublicKey = append([]byte(nil), p.PublicKey...)
	return p, nil
}

func (m *Memory) Pin(_ context.Context, p Peer) error {
	if err := validate(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[p.Name]; ok {
		return ErrAlreadyPinned
	}
	if p.PinnedAt.IsZero() {
		p.PinnedAt = time.Now().UTC()
	}
	p.PublicKey = append([]byte(nil), p.PublicKey...)
	m.peers[p.Name] = p
	return nil
}

func (m *Memory) Forget(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.peers[name]; !ok {
		return ErrNotFound
	}
	delete(m.peers, name)
	return nil
}

func (m *Memory) List(_ context.Context) ([]Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) Close() error { return nil }
