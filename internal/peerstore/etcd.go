package peerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const defaultEtcdPrefix = "/cipherlink/v1"

// Etcd stores pins as JSON values under <prefix>/peers/<name>, so several
// processes can share one set of known keys.
type Etcd struct {
	client *clientv3.Client
	prefix string
}

// NewEtcd dials the cluster at endpoints. The caller must call Close.
func NewEtcd(endpoints []string, prefix string) (*Etcd, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("peerstore: etcd: no endpoints")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("peerstore: etcd dial: %w", err)
	}
	return newEtcdWithClient(client, prefix), nil
}

func newEtcdWithClient(client *clientv3.Client, prefix string) *Etcd {
	if prefix == "" {
		prefix = defaultEtcdPrefix
	}
	return &Etcd{client: client, prefix: strings.TrimSuffix(prefix, "/")}
}

func (s *Etcd) peersPrefix() string { return s.prefix + "/peers/" }

func (s *Etcd) key(name string) string { return s.peersPrefix() + name }

func (s *Etcd) Lookup(ctx context.Context, name string) (Peer, error) {
	k := s.key(name)
	resp, err := s.client.Get(ctx, k)
	if err != nil {
		return Peer{}, fmt.Errorf("peerstore: etcd get %q: %w", k, err)
	}
	if len(resp.Kvs) == 0 {
		return Peer{}, ErrNotFound
	}
	var p Peer
	if err := json.Unmarshal(resp.Kvs[0].Value, &p); err != nil {
		return Peer{}, fmt.Errorf("peerstore: unmarshal %q: %w", k, err)
	}
	return p, nil
}

// Pin writes p only if no pin exists for its name.
func (s *Etcd) Pin(ctx context.Context, p Peer) error {
	if err := validate(p); err != nil {
		return err
	}
	if p.PinnedAt.IsZero() {
		p.PinnedAt = time.Now().UTC()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("peerstore: marshal: %w", err)
	}
	k := s.key(p.Name)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(k), "=", 0)).
		Then(clientv3.OpPut(k, string(data))).
		Commit()
	if err != nil {
		return fmt.Errorf("peerstore: etcd txn %q: %w", k, err)
	}
	if !resp.Succeeded {
		return ErrAlreadyPinned
	}
	return nil
}

func (s *Etcd) Forget(ctx context.Context, name string) error {
	k := s.key(name)
	resp, err := s.client.Delete(ctx, k)
	if err != nil {
		return fmt.Errorf("peerstore: etcd delete %q: %w", k, err)
	}
	if resp.Deleted == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Etcd) List(ctx context.Context) ([]Peer, error) {
	pfx := s.peersPrefix()
	resp, err := s.client.Get(ctx, pfx, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("peerstore: etcd list %q: %w", pfx, err)
	}
	out := make([]Peer, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var p Peer
		if err := json.Unmarshal(kv.Value, &p); err != nil {
			return nil, fmt.Errorf("peerstore: unmarshal %q: %w", string(kv.Key), err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Etcd) Close() error {
	return s.client.Close()
}
