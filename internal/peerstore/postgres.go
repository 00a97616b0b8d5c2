package peerstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"cipherlink/internal/migrations"
)

// undefined_table
const pqUndefinedTable = "42P01"

// Postgres stores pins in the pinned_peers table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool on dsn. With migrate set the schema
// is brought up to date first; otherwise run `cipherlink migrate`.
func NewPostgres(ctx context.Context, dsn string, migrate bool) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("peerstore: postgres open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("peerstore: postgres ping: %w", err)
	}
	if migrate {
		if err := migrations.Run(db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &Postgres{db: db}, nil
}

// NewPostgresWithDB wraps an existing pool.
func NewPostgresWithDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) Lookup(ctx context.Context, name string) (Peer, error) {
	var p Peer
	err := s.db.QueryRowContext(ctx,
		`SELECT name, peer_id, algorithm, public_key, pinned_at
		 FROM pinned_peers WHERE name = $1`,
		name,
	).Scan(&p.Name, &p.PeerID, &p.Algorithm, &p.PublicKey, &p.PinnedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Peer{}, ErrNotFound
	}
	if err != nil {
		return Peer{}, pgError("lookup", err)
	}
	return p, nil
}

func (s *Postgres) Pin(ctx context.Context, p Peer) error {
	if err := validate(p); err != nil {
		return err
	}
	if p.PinnedAt.IsZero() {
		p.PinnedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pinned_peers (name, peer_id, algorithm, public_key, pinned_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name) DO NOTHING`,
		p.Name, p.PeerID, p.Algorithm, p.PublicKey, p.PinnedAt,
	)
	if err != nil {
		return pgError("pin", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyPinned
	}
	return nil
}

func (s *Postgres) Forget(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pinned_peers WHERE name = $1`, name)
	if err != nil {
		return pgError("forget", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) List(ctx context.Context) ([]Peer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, peer_id, algorithm, public_key, pinned_at
		 FROM pinned_peers ORDER BY name`,
	)
	if err != nil {
		return nil, pgError("list", err)
	}
	defer rows.Close()

	var out []Peer
	for rows.Next() {
		var p Peer
		if err := rows.Scan(&p.Name, &p.PeerID, &p.Algorithm, &p.PublicKey, &p.PinnedAt); err != nil {
			return nil, pgError("scan", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError("list", err)
	}
	return out, nil
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

func pgError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUndefinedTable {
		return fmt.Errorf("peerstore: postgres %s: schema missing, run migrations: %w", op, err)
	}
	return fmt.Errorf("peerstore: postgres %s: %w", op, err)
}
