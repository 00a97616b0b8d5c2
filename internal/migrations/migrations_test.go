package migrations

import (
	"database/sql"
	"os"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

func TestEmbeddedMigrationsParse(t *testing.T) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("iofs.New: %v", err)
	}
	defer src.Close()

	first, err := src.First()
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	if first != 1 {
		t.Fatalf("first version: got %d", first)
	}
	up, ident, err := src.ReadUp(first)
	if err != nil {
		t.Fatalf("ReadUp: %v", err)
	}
	up.Close()
	if ident != "pinned_peers" {
		t.Fatalf("identifier: got %q", ident)
	}
	down, _, err := src.ReadDown(first)
	if err != nil {
		t.Fatalf("ReadDown: %v", err)
	}
	down.Close()
}

func TestRunAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("CIPHERLINK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CIPHERLINK_TEST_POSTGRES_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := Run(db); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Idempotent.
	if err := Run(db); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	v, dirty, err := Version(db)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != 1 || dirty {
		t.Fatalf("version %d dirty=%v", v, dirty)
	}
	if _, err := db.Exec(`SELECT name FROM pinned_peers LIMIT 1`); err != nil {
		t.Fatalf("table missing: %v", err)
	}
	// Each call releases its own resources but leaves db to the caller.
	for i := 0; i < 20; i++ {
		if _, _, err := Version(db); err != nil {
			t.Fatalf("Version %d: %v", i, err)
		}
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("db closed by migrations: %v", err)
	}
}
