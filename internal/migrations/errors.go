package migrations

import "errors"

var (
	// ErrDriverCreation is returned when the postgres driver cannot be created.
	ErrDriverCreation = errors.New("failed to create postgres driver")

	// ErrSourceCreation is returned when the embedded migration source cannot be opened.
	ErrSourceCreation = errors.New("failed to create source driver")

	ErrMigrateInstance = errors.New("failed to create migrate instance")

	// ErrMigrationFailed is returned when applying or reverting the peer store schema fails.
	ErrMigrationFailed = errors.New("failed to run migrations")
)
