package main

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"cipherlink/internal/migrations"
)

var (
	migrateDSNFlag  string
	migrateDownFlag bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the PostgreSQL peer store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn := migrateDSNFlag
		if dsn == "" {
			dsn = cfg.PeerStore.DSN
		}
		if dsn == "" {
			return errors.New("no DSN: set peer_store.dsn or pass --dsn")
		}

		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return fmt.Errorf("postgres open: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(cmd.Context()); err != nil {
			return fmt.Errorf("postgres ping: %w", err)
		}

		if migrateDownFlag {
			if err := migrations.Down(db); err != nil {
				return err
			}
		} else if err := migrations.Run(db); err != nil {
			return err
		}

		v, dirty, err := migrations.Version(db)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%v)\n", v, dirty)
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDSNFlag, "dsn", "", "PostgreSQL DSN (default peer_store.dsn)")
	migrateCmd.Flags().BoolVar(&migrateDownFlag, "down", false, "revert all migrations")
	rootCmd.AddCommand(migrateCmd)
}
