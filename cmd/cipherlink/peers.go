package main

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cipherlink/internal/auth"
	"cipherlink/internal/peerstore"
)

var errMemoryPeerStore = errors.New(`peer store driver is "memory", so pins would be lost when the process exits; set peer_store.driver to postgres or etcd`)

// openPinStore opens the configured store for commands that manage pins.
func openPinStore(cmd *cobra.Command) (peerstore.Store, error) {
	if cfg.PeerStore.Driver == "" || cfg.PeerStore.Driver == peerstore.DriverMemory {
		return nil, errMemoryPeerStore
	}
	return peerstore.Open(cmd.Context(), cfg.PeerStore)
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Manage pinned peer identity keys",
}

var peersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pinned peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openPinStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		peers, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tALGORITHM\tPEER ID\tPINNED")
		for _, p := range peers {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, p.Algorithm, p.PeerID, p.PinnedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var peersPinCmd = &cobra.Command{
	Use:   "pin <name> <public-key-file>",
	Short: "Pin a peer's public key (PEM or DER)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		pub, err := auth.ParsePublicKey(data)
		if err != nil {
			return fmt.Errorf("invalid public key: %w", err)
		}
		der, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return err
		}
		id, err := auth.PeerID(pub)
		if err != nil {
			return err
		}
		alg, err := auth.Algorithm(pub)
		if err != nil {
			return err
		}

		store, err := openPinStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Pin(cmd.Context(), peerstore.Peer{Name: args[0], PeerID: id, Algorithm: alg, PublicKey: der}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pinned %s as %s\n", args[0], id)
		return nil
	},
}

var peersForgetCmd = &cobra.Command{
	Use:   "forget <name>",
	Short: "Remove a pinned peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openPinStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		return store.Forget(cmd.Context(), args[0])
	},
}

func init() {
	peersCmd.AddCommand(peersListCmd)
	peersCmd.AddCommand(peersPinCmd)
	peersCmd.AddCommand(peersForgetCmd)
	rootCmd.AddCommand(peersCmd)
}
