package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"cipherlink/internal/auth"
	"cipherlink/internal/peerstore"
	"cipherlink/internal/protocol"
)

var (
	connectAddressFlag string
	connectPortFlag    int
	connectNameFlag    string
	connectInsecure    bool
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Dial a listener, verify its identity and send stdin line by line",
	RunE: func(cmd *cobra.Command, args []string) error {
		address, port := cfg.Address, cfg.Port
		if connectAddressFlag != "" {
			address = connectAddressFlag
		}
		if cmd.Flags().Changed("port") {
			port = connectPortFlag
		}
		name := connectNameFlag
		if name == "" {
			name = address
		}

		memoryStore := cfg.PeerStore.Driver == "" || cfg.PeerStore.Driver == peerstore.DriverMemory
		if !connectInsecure && memoryStore && !cfg.PinOnFirstUse {
			return errors.New(`the "memory" peer store starts empty, so no key could be verified; ` +
				"configure a postgres or etcd peer_store, set pin_on_first_use, or pass --insecure")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := peerstore.Open(ctx, cfg.PeerStore)
		if err != nil {
			return err
		}
		defer store.Close()
		verifier := auth.NewVerifier(store, auth.PinOnFirstUse(cfg.PinOnFirstUse))

		out := cmd.OutOrStdout()
		printReply := func(_ *protocol.Endpoint, payload []byte) ([]byte, bool) {
			fmt.Fprintf(out, "%s\n", payload)
			return nil, true
		}

		ep, err := protocol.Connect(ctx, address, port, verifier.Wrap(printReply), nil, cfg.BufferSize, cfg.ProtocolOptions()...)
		if err != nil {
			return err
		}
		defer func() { <-ep.Disconnect() }()

		select {
		case <-ep.Established():
		case <-ep.Done():
			return fmt.Errorf("handshake failed: %w", ep.Err())
		case <-ctx.Done():
			return ctx.Err()
		}

		if !connectInsecure {
			if err := verifier.VerifyErr(ctx, ep, name); err != nil {
				return err
			}
			log.Info().Str("peer", name).Msg("identity verified")
		}

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(cmd.InOrStdin())
			for sc.Scan() {
				lines <- sc.Text()
			}
		}()

		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if err := ep.Send([]byte(line)); err != nil {
					return err
				}
			case <-ep.Done():
				if err := ep.Err(); err != nil {
					return fmt.Errorf("connection lost: %w", err)
				}
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	},
}

func init() {
	connectCmd.Flags().StringVar(&connectAddressFlag, "address", "", "listener address (default from config)")
	connectCmd.Flags().IntVar(&connectPortFlag, "port", 0, "listener port (default from config)")
	connectCmd.Flags().StringVar(&connectNameFlag, "name", "", "name the peer's key is pinned under (default: address)")
	connectCmd.Flags().BoolVar(&connectInsecure, "insecure", false, "skip identity verification")
	rootCmd.AddCommand(connectCmd)
}
