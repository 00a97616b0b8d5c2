package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"cipherlink/internal/auth"
	"cipherlink/internal/protocol"
)

var listenPortFlag int

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Accept connections and echo every message back",
	RunE: func(cmd *cobra.Command, args []string) error {
		port := cfg.ListenPort
		if cmd.Flags().Changed("port") {
			port = listenPortFlag
		}

		id, err := auth.LoadOrCreateIdentity(cfg.IdentityKeyPath)
		if err != nil {
			return err
		}
		responder, err := auth.NewResponder(id.Signer)
		if err != nil {
			return err
		}
		log.Info().Str("peer_id", id.PeerID).Str("algorithm", id.Algorithm).Msg("identity loaded")

		echo := func(ep *protocol.Endpoint, payload []byte) ([]byte, bool) {
			log.Info().Str("remote", ep.RemoteAddr().String()).Int("len", len(payload)).Msg("message")
			return payload, true
		}
		onState := func(ep *protocol.Endpoint, connected bool) {
			ev := log.Info().Str("remote", ep.RemoteAddr().String()).Bool("connected", connected)
			if err := ep.Err(); err != nil {
				ev = ev.Err(err)
			}
			if !connected {
				st := ep.Stats()
				ev = ev.Uint64("frames_in", st.FramesReceived).Uint64("frames_out", st.FramesSent)
			}
			ev.Msg("peer")
		}

		l, err := protocol.Listen(port, responder.Wrap(echo), onState, cfg.BufferSize, cfg.ProtocolOptions()...)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		log.Info().Int("peers", l.Len()).Msg("shutting down")
		<-l.Close()
		return nil
	},
}

func init() {
	listenCmd.Flags().IntVar(&listenPortFlag, "port", 0, "port to listen on (default from config)")
	rootCmd.AddCommand(listenCmd)
}
