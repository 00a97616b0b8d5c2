package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cipherlink/internal/auth"
)

var (
	keygenOutFlag       string
	keygenAlgorithmFlag string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a long-term identity keypair",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := keygenOutFlag
		if path == "" {
			path = cfg.IdentityKeyPath
		}
		privPath, pubPath, err := auth.IdentityKeyPaths(path)
		if err != nil {
			return err
		}
		id, err := auth.GenerateIdentity(privPath, pubPath, keygenAlgorithmFlag)
		if err != nil {
			return fmt.Errorf("keygen: %w", err)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "private key: %s\n", privPath)
		fmt.Fprintf(w, "public key:  %s\n", pubPath)
		fmt.Fprintf(w, "algorithm:   %s\n", id.Algorithm)
		fmt.Fprintf(w, "peer id:     %s\n", id.PeerID)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenOutFlag, "out", "", "private key path or directory (default from config or $"+auth.IdentityKeyEnvPath+")")
	keygenCmd.Flags().StringVar(&keygenAlgorithmFlag, "algorithm", auth.AlgorithmRSAPSS, auth.AlgorithmRSAPSS+"|"+auth.AlgorithmEd25519)
	rootCmd.AddCommand(keygenCmd)
}
