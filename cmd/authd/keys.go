package main

import (
	"fmt"
	"os"
	"path/filepath"

	auth "github.com/goliatone/go-auth-tokens"
	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage RSA signing keys",
		// key generation needs no config or database
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	}

	var (
		out  string
		bits int
	)

	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate an RSA key pair as PEM files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := auth.GenerateRSAKeyPair(bits)
			if err != nil {
				return err
			}

			priv, err := auth.EncodePrivateKeyPEM(key)
			if err != nil {
				return err
			}
			pub, err := auth.EncodePublicKeyPEM(&key.PublicKey)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(out, 0o700); err != nil {
				return err
			}

			privPath := filepath.Join(out, "private.pem")
			pubPath := filepath.Join(out, "public.pem")
			if err := os.WriteFile(privPath, priv, 0o600); err != nil {
				return err
			}
			if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "private key: %s\npublic key:  %s\nkey id:      %s\n",
				privPath, pubPath, auth.KeyID(&key.PublicKey))
			return nil
		},
	}

	generate.Flags().StringVarP(&out, "out", "o", ".", "output directory")
	generate.Flags().IntVar(&bits, "bits", auth.DefaultRSAKeyBits, "key size in bits")

	keys.AddCommand(generate)
	return keys
}
