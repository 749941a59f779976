package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alecgard/tollbooth/internal/auth"
	"github.com/alecgard/tollbooth/internal/config"
	"github.com/alecgard/tollbooth/internal/crypto"
)

var genKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Generate a catalog encryption key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var encryptSecretCmd = &cobra.Command{
	Use:   "encrypt-secret <value>",
	Short: "Seal a catalog secret with the configured encryption key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cipher, err := crypto.NewCipher(cfg.Catalog.EncryptionKey)
		if err != nil {
			return err
		}
		sealed, err := cipher.Seal(args[0])
		if err != nil {
			if errors.Is(err, crypto.ErrNoKey) {
				return errors.New("catalog.encryption_key (or TOLLBOOTH_ENCRYPTION_KEY) is not set")
			}
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

var genAPIKeyCmd = &cobra.Command{
	Use:   "gen-api-key",
	Short: "Generate a caller API key and the hash to put in the config",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, plaintext, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "api key:  %s\n", plaintext)
		fmt.Fprintf(out, "key_hash: %s\n", key.Hash)
		fmt.Fprintln(os.Stderr, "The api key is shown once; store it now.")
		return nil
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "Print a bcrypt hash for admin.password_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashPassword(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(genKeyCmd, encryptSecretCmd, genAPIKeyCmd, hashPasswordCmd)
}
