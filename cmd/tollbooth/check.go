package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alecgard/tollbooth/internal/config"
	"github.com/alecgard/tollbooth/internal/crypto"
	"github.com/alecgard/tollbooth/internal/registry"
	"github.com/alecgard/tollbooth/internal/retention"
	"github.com/alecgard/tollbooth/internal/sandbox"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config file and the tool catalog without serving",
	RunE:  runCheckConfig,
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Retention.Schedule != "" {
		if err := retention.ValidateSchedule(cfg.Retention.Schedule); err != nil {
			return err
		}
	}

	n := 0
	if cfg.Catalog.Path != "" {
		cipher, err := crypto.NewCipher(cfg.Catalog.EncryptionKey)
		if err != nil {
			return fmt.Errorf("loading encryption key: %w", err)
		}
		catalog, err := registry.Load(cfg.Catalog.Path)
		if err != nil {
			return err
		}
		// A throwaway sandbox also compiles every input schema.
		if err := registry.NewBuilder(cipher).Apply(catalog, sandbox.New(sandbox.Options{})); err != nil {
			return fmt.Errorf("invalid catalog: %w", err)
		}
		n = len(catalog.Tools)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d callers, %d tools\n", len(cfg.Callers), n)
	return nil
}
