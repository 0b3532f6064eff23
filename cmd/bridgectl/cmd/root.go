package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	bridge "github.com/pilab-dev/shadow-bridge"
	"github.com/pilab-dev/shadow-bridge/config"
	"github.com/pilab-dev/shadow-bridge/internal/audit"
	"github.com/pilab-dev/shadow-bridge/kv"
	"github.com/pilab-dev/shadow-bridge/kv/backend"
	"github.com/pilab-dev/shadow-bridge/log"
)

const appName = "bridgectl"

var (
	appLogger log.Logger
	verbose   bool

	// Opened by PersistentPreRunE, closed by PersistentPostRunE.
	store      kv.Store
	keyStore   *bridge.SigningKeyStore
	auditStore *audit.Store
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "bridgectl manages the signing key and audit log of a shadow-bridge deployment",
	Long: `A command-line tool working directly on the bridge's key-value store.
It reads the same configuration as the server (config.yaml or environment).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := zerolog.WarnLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		appLogger = log.NewZerologAdapterTo(cmd.ErrOrStderr(), level, true)
		log.SetGlobal(appLogger)

		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if cfg.KVBackend == config.BackendMemory {
			appLogger.Warn(cmd.Context(), "KV_BACKEND is memory, changes are lost when bridgectl exits")
		}

		store, err = backend.Open(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		keyStore = bridge.NewSigningKeyStore(store)
		auditStore = audit.NewStore(store,
			audit.WithTTL(cfg.AuditTTL),
			audit.WithIndexSize(cfg.AuditIndexSize),
			audit.WithOutput(zerolog.Nop()),
		)

		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeStore()
	},
}

func closeStore() error {
	if store == nil {
		return nil
	}
	err := store.Close()
	store = nil

	return err
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		_ = closeStore()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}
