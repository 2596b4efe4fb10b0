package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/spinachchain/spinachchain/pkg/config"
	"github.com/spinachchain/spinachchain/pkg/server"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "spinachchain",
	Short: "Spinach batch traceability and integrity server",
	Long: `spinachchain tracks spinach batches from harvest to retail.

It records custody transfers through the batch lifecycle, ingests sensor
readings, seals them under a Merkle root published to content-addressed
storage, and serves inclusion proofs and crop health analysis.

Configuration is read from spinachchain.yaml, SPINACHCHAIN_* environment
variables and the flags below, in increasing order of precedence.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "Path to config file (default: ./spinachchain.yaml or /etc/spinachchain/spinachchain.yaml)")
	pf.String("db-type", "", "Database type: postgres, mysql or sqlite")
	pf.String("db-dsn", "", "Database connection string")
	pf.String("log-format", "", "Log format: text or json")
	pf.String("log-level", "", "Log level: debug, info, warn or error")
	pf.AddGoFlagSet(flag.CommandLine)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(adminCmd)
	rootCmd.AddCommand(healthcheckCmd)
	rootCmd.AddCommand(versionCmd)
}

// bootstrap loads configuration, sets the default logger and connects to
// the database. Failures are fatal.
func bootstrap(cmd *cobra.Command) (*config.Config, *slog.Logger, *gorm.DB) {
	// Initialize glog for backwards compatibility
	_ = flag.Set("logtostderr", "true")

	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}
	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	db, err := server.OpenDatabase(cfg.Database, logger)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}
	return cfg, logger, db
}

func newServer(ctx context.Context, cmd *cobra.Command) (*server.Server, *config.Config, *slog.Logger) {
	cfg, logger, db := bootstrap(cmd)
	srv, err := server.New(ctx, cfg, db, logger)
	if err != nil {
		glog.Fatalf("Failed to initialize server: %v", err)
	}
	return srv, cfg, logger
}
