package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/franz/dive-atlas/internal/reconcile"
	"github.com/franz/dive-atlas/internal/util"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version is set at build time
	Version = "dev"

	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "atlas",
		Short: "Dive Atlas - offline dive point and creature catalog",
		Long: `atlas keeps a local copy of the dive point and creature catalog and a
per-user personal database of logs, reviews, proposals and bookmarks.

The catalog is a read-only SQLite snapshot installed from a bundled seed and
refreshed from a published blob. Personal writes always land locally first
and are mirrored to the remote document store when it is reachable.`,
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.SetColors(util.StderrIsTerminal())
			util.SetVerbose(viper.GetBool("verbose"))
			util.SetQuiet(viper.GetBool("quiet"))
		},
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./configs/atlas.yaml)")
	flags.String("data-dir", "atlas-data", "directory holding master.db, user databases and state.json")
	flags.String("artifacts", "artifacts", "directory for event logs")
	flags.String("seed", "", "bundled seed snapshot installed on first run")
	flags.String("blob-url", "", "URL of the published snapshot")
	flags.String("gcs-bucket", "", "GCS bucket holding the published snapshot (overrides --blob-url)")
	flags.String("gcs-object", "master.db.zst", "GCS object name of the published snapshot")
	flags.String("gcs-credentials", "", "service account credentials file for GCS")
	flags.String("docs-url", "", "base URL of the remote document store")
	flags.String("docs-token", "", "bearer token for the remote document store")
	flags.String("principal", "", "signed-in user id (default is the last login)")
	flags.Duration("proposal-ttl", reconcile.DefaultProposalTTL, "age after which pending proposals are pruned (0 keeps them)")
	flags.Bool("memory", false, "keep databases in memory (no files are written)")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	flags.BoolP("verbose", "v", false, "verbose output")
	flags.BoolP("quiet", "q", false, "quiet output (errors only)")

	// Bind flags to viper
	for _, name := range []string{
		"data-dir", "artifacts", "seed", "blob-url", "gcs-bucket", "gcs-object", "gcs-credentials",
		"docs-url", "docs-token", "principal", "proposal-ttl", "memory", "metrics-addr",
		"verbose", "quiet",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}

func initConfig() {
	// A missing .env is normal
	if err := godotenv.Load(); err == nil {
		util.DebugLog("Loaded environment from .env")
	}

	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in common locations
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
		viper.SetConfigName("atlas")
		viper.SetConfigType("yaml")
	}

	// ATLAS_DATA_DIR, ATLAS_DOCS_TOKEN, ...
	viper.SetEnvPrefix("ATLAS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil && !viper.GetBool("quiet") {
		util.InfoLog("Using config file: %s", viper.ConfigFileUsed())
	}
}

func main() {
	// Interrupting a download leaves the installed snapshot in place
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
