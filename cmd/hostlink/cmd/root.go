package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/hostlink/config"
	"github.com/jmcleod/hostlink/internal/logging"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var (
	configPath string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "hostlink",
	Short: "hostlink pairs clients with hosts through a relay and resumes sessions",
	Long: `hostlink lets a client reconnect to a host it has already authenticated with,
proving possession of a session key instead of repeating the password handshake.
Hosts and clients that cannot reach each other rendezvous through a relay by
the host's relay username.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			loaded.Log.Level = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			loaded.Log.Format = logFormat
		}
		cfg = loaded
		logger = logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
		return nil
	},
}

// Execute runs the root command. Commands that serve stop on SIGINT or
// SIGTERM and return once shutdown completes.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("HOSTLINK_CONFIG"), "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format: json or text")
}
