package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmcleod/hostlink/internal/metrics"
	"github.com/jmcleod/hostlink/relay"
)

var relayListen string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the rendezvous relay",
	Long: `Run the relay that hosts register with and clients connect through.
Frames between a paired client and host are forwarded without inspection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("listen") {
			cfg.Relay.Listen = relayListen
		}
		srv := relay.NewServer(relay.Options{
			Logger:         logger,
			Metrics:        metrics.New(),
			AllowedOrigins: cfg.Relay.AllowedOrigins,
			HeartbeatEvery: cfg.Relay.HeartbeatInterval,
			SendQueueSize:  cfg.Relay.SendQueue,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		printBanner(cmd.ErrOrStderr(), "Relay")
		logger.Info("relay listening", "addr", cfg.Relay.Listen)
		err := serveUntilDone(ctx, newHTTPServer(cfg.Relay.Listen, srv.Router()))
		logger.Info("relay stopped")
		return err
	},
}

func init() {
	rootCmd.AddCommand(relayCmd)
	relayCmd.Flags().StringVarP(&relayListen, "listen", "l", ":8080", "Address to listen on")
}
