package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/hostlink/api"
	"github.com/jmcleod/hostlink/config"
	"github.com/jmcleod/hostlink/host"
	"github.com/jmcleod/hostlink/internal/metrics"
	"github.com/jmcleod/hostlink/internal/util"
	"github.com/jmcleod/hostlink/session"
)

var (
	hostRelayURL string
	hostUsername string
	hostDataDir  string
	hostStorage  string
	adminListen  string
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Run the host agent and its admin API",
	Long: `Register with the relay under the host's relay username and answer resume
challenges and proofs from paired clients. The admin API on --admin-listen
issues and revokes sessions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyHostFlags(cmd)
		if err := cfg.RequireHost(); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		wrappingKey, err := config.LoadOrCreateKeyFile(cfg.Host.WrappingKeyFile)
		if err != nil {
			return fmt.Errorf("loading wrapping key: %w", err)
		}
		defer util.WipeBytes(wrappingKey)
		token, err := cfg.Host.ResolveAdminToken()
		if err != nil {
			return fmt.Errorf("loading admin token: %w", err)
		}

		repo, closeRepo, err := openRepository(ctx, cfg.Host)
		if err != nil {
			return err
		}
		defer closeRepo()

		m := metrics.New()
		store, err := session.New(repo, wrappingKey,
			session.WithConfig(cfg.Session),
			session.WithLogger(logger),
			session.WithMetrics(m),
		)
		if err != nil {
			return err
		}
		if err := store.Initialize(ctx); err != nil {
			return fmt.Errorf("loading sessions: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := store.Shutdown(shutdownCtx); err != nil {
				logger.Error("session store shutdown", "err", err)
			}
		}()

		admin := api.New(store,
			api.WithLogger(logger),
			api.WithMetrics(m),
			api.WithToken(token),
		)
		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Mount("/", admin.Router())

		agent := host.New(store, cfg.Host.RelayURL, cfg.Host.RelayUsername,
			host.WithLogger(logger),
		)

		printBanner(cmd.ErrOrStderr(), "Host "+cfg.Host.RelayUsername)
		logger.Info("host starting",
			"relay", cfg.Host.RelayURL,
			"relay_username", cfg.Host.RelayUsername,
			"storage", cfg.Host.Storage,
			"admin", cfg.Host.AdminListen,
		)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return serveUntilDone(gctx, newHTTPServer(cfg.Host.AdminListen, r))
		})
		g.Go(func() error {
			if err := agent.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		err = g.Wait()
		logger.Info("host stopped")
		return err
	},
}

func applyHostFlags(cmd *cobra.Command) {
	if cmd.Flags().Changed("relay-url") {
		cfg.Host.RelayURL = hostRelayURL
	}
	if cmd.Flags().Changed("relay-username") {
		cfg.Host.RelayUsername = hostUsername
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.Host.DataDir = hostDataDir
	}
	if cmd.Flags().Changed("storage") {
		cfg.Host.Storage = hostStorage
	}
	if cmd.Flags().Changed("admin-listen") {
		cfg.Host.AdminListen = adminListen
	}
}

func init() {
	rootCmd.AddCommand(hostCmd)
	hostCmd.Flags().StringVar(&hostRelayURL, "relay-url", "", "Relay base URL, e.g. wss://relay.example.com")
	hostCmd.Flags().StringVarP(&hostUsername, "relay-username", "u", "", "Relay username to register")
	hostCmd.Flags().StringVar(&hostDataDir, "data-dir", "", "Directory for persistent data")
	hostCmd.Flags().StringVar(&hostStorage, "storage", "", "Session backend: bbolt, postgres or memory")
	hostCmd.Flags().StringVar(&adminListen, "admin-listen", "", "Admin API listen address")
}
