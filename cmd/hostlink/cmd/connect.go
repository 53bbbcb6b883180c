package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmcleod/hostlink/client"
)

var connectStay bool

var connectCmd = &cobra.Command{
	Use:   "connect <relay-username>",
	Short: "Resume the stored session with a saved host",
	Long: `Look up the saved host for <relay-username> and resume its session through
the relay. Prints each lifecycle state and exits non-zero unless connected.
With --stay the link is held open until interrupted or lost.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		resolver, closeStore, err := openResolver(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		m := client.New(resolver, client.NewRelayResumer(logger),
			client.WithLogger(logger),
			client.WithResumeTimeout(cfg.Client.ResumeTimeout),
		)
		defer m.Close()

		snaps, cancel := m.Subscribe()
		defer cancel()
		if err := m.Connect(args[0]); err != nil {
			return err
		}
		return followConnect(ctx, cmd, m, snaps)
	},
}

func followConnect(ctx context.Context, cmd *cobra.Command, m *client.Machine, snaps <-chan client.Snapshot) error {
	out := cmd.OutOrStdout()
	connected := false
	for {
		select {
		case <-ctx.Done():
			if connected {
				_ = m.Disconnect(true)
				fmt.Fprintln(out, "disconnected")
				return nil
			}
			return ctx.Err()
		case snap, ok := <-snaps:
			if !ok {
				return client.ErrClosed
			}
			fmt.Fprintf(out, "%s\n", snap.State)
			switch snap.State {
			case client.StateConnected:
				connected = true
				if !connectStay {
					return m.Disconnect(true)
				}
			case client.StateNoHost:
				return fmt.Errorf("no saved host for %q; add one with 'hostlink hosts add'", snap.Target)
			case client.StateNoSession:
				return errors.New("no stored session for this host; sign in with its password first")
			case client.StateError:
				if snap.Err != nil {
					return snap.Err
				}
				return errors.New("connection failed")
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(connectCmd)
	connectCmd.Flags().BoolVar(&connectStay, "stay", false, "Hold the link open until interrupted")
}
