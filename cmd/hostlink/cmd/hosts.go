package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmcleod/hostlink/hosts"
	"github.com/jmcleod/hostlink/internal/util"
)

const passphraseEnv = "HOSTLINK_CLIENT_PASSPHRASE"

var (
	hostID            string
	hostRelayUser     string
	hostRelayBase     string
	hostSRPUser       string
	hostDisplayName   string
	hostSessionID     string
	hostSessionKeyHex string
)

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Manage the client's saved hosts",
	Long: `Manage the hosts this client can reconnect to. Records live in a SQLite file
under client.data_dir. When ` + passphraseEnv + ` is set, stored session keys
are sealed with a key derived from it.`,
}

var hostsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or update a saved host",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		resolver, closeStore, err := openResolver(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		rec := hosts.HostRecord{
			ID:            hostID,
			RelayUsername: hostRelayUser,
			RelayURL:      hostRelayBase,
			SRPUsername:   hostSRPUser,
			DisplayName:   hostDisplayName,
		}
		if rec.RelayURL == "" {
			rec.RelayURL = cfg.Host.RelayURL
		}
		if existing, ok := resolver.GetHostByID(hostID); ok && hostSessionID == "" {
			rec.Session = existing.Session
		}
		if hostSessionID != "" {
			key, err := util.HexDecode(hostSessionKeyHex)
			if err != nil {
				return fmt.Errorf("decoding --session-key: %w", err)
			}
			rec.Session = &hosts.SessionCredentials{SessionID: hostSessionID, Key: key}
		}

		saved, err := resolver.Upsert(ctx, rec)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%s)\n", saved.Label(), saved.ID)
		return nil
	},
}

var hostsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved hosts",
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver, closeStore, err := openResolver(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tRELAY USERNAME\tRELAY URL\tNAME\tSESSION")
		for _, h := range resolver.List() {
			session := "no"
			if h.HasSession() {
				session = "yes"
			} else if h.Session != nil {
				session = "locked"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", h.ID, h.RelayUsername, h.RelayURL, h.DisplayName, session)
		}
		return tw.Flush()
	},
}

var hostsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a saved host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		resolver, closeStore, err := openResolver(ctx)
		if err != nil {
			return err
		}
		defer closeStore()
		return resolver.Remove(ctx, args[0])
	},
}

var hostsLogoutCmd = &cobra.Command{
	Use:   "logout <id>",
	Short: "Forget the stored session for a saved host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		resolver, closeStore, err := openResolver(ctx)
		if err != nil {
			return err
		}
		defer closeStore()
		return resolver.SetSession(ctx, args[0], nil)
	},
}

// openResolver opens the client's host database and loads it.
func openResolver(ctx context.Context) (*hosts.Resolver, func(), error) {
	if err := os.MkdirAll(cfg.Client.DataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create client data directory: %w", err)
	}
	store, err := hosts.OpenSQLiteStore(filepath.Join(cfg.Client.DataDir, "hosts.db"), logger)
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() { _ = store.Close() }
	if err := store.Migrate(ctx); err != nil {
		closeStore()
		return nil, nil, err
	}
	if pass := os.Getenv(passphraseEnv); pass != "" {
		if err := store.EnableKeyring(ctx, pass, util.DefaultArgon2idParams()); err != nil {
			closeStore()
			return nil, nil, err
		}
	}
	resolver := hosts.NewResolver(store)
	if err := resolver.Load(ctx); err != nil {
		closeStore()
		return nil, nil, err
	}
	return resolver, closeStore, nil
}

func init() {
	rootCmd.AddCommand(hostsCmd)
	hostsCmd.AddCommand(hostsAddCmd, hostsListCmd, hostsRemoveCmd, hostsLogoutCmd)

	hostsAddCmd.Flags().StringVar(&hostID, "id", "", "Existing host id to update")
	hostsAddCmd.Flags().StringVarP(&hostRelayUser, "relay-username", "u", "", "Host's relay username")
	hostsAddCmd.Flags().StringVar(&hostRelayBase, "relay-url", "", "Relay base URL (defaults to host.relay_url)")
	hostsAddCmd.Flags().StringVar(&hostSRPUser, "srp-username", "", "Account name used for password login")
	hostsAddCmd.Flags().StringVar(&hostDisplayName, "name", "", "Display name")
	hostsAddCmd.Flags().StringVar(&hostSessionID, "session-id", "", "Resumable session id issued by the host")
	hostsAddCmd.Flags().StringVar(&hostSessionKeyHex, "session-key", "", "Hex-encoded session key issued with --session-id")
	_ = hostsAddCmd.MarkFlagRequired("relay-username")
	hostsAddCmd.MarkFlagsRequiredTogether("session-id", "session-key")
}
