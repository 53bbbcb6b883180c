package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/hostlink/api"
)

var adminURL string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Issue and revoke sessions on a running host",
	Long: `Talk to the admin API of a running host. The token comes from
host.admin_token or the admin token file under host.data_dir.`,
}

var sessionsIssueCmd = &cobra.Command{
	Use:   "issue <username>",
	Short: "Issue a resumable session and print its id and key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		var resp api.IssueSessionResponse
		if err := c.do(cmd.Context(), http.MethodPost, "/sessions", api.IssueSessionRequest{Username: args[0]}, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "session_id: %s\nkey: %s\n", resp.SessionID, resp.Key)
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a live session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		var resp api.SessionResponse
		if err := c.do(cmd.Context(), http.MethodGet, "/sessions/"+url.PathEscape(args[0]), nil, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "username: %s\ncreated: %s\nlast used: %s\npending challenge: %t\n",
			resp.Username, resp.CreatedAt.Format(time.RFC3339), resp.LastUsed.Format(time.RFC3339), resp.PendingChallenge)
		return nil
	},
}

var sessionsRevokeCmd = &cobra.Command{
	Use:   "revoke <session-id>",
	Short: "Revoke one session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		return c.do(cmd.Context(), http.MethodDelete, "/sessions/"+url.PathEscape(args[0]), nil, nil)
	},
}

var sessionsCountCmd = &cobra.Command{
	Use:   "count <username>",
	Short: "Count a user's live sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		var resp api.SessionCountResponse
		if err := c.do(cmd.Context(), http.MethodGet, "/users/"+url.PathEscape(args[0])+"/sessions", nil, &resp); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Count)
		return nil
	},
}

var sessionsInvalidateCmd = &cobra.Command{
	Use:   "invalidate <username>",
	Short: "Revoke every session of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		var resp api.InvalidateResponse
		if err := c.do(cmd.Context(), http.MethodDelete, "/users/"+url.PathEscape(args[0])+"/sessions", nil, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d session(s) for %s\n", resp.Removed, resp.Username)
		return nil
	},
}

type adminClient struct {
	base  string
	token string
	http  *http.Client
}

func newAdminClient() (*adminClient, error) {
	token, err := cfg.Host.ResolveAdminToken()
	if err != nil {
		return nil, err
	}
	base := adminURL
	if base == "" {
		base = "http://" + cfg.Host.AdminListen
	}
	return &adminClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (c *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling host admin API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("host admin API: %s (%d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("host admin API: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.PersistentFlags().StringVar(&adminURL, "admin-url", "", "Admin API base URL (defaults to http://<host.admin_listen>)")
	sessionsCmd.AddCommand(sessionsIssueCmd, sessionsShowCmd, sessionsRevokeCmd, sessionsCountCmd, sessionsInvalidateCmd)
}
