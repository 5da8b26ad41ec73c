// Command forge is the operator-facing CLI for runner-key management and
// the CLI-side device-code auth kickoff. It wraps the Control Plane's REST
// surface (see internal/controlplane's /api/runner-keys and
// /api/auth/cli/start routes) the way kiosk404-echoryn's cmd/ package wraps
// its own server's admin API: a cobra root command, one subcommand per
// verb, Execute() translating errors into exit codes.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Exit codes, per spec.md §6: 0 success, 1 general failure, 2
// misconfiguration.
const (
	exitOK             = 0
	exitGeneralFailure = 1
	exitMisconfigured  = 2
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// misconfigError marks an error that should exit 2 instead of the default 1.
type misconfigError struct{ err error }

func (e misconfigError) Error() string { return e.err.Error() }

func exitCodeFor(err error) int {
	if _, ok := err.(misconfigError); ok {
		return exitMisconfigured
	}
	return exitGeneralFailure
}

func newRootCmd() *cobra.Command {
	var controlplaneURL string

	root := &cobra.Command{
		Use:           "forge",
		Short:         "forge manages runner keys and CLI auth for a Forge control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&controlplaneURL, "controlplane", os.Getenv("CONTROLPLANE_BASE_URL"), "Control plane base URL (e.g. https://forge.example.com)")

	client := func() (*apiClient, error) {
		if strings.TrimSpace(controlplaneURL) == "" {
			return nil, misconfigError{fmt.Errorf("missing --controlplane (or CONTROLPLANE_BASE_URL)")}
		}
		return &apiClient{baseURL: strings.TrimRight(controlplaneURL, "/"), http: &http.Client{Timeout: 15 * time.Second}}, nil
	}

	root.AddCommand(newRunnerKeyCmd(client))
	root.AddCommand(newAuthCmd(client))
	return root
}

func newRunnerKeyCmd(client func() (*apiClient, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runner-key",
		Short: "Create, list, and revoke runner keys",
	}

	var userID string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new runner key for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return misconfigError{fmt.Errorf("--user-id is required")}
			}
			c, err := client()
			if err != nil {
				return err
			}
			var out struct {
				RunnerKeyID string `json:"runner_key_id"`
				Secret      string `json:"secret"`
			}
			if err := c.postJSON("/api/runner-keys", map[string]string{"user_id": userID}, &out); err != nil {
				return err
			}
			fmt.Printf("runner_key_id: %s\nsecret:        %s\n", out.RunnerKeyID, out.Secret)
			fmt.Println("Store the secret now; it will not be shown again.")
			return nil
		},
	}
	createCmd.Flags().StringVar(&userID, "user-id", "", "Owning user id")
	cmd.AddCommand(createCmd)

	var listUserID string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runner keys for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var out struct {
				RunnerKeys []struct {
					ID              string `json:"id"`
					UserID          string `json:"user_id"`
					CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
					RevokedAtMs     int64  `json:"revoked_at_unix_ms,omitempty"`
				} `json:"runner_keys"`
			}
			if err := c.getJSON(fmt.Sprintf("/api/runner-keys?user_id=%s", listUserID), &out); err != nil {
				return err
			}
			for _, k := range out.RunnerKeys {
				status := "active"
				if k.RevokedAtMs > 0 {
					status = "revoked"
				}
				fmt.Printf("%s\t%s\t%s\n", k.ID, k.UserID, status)
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&listUserID, "user-id", "", "Owning user id")
	cmd.AddCommand(listCmd)

	revokeCmd := &cobra.Command{
		Use:   "revoke <runner-key-id>",
		Short: "Revoke a runner key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if err := c.delete("/api/runner-keys/" + args[0]); err != nil {
				return err
			}
			fmt.Printf("revoked %s\n", args[0])
			return nil
		},
	}
	cmd.AddCommand(revokeCmd)

	return cmd
}

func newAuthCmd(client func() (*apiClient, error)) *cobra.Command {
	cmd := &cobra.Command{Use: "auth", Short: "CLI authentication flows"}

	cliCmd := &cobra.Command{Use: "cli", Short: "Device-code CLI authentication"}

	var callbackPort int
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Begin the CLI device-code auth flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var out struct {
				DeviceCode      string `json:"device_code"`
				VerificationURL string `json:"verification_url"`
				AuthURL         string `json:"authUrl"`
			}
			if err := c.postJSON("/api/auth/cli/start", map[string]int{"callback_port": callbackPort}, &out); err != nil {
				return err
			}
			url := out.AuthURL
			if url == "" {
				url = out.VerificationURL
			}
			fmt.Printf("Open this URL to finish signing in:\n%s\n", url)
			return nil
		},
	}
	startCmd.Flags().IntVar(&callbackPort, "callback-port", 23987, "Local port the browser redirects back to")
	cliCmd.AddCommand(startCmd)
	cmd.AddCommand(cliCmd)
	return cmd
}

// apiClient is a minimal REST client for the control plane's admin surface;
// introducing a full HTTP SDK for three routes would be more machinery than
// the CLI needs.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func (c *apiClient) postJSON(path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *apiClient) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *apiClient) delete(path string) error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *apiClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, string(b))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
