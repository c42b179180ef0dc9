package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

var (
	agentsGatewayURL string
	agentsAPIKey     string
	agentsTimeout    int
	stopReason       string
	stopFor          time.Duration
	auditLimit       int
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect and control agents through the operator API",
	Long: `Send operator commands to a running xpilot serve process.

Examples:
  xpilot agents list
  xpilot agents stop acct-1 --reason maintenance --for 2h
  xpilot agents resume acct-1
  xpilot agents audit acct-1 --limit 20`,
}

func init() {
	agentsCmd.PersistentFlags().StringVar(&agentsGatewayURL, "gateway-url", "http://localhost:8080", "operator API URL (or XPILOT_GATEWAY_URL env)")
	agentsCmd.PersistentFlags().StringVar(&agentsAPIKey, "api-key", "", "operator API key (or XPILOT_API_KEY env)")
	agentsCmd.PersistentFlags().IntVar(&agentsTimeout, "timeout", 30, "timeout in seconds")

	stopCmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop an agent and cancel its in-flight cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if stopReason != "" {
				body["reason"] = stopReason
			}
			if stopFor > 0 {
				body["until"] = time.Now().Add(stopFor).UTC().Format(time.RFC3339)
			}
			return callAPI(cmd.Context(), http.MethodPost, "/v1/agents/"+url.PathEscape(args[0])+"/stop", body)
		},
	}
	stopCmd.Flags().StringVar(&stopReason, "reason", "", "stop reason (default manual_stop)")
	stopCmd.Flags().DurationVar(&stopFor, "for", 0, "lift the stop automatically after this long (default: until resumed)")

	auditCmd := &cobra.Command{
		Use:   "audit <id>",
		Short: "Print the audit log, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/agents/" + url.PathEscape(args[0]) + "/audit?limit=" + strconv.Itoa(auditLimit)
			return callAPI(cmd.Context(), http.MethodGet, path, nil)
		},
	}
	auditCmd.Flags().IntVar(&auditLimit, "limit", 20, "number of entries")

	agentsCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List every agent",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return callAPI(cmd.Context(), http.MethodGet, "/v1/agents", nil)
			},
		},
		idCommand("get", "Show one agent", http.MethodGet, ""),
		idCommand("resume", "Resume a stopped or paused agent", http.MethodPost, "/resume"),
		idCommand("run", "Run the agent on the next tick", http.MethodPost, "/run"),
		idCommand("budget", "Show today's budget balance", http.MethodGet, "/budget"),
		stopCmd,
		auditCmd,
	)
}

func idCommand(use, short, method, suffix string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAPI(cmd.Context(), method, "/v1/agents/"+url.PathEscape(args[0])+suffix, nil)
		},
	}
}

func callAPI(ctx context.Context, method, path string, body any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(agentsTimeout)*time.Second)
	defer cancel()

	c := apiClient{
		baseURL: strings.TrimRight(goutils.Env("XPILOT_GATEWAY_URL", agentsGatewayURL), "/"),
		apiKey:  goutils.Env("XPILOT_API_KEY", agentsAPIKey),
		http:    http.DefaultClient,
	}
	out, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

// apiClient talks to the operator API.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// do sends one request and returns the indented JSON response.
func (c apiClient) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot reach operator api at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("unauthorized (check API key)")
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("rate limited, try again later")
	case resp.StatusCode >= 400:
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("operator api returned %d: %s", resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("operator api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, respBody, "", "  "); err != nil {
		return respBody, nil
	}
	pretty.WriteByte('\n')
	return pretty.Bytes(), nil
}
