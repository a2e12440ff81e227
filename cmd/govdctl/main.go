// Command govdctl is a thin cobra-over-net/http operator CLI against a
// running govdd instance. It holds no state of its own; every subcommand is
// one call to the daemon's REST surface.
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

func main() {
	var address string
	var apiKey string

	rootCmd := &cobra.Command{
		Use:   "govdctl",
		Short: "Operator CLI for a running govdd instance",
	}
	rootCmd.PersistentFlags().StringVar(&address, "address", "http://127.0.0.1:3434", "Base URL of the govdd HTTP surface")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("GOVD_API_KEY"), "API key (defaults to $GOVD_API_KEY)")

	client := func() *apiClient { return newAPIClient(address, apiKey) }

	// --- template ---
	templateCmd := &cobra.Command{Use: "template", Short: "Template management commands"}

	templateValidateCmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a template YAML file against the running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			var result map[string]interface{}
			if err := client().post("/templates/validate", map[string]string{"yaml": string(data)}, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	templateListCmd := &cobra.Command{
		Use:   "list",
		Short: "List templates currently loaded by the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]interface{}
			if err := client().get("/templates", &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	templateCmd.AddCommand(templateValidateCmd, templateListCmd)

	// --- token ---
	tokenCmd := &cobra.Command{Use: "token", Short: "Capability token management commands"}

	var issueAgent, issueReason string
	var issueScopes []string
	var issueDurationSec int
	tokenIssueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new capability token",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]interface{}{
				"agent":       issueAgent,
				"scopes":      issueScopes,
				"durationSec": issueDurationSec,
				"reason":      issueReason,
			}
			var result map[string]interface{}
			if err := client().post("/tokens/issue", req, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	tokenIssueCmd.Flags().StringVar(&issueAgent, "agent", "", "Agent id to issue the token for (required)")
	tokenIssueCmd.Flags().StringSliceVar(&issueScopes, "scope", nil, "Scope glob the token authorizes (repeatable)")
	tokenIssueCmd.Flags().IntVar(&issueDurationSec, "duration", 3600, "Token validity, in seconds")
	tokenIssueCmd.Flags().StringVar(&issueReason, "reason", "", "Human-readable reason, recorded on the token")
	_ = tokenIssueCmd.MarkFlagRequired("agent")

	tokenRevokeCmd := &cobra.Command{
		Use:   "revoke [token]",
		Short: "Revoke a capability token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]interface{}
			if err := client().post("/tokens/revoke", map[string]string{"token": args[0]}, &result); err != nil {
				return err
			}
			fmt.Println("token revoked")
			return nil
		},
	}

	tokenIntrospectCmd := &cobra.Command{
		Use:   "introspect [token]",
		Short: "Show a token's current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]interface{}
			if err := client().post("/tokens/introspect", map[string]string{"token": args[0]}, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	tokenCmd.AddCommand(tokenIssueCmd, tokenRevokeCmd, tokenIntrospectCmd)

	// --- role ---
	roleCmd := &cobra.Command{Use: "role", Short: "Role assignment commands"}

	var applyTemplate string
	var applyAllow, applyAsk, applyBlock []string
	roleApplyCmd := &cobra.Command{
		Use:   "apply [agent-id]",
		Short: "Bind an agent to a template, optionally layering overrides",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]interface{}{
				"agentId":  args[0],
				"template": applyTemplate,
				"overrides": map[string]interface{}{
					"allow": applyAllow,
					"ask":   applyAsk,
					"block": applyBlock,
				},
			}
			var result map[string]interface{}
			if err := client().post("/roles/apply", req, &result); err != nil {
				return err
			}
			if ok, _ := result["ok"].(bool); !ok {
				return fmt.Errorf("apply failed: %v", result["error"])
			}
			return printJSON(result)
		},
	}
	roleApplyCmd.Flags().StringVar(&applyTemplate, "template", "", "Template name to bind")
	roleApplyCmd.Flags().StringSliceVar(&applyAllow, "allow", nil, "Additional allow rule (repeatable)")
	roleApplyCmd.Flags().StringSliceVar(&applyAsk, "ask", nil, "Additional ask rule (repeatable)")
	roleApplyCmd.Flags().StringSliceVar(&applyBlock, "block", nil, "Additional block rule (repeatable)")

	roleShowCmd := &cobra.Command{
		Use:   "show [agent-id]",
		Short: "Show an agent's resolved policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]interface{}
			if err := client().get("/roles/"+args[0], &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	roleCmd.AddCommand(roleApplyCmd, roleShowCmd)

	// --- journal ---
	journalCmd := &cobra.Command{Use: "journal", Short: "Journal inspection commands"}

	journalVerifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Export the journal and check that every record is well-formed JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodGet, address+"/timeline.ndjson", nil)
			if err != nil {
				return err
			}
			client().authorize(req)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to connect to govdd: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("govdd returned HTTP %d", resp.StatusCode)
			}
			count := 0
			dec := json.NewDecoder(resp.Body)
			for dec.More() {
				var raw json.RawMessage
				if err := dec.Decode(&raw); err != nil {
					return fmt.Errorf("malformed ndjson record %d: %w", count+1, err)
				}
				count++
			}
			fmt.Printf("%d journal records retrieved and well-formed\n", count)
			return nil
		},
	}

	journalTailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent timeline events",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]interface{}
			if err := client().get("/timeline?limit=20", &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	var exportFormat string
	journalExportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export the full journal to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodGet, address+"/timeline/export?format="+exportFormat, nil)
			if err != nil {
				return err
			}
			client().authorize(req)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to connect to govdd: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("govdd returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			_, err = io.Copy(os.Stdout, resp.Body)
			return err
		},
	}
	journalExportCmd.Flags().StringVar(&exportFormat, "format", "ndjson", "Export format: ndjson, json, csv, or md")

	journalCmd.AddCommand(journalVerifyCmd, journalTailCmd, journalExportCmd)

	// --- decide (dev helper) ---
	var decideAgent, decideIntent, decideTarget string
	decideCmd := &cobra.Command{
		Use:   "decide",
		Short: "Submit a test action event and print the verdict",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]interface{}{
				"agent":  decideAgent,
				"intent": decideIntent,
				"target": decideTarget,
			}
			var result map[string]interface{}
			if err := client().post("/decide", req, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	decideCmd.Flags().StringVar(&decideAgent, "agent", "", "Agent id (required)")
	decideCmd.Flags().StringVar(&decideIntent, "intent", "", "Intent signature, e.g. slack.post (required)")
	decideCmd.Flags().StringVar(&decideTarget, "target", "", "Target, e.g. #general")
	_ = decideCmd.MarkFlagRequired("agent")
	_ = decideCmd.MarkFlagRequired("intent")

	rootCmd.AddCommand(templateCmd, tokenCmd, roleCmd, journalCmd, decideCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// apiClient is a minimal HTTP client carrying the operator's base address
// and API key across subcommands.
type apiClient struct {
	address string
	apiKey  string
	http    *http.Client
}

func newAPIClient(address, apiKey string) *apiClient {
	return &apiClient{
		address: strings.TrimRight(address, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *apiClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *apiClient) post(path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.address+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	return c.do(req, out)
}

func (c *apiClient) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.address+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	return c.do(req, out)
}

func (c *apiClient) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to govdd at %s: %w", c.address, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("govdd returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
