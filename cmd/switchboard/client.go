// ABOUTME: Client commands that query a running switchboard over HTTP
// ABOUTME: health, stats and queue print server state for operators

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/switchboard/internal/gateway"
)

// serverURL returns the base URL of the running server.
// Priority: --server > SWITCHBOARD_URL > http://<server.http_addr>
func serverURL() (string, error) {
	if serverFlag != "" {
		return strings.TrimRight(serverFlag, "/"), nil
	}
	if env := os.Getenv("SWITCHBOARD_URL"); env != "" {
		return strings.TrimRight(env, "/"), nil
	}
	cfg, err := loadConfig(configPath())
	if err != nil {
		return "", err
	}
	if cfg.Server.HTTPAddr == "" {
		return "", fmt.Errorf("no server address: set --server or SWITCHBOARD_URL")
	}
	return "http://" + cfg.Server.HTTPAddr, nil
}

// getJSON fetches path from the server and decodes the response into v.
// Non-2xx responses are returned as errors carrying the server's message.
func getJSON(ctx context.Context, path string, v any) error {
	base, err := serverURL()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := serverURL()
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, base+"/health/ready", nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			color.New(color.FgGreen).Print("healthy")
			fmt.Printf(" %s\n", strings.TrimSpace(string(body)))
			return nil
		},
	}
	return cmd
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <tenant>",
		Short: "Show queue statistics for a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats gateway.QueueStatsResponse
			if err := getJSON(cmd.Context(), "/api/tenants/"+url.PathEscape(args[0])+"/queue/stats", &stats); err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), args[0], stats)
			return nil
		},
	}
	return cmd
}

func printStats(out io.Writer, tenant string, s gateway.QueueStatsResponse) {
	level := color.GreenString("%.1f%%", s.ServiceLevel)
	if s.ServiceLevel < 80 {
		level = color.RedString("%.1f%%", s.ServiceLevel)
	}

	fmt.Fprintf(out, "Tenant:          %s\n", tenant)
	fmt.Fprintf(out, "Queued:          %d (%d high priority)\n", s.TotalQueued, s.HighPriorityQueued)
	fmt.Fprintf(out, "Average wait:    %.0fs\n", s.AverageWaitSeconds)
	fmt.Fprintf(out, "Longest wait:    %.0fs\n", s.LongestWaitSeconds)
	fmt.Fprintf(out, "Agents:          %d available, %d busy\n", s.AvailableAgents, s.BusyAgents)
	fmt.Fprintf(out, "Service level:   %s within %.0fs\n", level, s.ServiceLevelTarget)
}

func newQueueCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "queue <tenant>",
		Short: "List a tenant's queued conversations in service order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []gateway.QueueEntryResponse
			if err := getJSON(cmd.Context(), "/api/tenants/"+url.PathEscape(args[0])+"/queue", &entries); err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			printQueue(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func printQueue(out io.Writer, entries []gateway.QueueEntryResponse) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "queue is empty")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POS\tCONVERSATION\tPRIORITY\tWAIT\tDEPARTMENT\tLANGUAGE")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.0fs\t%s\t%s\n",
			e.Position, e.ConversationID, e.Priority, e.WaitSeconds, e.Department, e.Language)
	}
	w.Flush()
}
