package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"devpulse/internal/analytics"
	"devpulse/internal/api"
	"devpulse/internal/config"
	"devpulse/internal/session"
)

func getServerURL() string {
	if serverURL != "" {
		return strings.TrimSuffix(serverURL, "/")
	}
	if v := os.Getenv("DEVPULSE_SERVER"); v != "" {
		return strings.TrimSuffix(v, "/")
	}
	return "http://localhost:8080"
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func apiGet(path string, query url.Values) ([]byte, error) {
	u := getServerURL() + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := httpClient.Get(u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// printJSON writes data as-is when --format=json and reports whether it did.
func printJSON(cmd *cobra.Command, data []byte) bool {
	if format != "json" {
		return false
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(data)))
	return true
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(args[0]); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
}

func sessionsListCmd() *cobra.Command {
	var all bool
	var rng string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions (open only unless --all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if all {
				q.Set("state", "all")
			}
			if rng != "" {
				q.Set("range", rng)
			}
			data, err := apiGet("/api/sessions", q)
			if err != nil {
				return err
			}
			if printJSON(cmd, data) {
				return nil
			}
			var rows []api.SessionSummary
			if err := json.Unmarshal(data, &rows); err != nil {
				return fmt.Errorf("decode sessions: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tOUTCOME\tSTARTED\tCOST\tTOKENS\tINTERACTIONS\tACCEPT/REJECT")
			for _, s := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t$%s\t%d\t%d\t%d/%d\n",
					s.ID, s.Outcome, fmtTime(s.StartedAt), s.CostUSD.StringFixed(4),
					s.TotalTokens, s.Interactions, s.Accepted, s.Rejected)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include closed sessions")
	cmd.Flags().StringVar(&rng, "range", "", "only sessions started within this range (e.g. 7d, 12h)")
	return cmd
}

func sessionsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := apiGet("/api/sessions/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			if printJSON(cmd, data) {
				return nil
			}
			var s session.Session
			if err := json.Unmarshal(data, &s); err != nil {
				return fmt.Errorf("decode session: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session:      %s\n", s.ID)
			fmt.Fprintf(out, "Outcome:      %s\n", s.Outcome)
			fmt.Fprintf(out, "Started:      %s\n", fmtTime(s.StartedAt))
			fmt.Fprintf(out, "Last active:  %s\n", fmtTime(s.LastActivityAt))
			fmt.Fprintf(out, "Cost:         $%s\n", s.Totals.Cost.StringFixed(4))
			fmt.Fprintf(out, "Tokens:       %d in / %d out / %d cache read / %d cache write\n",
				s.Totals.Tokens.Input, s.Totals.Tokens.Output, s.Totals.Tokens.CacheRead, s.Totals.Tokens.CacheCreation)
			fmt.Fprintf(out, "Decisions:    %d accepted / %d rejected\n", s.Totals.Accepted, s.Totals.Rejected)

			if len(s.Interactions) == 0 {
				return nil
			}
			fmt.Fprintln(out)
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INTERACTION\tMODEL\tINPUT\tOUTPUT\tCOST\tCLOSED BY")
			for _, in := range s.Interactions {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t$%s\t%s\n",
					in.ID, in.Model, in.InputTokens, in.OutputTokens, in.Cost.StringFixed(4), lo.Ternary(in.CloseReason == "", "open", in.CloseReason))
			}
			return w.Flush()
		},
	}
}

func sessionsInsightCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "insight <id>",
		Short: "Score one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := apiGet("/api/sessions/"+url.PathEscape(args[0])+"/insight", nil)
			if err != nil {
				return err
			}
			if printJSON(cmd, data) {
				return nil
			}
			var in analytics.Insight
			if err := json.Unmarshal(data, &in); err != nil {
				return fmt.Errorf("decode insight: %w", err)
			}
			printInsight(cmd, in)
			return nil
		},
	}
}

func insightsCmd() *cobra.Command {
	var rng string

	cmd := &cobra.Command{
		Use:   "insights",
		Short: "Show the efficiency report for a time range",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := apiGet("/api/insights", url.Values{"range": {rng}})
			if err != nil {
				return err
			}
			if printJSON(cmd, data) {
				return nil
			}
			var in analytics.Insight
			if err := json.Unmarshal(data, &in); err != nil {
				return fmt.Errorf("decode insights: %w", err)
			}
			printInsight(cmd, in)
			return nil
		},
	}
	cmd.Flags().StringVar(&rng, "range", "7d", "time range (e.g. 24h, 7d, 4w)")
	return cmd
}

func printInsight(cmd *cobra.Command, in analytics.Insight) {
	out := cmd.OutOrStdout()
	if in.SessionID != "" {
		fmt.Fprintf(out, "Session:          %s\n", in.SessionID)
	} else {
		fmt.Fprintf(out, "Sessions:         %d closed, %d open\n", in.Sessions, in.OpenSessions)
	}
	fmt.Fprintf(out, "Score:            %.3f\n", in.Score)
	fmt.Fprintf(out, "Completion rate:  %.1f%%\n", in.CompletionRate*100)
	fmt.Fprintf(out, "Cost per outcome: $%.4f\n", in.CostPerOutcome)
	if in.AvgTimeToComplete > 0 {
		fmt.Fprintf(out, "Avg completion:   %s\n", in.AvgTimeToComplete.Round(time.Second))
	}

	if len(in.Patterns) > 0 {
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INTERACTIONS\tSESSIONS\tCOMPLETION\tFLAG")
		for _, p := range in.Patterns {
			fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%s\n", p.Bucket, p.Sessions, p.CompletionRate*100, lo.Ternary(p.Inefficient, "inefficient", ""))
		}
		w.Flush()
	}

	if len(in.CostlySessions) > 0 {
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "COSTLY SESSION\tOUTCOME\tCOST\tINTERACTIONS")
		for _, c := range in.CostlySessions {
			fmt.Fprintf(w, "%s\t%s\t$%s\t%d\n", c.SessionID, c.Outcome, c.Cost.StringFixed(4), c.Interactions)
		}
		w.Flush()
	}

	if len(in.Recommendations) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Recommendations:")
		for _, r := range in.Recommendations {
			fmt.Fprintf(out, "  [%s] %s\n", r.Category, r.Message)
		}
	}
	for _, e := range in.Errors {
		fmt.Fprintf(out, "  excluded %s: %s\n", e.SessionID, e.Message)
	}
}

func trendsCmd() *cobra.Command {
	var rng, window string

	cmd := &cobra.Command{
		Use:   "trends",
		Short: "Show per-window session trends",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := apiGet("/api/trends", url.Values{"range": {rng}, "window": {window}})
			if err != nil {
				return err
			}
			if printJSON(cmd, data) {
				return nil
			}
			var resp api.TrendsResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				return fmt.Errorf("decode trends: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WINDOW\tSESSIONS\tCOMPLETED\tABANDONED\tBLOCKED\tCOST\tSCORE")
			for _, ws := range resp.Windows {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t$%s\t%.3f\n",
					fmtTime(ws.Window.Start), ws.Sessions, ws.Completed, ws.Abandoned, ws.Blocked, ws.Cost.StringFixed(4), ws.Score)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&rng, "range", "30d", "time range")
	cmd.Flags().StringVar(&window, "window", "24h", "window width")
	return cmd
}
