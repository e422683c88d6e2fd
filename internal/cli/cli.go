// Package cli holds the ledgerctl operator commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gudangkas/backend/internal/config"
	"gudangkas/backend/internal/domain"
	"gudangkas/backend/internal/httpapi"
	"gudangkas/backend/internal/outbox"
	"gudangkas/backend/internal/service"
	"gudangkas/backend/internal/store/memory"
)

var (
	okMark   = color.New(color.FgGreen).Sprint("✓")
	warnMark = color.New(color.FgYellow).Sprint("!")
	failMark = color.New(color.FgRed).Sprint("✗")
)

// QuoteCmd prices a quote payload file without touching any store.
func QuoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quote [payload.json]",
		Short: "Price a receipt payload locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			var req domain.QuoteRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return fmt.Errorf("parse payload: %w", err)
			}
			if lines, _ := cmd.Flags().GetBool("lines"); lines {
				req.IncludeItems = true
			}

			logger := logrus.New()
			logger.SetOutput(io.Discard)
			quote, err := service.New(memory.New(), service.Options{Logger: logger}).Quote(cmd.Context(), req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(quote.Items) > 0 {
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "VARIANT\tQTY\tUNIT\tLINE\tDISCOUNT\tNET")
				for _, line := range quote.Items {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n", line.VariantID, line.Qty,
						line.Unit.StringFixed(2), line.LineTotal.StringFixed(2), line.LineDiscount.StringFixed(2), line.NetTotal.StringFixed(2))
				}
				w.Flush()
				fmt.Fprintln(out)
			}
			t := quote.Totals
			fmt.Fprintf(out, "Item subtotal:      %s\n", t.ItemSubtotal.StringFixed(2))
			fmt.Fprintf(out, "Item discounts:     %s\n", t.ItemDiscountTotal.StringFixed(2))
			fmt.Fprintf(out, "Bill discount:      %s\n", t.BillDiscountTotal.StringFixed(2))
			fmt.Fprintf(out, "After discounts:    %s\n", t.SubTotalAfterDiscounts.StringFixed(2))
			fmt.Fprintf(out, "Tax (%s%%):         %s\n", t.TaxPercent.String(), t.TaxTotal.StringFixed(2))
			fmt.Fprintf(out, "Grand total:        %s\n", color.New(color.Bold).Sprint(t.GrandTotal.StringFixed(2)))
			return nil
		},
	}
	cmd.Flags().Bool("lines", false, "Print per-line totals")
	return cmd
}

// TokenCmd mints an operator access token signed with AUTH_SECRET.
func TokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			username, _ := cmd.Flags().GetString("username")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg := config.Load()
			if len(cfg.AuthSecret) < 32 {
				return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
			}
			auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, "")
			token, expiresAt, err := auth.IssueToken(username, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s token for %s expires %s\n", okMark, role, username, expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().String("username", "", "Operator username (required)")
	cmd.Flags().String("role", httpapi.RoleCashier, "Role: cashier or admin")
	cmd.Flags().Duration("ttl", 0, "Token lifetime (default ACCESS_TOKEN_TTL_MINUTES)")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

// SyncCmd triggers one delivery sync run on a running server. It is meant for
// cron.
func SyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Trigger a delivery status sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var result domain.SyncResult
			if err := postJob(cmd, "/api/v1/jobs/delivery-sync", &result); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s delivery sync: %d updated, %d errors\n", okMark, result.Updated, len(result.Errors))
			for _, item := range result.Errors {
				fmt.Fprintf(out, "  %s %s: %s\n", warnMark, item.ID, item.Message)
			}
			return nil
		},
	}
	addServerFlags(cmd)
	return cmd
}

// ReplayCmd triggers a cash movement replay on a running server.
func ReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay spooled cash movements",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var result domain.ReplayResult
			if err := postJob(cmd, "/api/v1/jobs/cash-movement-replay", &result); err != nil {
				return err
			}
			mark := okMark
			if result.Dead > 0 {
				mark = warnMark
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s replay: %d posted, %d dead, %d pending\n", mark, result.Posted, result.Dead, result.Pending)
			return nil
		},
	}
	addServerFlags(cmd)
	return cmd
}

// OutboxCmd inspects the local sqlite cash movement spool.
func OutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect the cash movement spool",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List spooled cash movements",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("path")
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			if path == "" {
				path = config.Load().OutboxPath
			}
			if path == "" {
				return fmt.Errorf("no spool file: pass --path or set OUTBOX_PATH")
			}
			if status != "" && status != string(outbox.StatusPending) && status != string(outbox.StatusPosted) && status != string(outbox.StatusDead) {
				return fmt.Errorf("invalid status: %s\nValid statuses: pending, posted, dead", status)
			}

			spool, err := outbox.OpenSQLite(path)
			if err != nil {
				return err
			}
			defer spool.Close()

			entries, err := spool.List(cmd.Context(), outbox.Status(status), limit)
			if err != nil {
				return fmt.Errorf("list spool: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No spooled cash movements.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSESSION\tDIR\tAMOUNT\tRECEIPT\tATTEMPTS\tLAST ERROR")
			for _, entry := range entries {
				m := entry.Movement
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n", entry.ID, statusLabel(entry.Status), m.SessionID, m.Direction,
					m.Amount.StringFixed(2), m.ReceiptID, entry.Attempts, entry.LastError)
			}
			return w.Flush()
		},
	}
	list.Flags().String("path", "", "Spool file (default OUTBOX_PATH)")
	list.Flags().String("status", "", "Filter by status: pending, posted, dead")
	list.Flags().Int("limit", 50, "Maximum entries to show")

	cmd.AddCommand(list)
	return cmd
}

func statusLabel(status outbox.Status) string {
	switch status {
	case outbox.StatusPosted:
		return color.New(color.FgGreen).Sprint(status)
	case outbox.StatusDead:
		return color.New(color.FgRed).Sprint(status)
	default:
		return color.New(color.FgYellow).Sprint(status)
	}
}

func addServerFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "Server base URL (default http://127.0.0.1:$PORT)")
	cmd.Flags().Duration("timeout", 2*time.Minute, "Request timeout")
}

// postJob calls a job endpoint with the configured sync secret and decodes
// the JSON reply into out.
func postJob(cmd *cobra.Command, path string, out any) error {
	cfg := config.Load()
	server, _ := cmd.Flags().GetString("server")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if server == "" {
		server = "http://127.0.0.1:" + cfg.Port
	}
	if cfg.SyncSecret == "" {
		return fmt.Errorf("SYNC_SECRET must be set")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Sync-Secret", cfg.SyncSecret)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", failMark, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%s)", failMark, path, apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("%s %s: status %d", failMark, path, resp.StatusCode)
	}
	return json.Unmarshal(body, out)
}
