package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cashpoint/posync/internal/schema"
	"github.com/cashpoint/posync/internal/store/outbox"
	"github.com/cashpoint/posync/internal/ui"
)

var outboxCmd = &cobra.Command{
	Use:     "outbox",
	GroupID: "advanced",
	Short:   "Inspect and repair pending changes",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending outbox entries in delivery order",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		entity, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		entries, err := a.outbox.DequeueBatch(ctx, schema.EntityType(entity), limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Printf("%s Outbox is empty\n", ui.RenderPass("✓"))
			return nil
		}

		ceiling := a.cfg.Sync.MaxRetries
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			retries := strconv.Itoa(e.RetryCount)
			switch {
			case e.RetryCount >= ceiling:
				retries = ui.RenderFail(retries)
			case e.RetryCount > 0:
				retries = ui.RenderWarn(retries)
			}
			rows = append(rows, []string{
				strconv.FormatInt(e.ID, 10),
				string(e.EntityType),
				string(e.Action),
				e.EntityLocalID,
				retries,
				ui.Time(e.CreatedAt),
				truncate(e.LastError, 48),
			})
		}
		fmt.Println(ui.Table([]string{"ID", "TYPE", "ACTION", "RECORD", "RETRIES", "QUEUED", "LAST ERROR"}, rows))
		return nil
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reset the retry count of failed entries",
	Long: `Entries that failed sync.max_retries times are kept but no longer sent
automatically. Reset one entry with --id or all of them with --exhausted;
the next sync pass attempts them again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, _ := cmd.Flags().GetInt64("id")
		all, _ := cmd.Flags().GetBool("exhausted")
		if (id == 0) == !all {
			return fmt.Errorf("use exactly one of --id or --exhausted")
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if id != 0 {
			if err := a.outbox.Reset(ctx, id); err != nil {
				return err
			}
			fmt.Printf("%s Entry %d will be retried on the next pass\n", ui.RenderPass("✓"), id)
			return nil
		}

		var n int64
		if a.coord != nil {
			n, err = a.coord.RetryExhausted(ctx)
		} else {
			n, err = a.outbox.ResetExhausted(ctx, a.cfg.Sync.MaxRetries)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s %d exhausted entries reset\n", ui.RenderPass("✓"), n)
		return nil
	},
}

var outboxExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export outbox entries as JSON lines",
	Long: `Write outbox entries, one JSON object per line, for support and
diagnostics. Nothing is removed from the outbox.

Examples:
  posd outbox export -o outbox.jsonl
  posd outbox export --type orders --min-retries 3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		entity, _ := cmd.Flags().GetString("type")
		minRetries, _ := cmd.Flags().GetInt("min-retries")
		output, _ := cmd.Flags().GetString("output")

		if entity != "" && !schema.EntityType(entity).IsValid() {
			return fmt.Errorf("unknown entity type %q", entity)
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		var w io.Writer = os.Stdout
		if output != "" && output != "-" {
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}

		n, err := a.outbox.ExportJSONL(ctx, w, outbox.Filter{
			EntityType: schema.EntityType(entity),
			MinRetries: minRetries,
		})
		if err != nil {
			return err
		}
		if output != "" && output != "-" {
			fmt.Fprintf(os.Stderr, "%s %d entries written to %s\n", ui.RenderPass("✓"), n, output)
		}
		return nil
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	outboxListCmd.Flags().String("type", "", "only entries of this entity type (shifts, orders)")
	outboxListCmd.Flags().Int("limit", 100, "maximum number of entries (0 = all)")

	outboxRetryCmd.Flags().Int64("id", 0, "reset a single entry")
	outboxRetryCmd.Flags().Bool("exhausted", false, "reset every exhausted entry")

	outboxExportCmd.Flags().String("type", "", "only entries of this entity type")
	outboxExportCmd.Flags().Int("min-retries", 0, "only entries that failed at least this often")
	outboxExportCmd.Flags().StringP("output", "o", "", "write to file instead of stdout")

	outboxCmd.AddCommand(outboxListCmd, outboxRetryCmd, outboxExportCmd)
	rootCmd.AddCommand(outboxCmd)
}
