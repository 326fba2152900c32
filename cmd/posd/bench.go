package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/cashpoint/posync/internal/loadtest"
	"github.com/cashpoint/posync/internal/logging"
	"github.com/cashpoint/posync/internal/order"
	"github.com/cashpoint/posync/internal/store/db"
	"github.com/cashpoint/posync/internal/store/outbox"
	"github.com/cashpoint/posync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Measure checkout latency of the local store",
	Long: `Simulate several registers settling orders at the same time against a
scratch database and report checkout latency. The configured database is
not touched.

Use it to check that a device's storage keeps up with a rush before it goes
into service.

Examples:
  posd bench
  posd bench --registers 8 --orders 100 --products 500
  posd bench --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		registers, _ := cmd.Flags().GetInt("registers")
		perRegister, _ := cmd.Flags().GetInt("orders")
		products, _ := cmd.Flags().GetInt("products")
		jsonOutput, _ := cmd.Flags().GetBool("json")
		keep, _ := cmd.Flags().GetBool("keep")

		if registers <= 0 || perRegister <= 0 || products <= 0 {
			return fmt.Errorf("--registers, --orders and --products must be positive")
		}

		dir, err := os.MkdirTemp("", "posd-bench-*")
		if err != nil {
			return err
		}
		if !keep {
			defer os.RemoveAll(dir)
		}

		store, err := db.Open(ctx, filepath.Join(dir, "bench.db"))
		if err != nil {
			return err
		}
		defer store.Close()
		ob := outbox.New(store)
		orders := order.NewManager(order.Options{Store: store, Outbox: ob, Logger: logging.Discard().Logger})

		if !jsonOutput {
			fmt.Printf("%s %d registers × %d orders, %d products\n", ui.RenderAccent("⏱"), registers, perRegister, products)
		}
		catalog, err := loadtest.Populate(ctx, store, products)
		if err != nil {
			return err
		}
		stats, err := loadtest.RunCheckouts(ctx, store, orders, "bench", catalog, registers, perRegister)
		if err != nil {
			return err
		}
		consistency := loadtest.CheckConsistency(ctx, store, ob)

		if jsonOutput {
			out := map[string]any{
				"registers":  registers,
				"orders":     perRegister,
				"products":   products,
				"checkouts":  stats.Checkouts,
				"errors":     stats.Errors,
				"throughput": stats.Throughput(),
				"min_ms":     ms(stats.Min),
				"p50_ms":     ms(stats.P50),
				"mean_ms":    ms(stats.Mean),
				"p95_ms":     ms(stats.P95),
				"p99_ms":     ms(stats.P99),
				"max_ms":     ms(stats.Max),
				"consistent": consistency == nil,
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			return consistency
		}

		stats.Print(os.Stdout)
		if keep {
			fmt.Printf("   Database kept at %s\n", dir)
		}
		if consistency != nil {
			return fmt.Errorf("consistency check failed: %w", consistency)
		}
		fmt.Printf("%s Outbox consistent with %d paid orders\n", ui.RenderPass("✓"), stats.Checkouts)
		return nil
	},
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func init() {
	benchCmd.Flags().Int("registers", 4, "number of concurrent registers")
	benchCmd.Flags().Int("orders", 25, "orders settled per register")
	benchCmd.Flags().Int("products", 200, "catalog size")
	benchCmd.Flags().Bool("json", false, "output results as JSON")
	benchCmd.Flags().Bool("keep", false, "keep the scratch database")

	rootCmd.AddCommand(benchCmd)
}
