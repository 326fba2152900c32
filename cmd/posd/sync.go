package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cashpoint/posync/internal/schema"
	"github.com/cashpoint/posync/internal/store/db"
	"github.com/cashpoint/posync/internal/store/outbox"
	"github.com/cashpoint/posync/internal/sync"
	"github.com/cashpoint/posync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync pass now",
	Long: `Push the outbox to the backend and pull remote changes once.

With --initial the reference data (categories, products, customers) is
loaded first, as the daemon does on start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.requireBackend(ctx); err != nil {
			return err
		}

		if initial, _ := cmd.Flags().GetBool("initial"); initial {
			fmt.Printf("%s Loading reference data...\n", ui.RenderAccent("⟳"))
			if err := a.coord.InitialSync(ctx); err != nil {
				return fmt.Errorf("initial sync: %w", err)
			}
		}

		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("⟳"), a.cfg.Remote.BaseURL)
		start := time.Now()
		res, err := a.coord.SyncOnce(ctx)
		elapsed := time.Since(start).Round(time.Millisecond)

		fmt.Print(ui.KeyValues([][2]string{
			{"Pushed", strconv.Itoa(res.Pushed)},
			{"Failed", strconv.Itoa(res.Failed)},
			{"Deferred", strconv.Itoa(res.Deferred)},
			{"Pulled", strconv.Itoa(res.Pulled)},
			{"Conflicts", strconv.Itoa(res.Conflicts)},
		}))
		if res.Exhausted > 0 {
			fmt.Printf("%s %d entries exhausted their retries; run 'posd outbox retry --exhausted'\n",
				ui.RenderWarn("⚠"), res.Exhausted)
		}
		if err != nil {
			if errors.Is(err, sync.ErrRetriesExhausted) && res.Failed == 0 {
				return nil
			}
			return err
		}
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), elapsed)
		return nil
	},
}

// statusReport is the --json form of 'posd status'.
type statusReport struct {
	StoreID   string                                          `json:"store_id"`
	Backend   string                                          `json:"backend,omitempty"`
	Online    *bool                                           `json:"online,omitempty"`
	Outbox    outbox.Stats                                    `json:"outbox"`
	Exhausted int                                             `json:"exhausted"`
	Records   map[schema.EntityType]map[schema.SyncStatus]int `json:"records"`
	LastPull  map[schema.EntityType]*time.Time                `json:"last_pull"`
	OpenShift *schema.Shift                                   `json:"open_shift,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show the outbox and sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		rep := statusReport{
			StoreID:  a.cfg.StoreID,
			Backend:  a.cfg.Remote.BaseURL,
			Records:  make(map[schema.EntityType]map[schema.SyncStatus]int),
			LastPull: make(map[schema.EntityType]*time.Time),
		}
		if a.monitor != nil {
			online := a.monitor.Check(ctx)
			rep.Online = &online
		}
		if rep.Outbox, err = a.outbox.Stats(ctx); err != nil {
			return err
		}
		exhausted, err := a.outbox.Exhausted(ctx, a.cfg.Sync.MaxRetries)
		if err != nil {
			return err
		}
		rep.Exhausted = len(exhausted)

		for _, entity := range []schema.EntityType{schema.EntityShift, schema.EntityOrder} {
			if rep.Records[entity], err = a.store.CountBySyncStatus(ctx, entity); err != nil {
				return err
			}
		}
		for _, entity := range []schema.EntityType{schema.EntityCategory, schema.EntityProduct, schema.EntityCustomer, schema.EntityOrder} {
			wm, err := a.store.Watermark(ctx, entity)
			if err != nil {
				return err
			}
			if !wm.IsZero() {
				rep.LastPull[entity] = &wm
			}
		}
		if s, err := a.store.OpenShift(ctx, a.cfg.StoreID); err == nil {
			rep.OpenShift = s
		} else if !errors.Is(err, schema.ErrNotFound) {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		}
		printStatus(rep)

		if withConflicts, _ := cmd.Flags().GetBool("conflicts"); withConflicts {
			conflicts, err := a.store.ListConflicts(ctx, 20)
			if err != nil {
				return err
			}
			printConflicts(conflicts)
		}
		return nil
	},
}

func printStatus(rep statusReport) {
	now := time.Now()

	backend := ui.RenderMuted("none (offline register)")
	if rep.Backend != "" {
		backend = rep.Backend
		switch {
		case rep.Online == nil:
		case *rep.Online:
			backend += " " + ui.RenderPass("online")
		default:
			backend += " " + ui.RenderWarn("unreachable")
		}
	}

	fmt.Printf("\n%s Register Status\n\n", ui.RenderAccent("■"))
	fmt.Print(ui.KeyValues([][2]string{
		{"Store", rep.StoreID},
		{"Backend", backend},
		{"Open shift", openShiftLabel(rep.OpenShift)},
	}))

	oldest := "-"
	if rep.Outbox.OldestAt != nil {
		oldest = ui.Ago(*rep.Outbox.OldestAt, now)
	}
	exhausted := strconv.Itoa(rep.Exhausted)
	if rep.Exhausted > 0 {
		exhausted = ui.RenderFail(exhausted)
	}
	fmt.Printf("\n%s\n", ui.RenderBold("Outbox"))
	fmt.Print(ui.KeyValues([][2]string{
		{"Pending", strconv.Itoa(rep.Outbox.Total)},
		{"Shifts", strconv.Itoa(rep.Outbox.ByType[schema.EntityShift])},
		{"Orders", strconv.Itoa(rep.Outbox.ByType[schema.EntityOrder])},
		{"Failing", strconv.Itoa(rep.Outbox.Failing)},
		{"Exhausted", exhausted},
		{"Oldest", oldest},
	}))

	fmt.Printf("\n%s\n", ui.RenderBold("Last pull"))
	var pulls [][2]string
	for _, entity := range []schema.EntityType{schema.EntityCategory, schema.EntityProduct, schema.EntityCustomer, schema.EntityOrder} {
		v := ui.RenderMuted("never")
		if t := rep.LastPull[entity]; t != nil {
			v = ui.Ago(*t, now)
		}
		pulls = append(pulls, [2]string{string(entity), v})
	}
	fmt.Print(ui.KeyValues(pulls))

	fmt.Printf("\n%s\n", ui.RenderBold("Local records"))
	var rows [][]string
	for _, entity := range []schema.EntityType{schema.EntityShift, schema.EntityOrder} {
		counts := rep.Records[entity]
		rows = append(rows, []string{
			string(entity),
			strconv.Itoa(counts[schema.SyncStatusSynced]),
			strconv.Itoa(counts[schema.SyncStatusPending]),
			strconv.Itoa(counts[schema.SyncStatusError]),
		})
	}
	fmt.Println(ui.Table([]string{"TYPE", "SYNCED", "PENDING", "ERROR"}, rows))
}

func openShiftLabel(s *schema.Shift) string {
	if s == nil {
		return ui.RenderMuted("none")
	}
	return fmt.Sprintf("#%d since %s", s.ShiftNumber, ui.Time(s.OpenedAt))
}

func init() {
	syncCmd.Flags().Bool("initial", false, "load reference data before the pass")

	statusCmd.Flags().Bool("json", false, "print the status as JSON")
	statusCmd.Flags().Bool("conflicts", false, "list the most recent sync conflicts")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}

func printConflicts(conflicts []db.Conflict) {
	fmt.Printf("\n%s\n", ui.RenderBold("Recent conflicts"))
	if len(conflicts) == 0 {
		fmt.Println(ui.RenderMuted("  none"))
		return
	}
	rows := make([][]string, 0, len(conflicts))
	for _, c := range conflicts {
		rows = append(rows, []string{
			ui.Time(c.DetectedAt),
			string(c.EntityType),
			c.LocalID,
			c.LocalStatus,
			c.RemoteStatus,
			c.Resolution,
		})
	}
	fmt.Println(ui.Table([]string{"DETECTED", "TYPE", "ID", "LOCAL", "REMOTE", "RESOLUTION"}, rows))
}
