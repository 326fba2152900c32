package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/cashpoint/posync/internal/schema"
	"github.com/cashpoint/posync/internal/shift"
	"github.com/cashpoint/posync/internal/ui"
)

var shiftCmd = &cobra.Command{
	Use:     "shift",
	GroupID: "register",
	Short:   "Open, close and inspect cash-register shifts",
}

var shiftOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a shift for the store",
	Long: `Open a shift with the cash counted in the drawer.

A store has at most one open shift. When the backend is reachable and knows
of a shift opened on another register, that shift is adopted instead and
opening fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cash, _ := cmd.Flags().GetString("cash")
		inventory, _ := cmd.Flags().GetString("inventory")

		if cash == "" {
			if err := promptMissing(moneyInput("Initial cash in drawer", &cash)); err != nil {
				return missingFlag("--cash", err)
			}
		}
		initial, err := parseMoney("initial cash", cash)
		if err != nil {
			return err
		}
		var balance *decimal.Decimal
		if inventory != "" {
			d, err := parseMoney("inventory balance", inventory)
			if err != nil {
				return err
			}
			balance = &d
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		if a.monitor != nil {
			a.monitor.Check(ctx)
		}

		s, err := a.shifts.Open(ctx, shift.OpenInput{
			StoreID:          a.cfg.StoreID,
			InitialCash:      initial,
			InventoryBalance: balance,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s Shift #%d opened with %s\n", ui.RenderPass("✓"), s.ShiftNumber, ui.Money(s.InitialCash))
		fmt.Printf("   ID: %s\n", s.ID)
		return nil
	},
}

var shiftCloseCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the store's open shift",
	Long: `Close the open shift with the final cash count and an optional
inventory count. Closing cannot be undone.

Examples:
  posd shift close --cash 1520.50
  posd shift close --cash 980 --count prd_milk:12 --count prd_beans:3.5 --notes "short 2.00"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cash, _ := cmd.Flags().GetString("cash")
		notes, _ := cmd.Flags().GetString("notes")
		counts, _ := cmd.Flags().GetStringArray("count")
		yes, _ := cmd.Flags().GetBool("yes")

		if cash == "" {
			fields := []huh.Field{moneyInput("Final cash in drawer", &cash)}
			if !cmd.Flags().Changed("notes") {
				fields = append(fields, huh.NewText().Title("Notes").Value(&notes))
			}
			if err := promptMissing(fields...); err != nil {
				return missingFlag("--cash", err)
			}
		}
		final, err := parseMoney("final cash", cash)
		if err != nil {
			return err
		}
		inventory := make([]schema.InventoryEntry, 0, len(counts))
		for _, c := range counts {
			e, err := parseCount(c)
			if err != nil {
				return err
			}
			inventory = append(inventory, e)
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		open, err := a.store.OpenShift(ctx, a.cfg.StoreID)
		if errors.Is(err, schema.ErrNotFound) {
			return fmt.Errorf("store %s: %w", a.cfg.StoreID, schema.ErrNoOpenShift)
		}
		if err != nil {
			return err
		}
		ok, err := confirm(fmt.Sprintf("Close shift #%d with %s in the drawer?", open.ShiftNumber, ui.Money(final)), yes)
		if err != nil {
			return missingFlag("--yes", err)
		}
		if !ok {
			fmt.Println("Aborted")
			return nil
		}

		s, err := a.shifts.Close(ctx, shift.CloseInput{
			StoreID:   a.cfg.StoreID,
			FinalCash: final,
			Notes:     notes,
			Inventory: inventory,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s Shift #%d closed\n", ui.RenderPass("✓"), s.ShiftNumber)
		fmt.Print(ui.KeyValues([][2]string{
			{"Initial cash", ui.Money(s.InitialCash)},
			{"Final cash", ui.MoneyPtr(s.FinalCash)},
			{"Counted items", strconv.Itoa(len(inventory))},
		}))
		return nil
	},
}

var shiftStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the store's open shift",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		if a.monitor != nil {
			a.monitor.Check(ctx)
		}

		s, err := a.shifts.GetOpenShift(ctx, a.cfg.StoreID)
		if errors.Is(err, schema.ErrNoOpenShift) {
			fmt.Printf("%s No open shift for store %s\n", ui.RenderWarn("⚠"), a.cfg.StoreID)
			fmt.Printf("   Run 'posd shift open' to start one\n")
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Printf("\n%s Shift #%d\n\n", ui.RenderAccent("■"), s.ShiftNumber)
		fmt.Print(ui.KeyValues([][2]string{
			{"ID", s.ID},
			{"Opened", ui.Time(s.OpenedAt)},
			{"Initial cash", ui.Money(s.InitialCash)},
			{"Inventory", ui.MoneyPtr(s.InventoryBalance)},
			{"Sync", syncLabel(s.SyncStatus)},
		}))
		return nil
	},
}

var shiftListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the store's shifts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		shifts, err := a.shifts.List(ctx, a.cfg.StoreID)
		if err != nil {
			return err
		}
		if len(shifts) == 0 {
			fmt.Println(ui.RenderMuted("No shifts"))
			return nil
		}
		rows := make([][]string, 0, len(shifts))
		for _, s := range shifts {
			rows = append(rows, []string{
				"#" + strconv.FormatInt(s.ShiftNumber, 10),
				string(s.Status),
				ui.Time(s.OpenedAt),
				ui.TimePtr(s.ClosedAt),
				ui.Money(s.InitialCash),
				ui.MoneyPtr(s.FinalCash),
				syncLabel(s.SyncStatus),
			})
		}
		fmt.Println(ui.Table([]string{"SHIFT", "STATUS", "OPENED", "CLOSED", "INITIAL", "FINAL", "SYNC"}, rows))
		return nil
	},
}

func syncLabel(st schema.SyncStatus) string {
	switch st {
	case schema.SyncStatusSynced:
		return ui.RenderPass(string(st))
	case schema.SyncStatusError:
		return ui.RenderFail(string(st))
	default:
		return ui.RenderWarn(string(st))
	}
}

func missingFlag(flag string, err error) error {
	if errors.Is(err, errNotInteractive) {
		return fmt.Errorf("%s is required when not running in a terminal", flag)
	}
	return err
}

func init() {
	shiftOpenCmd.Flags().String("cash", "", "initial cash in the drawer")
	shiftOpenCmd.Flags().String("inventory", "", "inventory balance at opening")

	shiftCloseCmd.Flags().String("cash", "", "final cash in the drawer")
	shiftCloseCmd.Flags().String("notes", "", "closing notes")
	shiftCloseCmd.Flags().StringArray("count", nil, "inventory count PRODUCT_ID:COUNTED (repeatable)")
	shiftCloseCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")

	shiftCmd.AddCommand(shiftOpenCmd, shiftCloseCmd, shiftStatusCmd, shiftListCmd)
	rootCmd.AddCommand(shiftCmd)
}
