package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cashpoint/posync/internal/config"
	"github.com/cashpoint/posync/internal/daemon"
	"github.com/cashpoint/posync/internal/dashboard"
	"github.com/cashpoint/posync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run background sync (foreground process)",
	Long: `Run the register's background services until interrupted.

The daemon:
  1. Loads reference data from the backend (initial sync)
  2. Drains the outbox whenever the backend is reachable
  3. Pulls catalog changes and orders from other devices
  4. Imports catalog seed files dropped into catalog.seed_dir
  5. Optionally serves the status dashboard (--dashboard)

Edits to the config file are picked up without a restart: log.level and
sync.interval take effect immediately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		if a.coord == nil {
			return errNoBackend
		}

		skipInitial, _ := cmd.Flags().GetBool("skip-initial-sync")
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		addr, _ := cmd.Flags().GetString("dashboard-addr")
		if addr == "" {
			addr = a.cfg.Dashboard.Addr
		}

		if !skipInitial {
			runInitialSync(ctx, a)
		} else {
			a.coord.Proceed()
		}

		var services []daemon.Runner
		if withDashboard || a.cfg.Dashboard.Enabled {
			srv := dashboard.NewServer(dashboard.Config{Addr: addr, Logger: a.log.Logger}, a.coord, a.outbox)
			services = append(services, srv)
			fmt.Printf("   Dashboard: http://%s/status (ws://%s/ws)\n", addr, addr)
		}

		d, err := daemon.New(daemon.Options{
			Coordinator:  a.coord,
			Monitor:      a.monitor,
			Services:     services,
			SyncInterval: a.cfg.Sync.Interval,
			SeedDir:      a.cfg.Catalog.SeedDir,
			Importer:     a.catalog,
			Logger:       a.log.Logger,
		})
		if err != nil {
			return err
		}

		a.src.OnChange(a.log.Apply)
		a.src.OnChange(func(_, cur *config.Config) {
			if err := d.SetSyncInterval(cur.Sync.Interval); err != nil {
				a.log.Warn("sync interval not applied", slog.String("error", err.Error()))
			}
		})
		a.src.Watch()

		fmt.Printf("%s posd daemon for store %s\n", ui.RenderAccent("▶"), a.cfg.StoreID)
		fmt.Printf("   Backend: %s\n", a.cfg.Remote.BaseURL)
		fmt.Printf("   Database: %s\n", a.store.Path())
		if a.cfg.Catalog.SeedDir != "" {
			fmt.Printf("   Seeds: %s\n", a.cfg.Catalog.SeedDir)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		return d.Run(ctx)
	},
}

// runInitialSync loads reference data before the register takes orders. A
// failure is not fatal: the daemon proceeds with whatever is stored locally
// and the background loop keeps trying.
func runInitialSync(ctx context.Context, a *app) {
	a.monitor.Check(ctx)
	if err := a.coord.InitialSync(ctx); err != nil {
		fmt.Printf("%s Initial sync failed: %v\n", ui.RenderWarn("⚠"), err)
		fmt.Printf("   Continuing with local data\n")
		a.coord.Proceed()
		return
	}
	fmt.Printf("%s Reference data loaded\n", ui.RenderPass("✓"))
}

func init() {
	daemonCmd.Flags().Bool("skip-initial-sync", false, "start without loading reference data first")
	daemonCmd.Flags().Bool("dashboard", false, "serve the status dashboard (also dashboard.enabled)")
	daemonCmd.Flags().String("dashboard-addr", "", "dashboard listen address (default: dashboard.addr)")

	rootCmd.AddCommand(daemonCmd)
}
