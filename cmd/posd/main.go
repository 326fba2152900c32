// Command posd runs an offline-first point-of-sale register: shifts and
// orders are written locally and synchronized with the central backend
// whenever it is reachable.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cashpoint/posync/internal/config"
	"github.com/cashpoint/posync/internal/ui"
)

var (
	configFile string
	noColor    bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "posd",
	Short: "Offline-first point-of-sale register with backend sync",
	Long: `posd keeps a register working without a network connection.

Shifts and orders are stored in a local SQLite database together with an
outbox of pending changes. The daemon drains the outbox to the backend when
it is reachable and pulls reference data and remote orders back.

Configuration is read from posd.yaml (current directory or
~/.config/posd/) and POSD_* environment variables, e.g. POSD_STORE_ID.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor || os.Getenv("NO_COLOR") != "" {
			ui.DisableColor()
		}
		if logLevel != "" {
			if _, err := config.ParseLevel(logLevel); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: posd.yaml in . or ~/.config/posd)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "register", Title: "Register:"},
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
