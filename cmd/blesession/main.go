package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blesession",
		Short: "Xsens DOT BLE session manager",
		Long: `Drives an Xsens DOT sensor (or any BLE peripheral exposing a battery-style
characteristic) through a supervised session:

- Scan and discover nearby BLE devices
- Select the target by advertised name or pinned address
- Connect with per-attempt timeouts and bounded retries
- Stream battery readings by polling or notifications
- Recover from link loss and shut down cooperatively on Ctrl+C`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "Config file (default "+defaultConfigHint()+")")
	cmd.PersistentFlags().String("log-level", "", "Log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().String("transport", "", "BLE backend (goble, tinygo)")

	// Add -v as a short flag for --version
	cmd.Flags().BoolP("version", "v", false, "Show version information")

	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newMonitorCmd())
	cmd.AddCommand(newBatteryCmd())
	cmd.AddCommand(newIdentifyCmd())
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
