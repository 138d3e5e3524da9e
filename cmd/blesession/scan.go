package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blesession/internal/config"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/session"
)

type scanOptions struct {
	duration time.Duration
	name     string
	format   string
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{}

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE devices",
		Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Devices are listed once per address, in the order they were first seen.
With --name the scan ends as soon as a device advertising that exact name
is found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, opts)
		},
	}

	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 10*time.Second, "Scan duration")
	cmd.Flags().StringVar(&opts.name, "name", "", "Stop at the first device with this exact name")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "table", "Output format (table, json)")
	return cmd
}

func runScan(cmd *cobra.Command, opts *scanOptions) error {
	if opts.format != "table" && opts.format != formatJSON {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", opts.format)
	}
	if opts.duration <= 0 {
		return fmt.Errorf("duration must be > 0")
	}

	e, err := setup(cmd, func(s *config.Session) {
		s.ScanTimeout = opts.duration
		s.TargetName = opts.name
		s.TargetAddress = ""
	}, false)
	if err != nil {
		return err
	}

	ctx, cancel := interruptContext(cmd.Context())
	defer cancel()

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", "Scanning", opts.duration)
	progress.Start()

	sc := session.NewScanCoordinator(e.tr, e.logger)
	done := make(chan session.ScanResult, 1)
	h := sc.Scan(ctx, e.cfg.Session, nil, func(res session.ScanResult) { done <- res })

	var res session.ScanResult
	select {
	case res = <-done:
	case <-ctx.Done():
		h.Cancel()
		res = <-done
	}
	<-h.Done()
	progress.Stop()

	if res.Err != nil && !errors.Is(res.Err, device.ErrNotFound) && !errors.Is(res.Err, device.ErrCancelled) {
		return res.Err
	}

	devices := sc.Snapshot()
	if opts.format == formatJSON {
		return displayDevicesJSON(cmd.OutOrStdout(), devices)
	}
	if res.Selected != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Found %s (%s)\n", res.Selected.DisplayName(), res.Selected.ID)
	}
	return displayDevicesTable(cmd.OutOrStdout(), devices, time.Now())
}

func displayDevicesTable(out io.Writer, devices []device.Record, now time.Time) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tLAST SEEN")
	fmt.Fprintln(w, "----\t-------\t----\t---------")

	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		lastSeen := now.Sub(d.LastSeen).Truncate(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s ago\n", name, d.ID, d.RSSI, lastSeen)
	}
	return w.Flush()
}

func displayDevicesJSON(out io.Writer, devices []device.Record) error {
	if devices == nil {
		devices = []device.Record{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(devices)
}
