package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blesession/internal/config"
	"github.com/srg/blesession/internal/session"
)

type batteryOptions struct {
	timeout time.Duration
	format  string
}

func newBatteryCmd() *cobra.Command {
	opts := &batteryOptions{}

	cmd := &cobra.Command{
		Use:   "battery",
		Short: "Read the sensor battery level once",
		Long: `Scans for the configured target, connects, waits for the first battery
reading, prints it, and disconnects.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBattery(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.timeout, "timeout", time.Minute, "Give up if no reading arrives in time")
	cmd.Flags().StringVarP(&opts.format, "format", "f", formatText, "Output format (text, json)")
	return cmd
}

func runBattery(cmd *cobra.Command, opts *batteryOptions) error {
	if opts.format != formatText && opts.format != formatJSON {
		return fmt.Errorf("invalid format '%s': must be one of [%s %s]", opts.format, formatText, formatJSON)
	}

	e, err := setup(cmd, func(s *config.Session) {
		s.AutoReconnect = false
	}, true)
	if err != nil {
		return err
	}

	m := session.New(e.tr, e.logger)
	defer m.Close()
	sub := m.Subscribe(nil, e.cfg.Session.EventQueueCapacity)

	ctx, cancel := interruptContext(cmd.Context())
	defer cancel()
	ctx, stop := waitContext(ctx, opts.timeout)
	defer stop()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Reading battery", session.Scanning.String(), session.Streaming.String())
	progress.Start()
	defer progress.Stop()

	if err := m.Start(e.cfg.Session); err != nil {
		return err
	}

	err = runUntil(ctx, sub, func(ev session.Event) (bool, error) {
		if ev.Kind == session.EventStateChanged {
			progress.Phase(ev.State.Kind.String())
		}
		if err := sessionFailure(ev, false); err != nil {
			return true, err
		}
		if ev.Kind != session.EventReading {
			return false, nil
		}

		progress.Stop()
		if opts.format == formatJSON {
			data, err := json.Marshal(newEventView(ev).Reading)
			if err != nil {
				return true, err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return true, nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", ev.Device.DisplayName(), formatReading(*ev.Reading))
		return true, nil
	})
	if err != nil {
		return deadlineError(err, "battery reading", opts.timeout)
	}
	return m.Close()
}
