package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesession/internal/config"
	"github.com/srg/blesession/internal/session"
)

type monitorOptions struct {
	format        string
	transcript    int
	duration      time.Duration
	notify        bool
	autoReconnect bool
}

func newMonitorCmd() *cobra.Command {
	opts := &monitorOptions{}

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run a full session and print every event",
		Long: `Runs a complete session against the configured target: scan, connect,
stream battery readings, and (optionally) reconnect after link loss.

Every session event is printed as it happens. Press Ctrl+C to stop; the
session releases the connection before the command exits.`,
		Example: `  # Poll the default Xsens DOT once per second
  blesession monitor

  # Use notifications and reconnect automatically, as NDJSON
  blesession monitor --notify --auto-reconnect --format json

  # Keep the last 4 KiB of output and print it again on exit
  blesession monitor --transcript 4096`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.format, "format", "f", formatText, "Output format (text, json)")
	cmd.Flags().IntVar(&opts.transcript, "transcript", 0, "Keep the last N bytes of output and print them on exit")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Stop after this long (0 runs until Ctrl+C)")
	cmd.Flags().BoolVar(&opts.notify, "notify", false, "Use notifications instead of polling")
	cmd.Flags().BoolVar(&opts.autoReconnect, "auto-reconnect", false, "Reconnect automatically after link loss")
	return cmd
}

func runMonitor(cmd *cobra.Command, opts *monitorOptions) error {
	if opts.transcript < 0 {
		return fmt.Errorf("transcript size must be >= 0")
	}

	out := cmd.OutOrStdout()
	colorize := opts.format == formatText && isTerminal(out)

	var tr *transcript
	if opts.transcript > 0 {
		tr = newTranscript(opts.transcript)
		out = io.MultiWriter(out, tr)
	}

	printer, err := newEventPrinter(out, opts.format, colorize)
	if err != nil {
		return err
	}

	e, err := setup(cmd, func(s *config.Session) {
		if opts.notify {
			s.ReadMode = config.ReadModeNotify
		}
		if cmd.Flags().Changed("auto-reconnect") {
			s.AutoReconnect = opts.autoReconnect
		}
	}, true)
	if err != nil {
		return err
	}

	m := session.New(e.tr, e.logger)
	sub := m.Subscribe(nil, e.cfg.Session.EventQueueCapacity)

	ctx, cancel := interruptContext(cmd.Context())
	defer cancel()
	ctx, stop := waitContext(ctx, opts.duration)
	defer stop()

	if err := m.Start(e.cfg.Session); err != nil {
		return err
	}

	runErr := runUntil(ctx, sub, func(ev session.Event) (bool, error) {
		if err := printer.Print(ev); err != nil {
			return true, err
		}
		if ev.Kind == session.EventStateChanged && ev.State.Kind == session.Failed {
			return true, ev.State.Err
		}
		return false, nil
	})
	if errors.Is(runErr, context.DeadlineExceeded) || errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	closeErr := m.Close()
	for ev := range sub.C() {
		_ = printer.Print(ev)
	}
	if dropped := sub.Dropped(); dropped > 0 {
		e.logger.WithField("dropped", dropped).Warn("Output fell behind, some events were not printed")
	}
	metrics := m.ReaderMetrics()
	e.logger.WithFields(logrus.Fields{
		"reads":       metrics.Reads,
		"skipped":     metrics.Skipped,
		"errors":      metrics.Errors,
		"overwritten": metrics.Overwritten,
	}).Info("Reader statistics")

	if tr != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "--- last %d bytes of output ---\n%s", opts.transcript, tr.String())
	}

	if runErr != nil {
		return runErr
	}
	return closeErr
}
