package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesession/internal/config"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/devicefactory"
	"github.com/srg/blesession/internal/eventbus"
	"github.com/srg/blesession/internal/session"
	"github.com/srg/blesession/internal/transport"
)

// transportFactory creates the BLE backend (can be overridden in tests)
var transportFactory = devicefactory.New

// env is what every command needs once flags and config are resolved.
type env struct {
	cfg    *config.Config
	logger *logrus.Logger
	tr     transport.Transport
}

// setup resolves configuration, lets the command adjust the session settings,
// validates, and creates the logger and transport. Session validation is
// skipped for discovery-only commands.
func setup(cmd *cobra.Command, adjust func(*config.Session), validateSession bool) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(&cfg.Session)
	}

	if validateSession {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}

	logger, err := configureLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	tr, err := transportFactory(cfg.Transport, logger)
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	return &env{cfg: cfg, logger: logger, tr: tr}, nil
}

// interruptContext is cancelled on Ctrl+C or SIGTERM.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// waitContext ends after d, or only with parent when d is zero.
func waitContext(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}

// runUntil feeds session events to handle until it reports done or fails,
// the subscription closes, or ctx ends.
func runUntil(ctx context.Context, sub *eventbus.Subscription[session.Event], handle func(session.Event) (bool, error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			done, err := handle(ev)
			if err != nil || done {
				return err
			}
		}
	}
}

// sessionFailure turns terminal transitions into command errors. A
// Disconnected session only ends the command when it will not reconnect.
func sessionFailure(ev session.Event, autoReconnect bool) error {
	if ev.Kind != session.EventStateChanged {
		return nil
	}
	switch ev.State.Kind {
	case session.Failed:
		return ev.State.Err
	case session.Disconnected:
		if !autoReconnect {
			return fmt.Errorf("%w: %s", ErrConnectionLost, ev.State.Reason)
		}
	}
	return nil
}

// deadlineError reports a command timeout in the session taxonomy and passes
// interrupts through unchanged.
func deadlineError(err error, what string, d time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return device.Errorf(device.KindTimeout, "no %s within %s", what, d)
	}
	return err
}
