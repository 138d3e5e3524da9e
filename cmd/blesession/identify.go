package main

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blesession/internal/config"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/session"
)

type identifyOptions struct {
	char    string
	payload string
	timeout time.Duration
}

func newIdentifyCmd() *cobra.Command {
	opts := &identifyOptions{}

	cmd := &cobra.Command{
		Use:   "identify",
		Short: "Make the sensor blink its LED",
		Long: `Connects to the configured target and writes the identify payload, which
makes an Xsens DOT blink its LED so it can be told apart from its neighbours.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIdentify(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.char, "char", device.XsensIdentifyCharUUID, "Characteristic to write")
	cmd.Flags().StringVar(&opts.payload, "payload", "01", "Payload as hex")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", time.Minute, "Give up if the device is not connected in time")
	return cmd
}

func runIdentify(cmd *cobra.Command, opts *identifyOptions) error {
	payload, err := hex.DecodeString(opts.payload)
	if err != nil || len(payload) == 0 {
		return fmt.Errorf("invalid payload %q: must be non-empty hex", opts.payload)
	}
	if _, err := device.ValidateUUID(opts.char); err != nil {
		return fmt.Errorf("invalid characteristic: %w", err)
	}

	e, err := setup(cmd, func(s *config.Session) {
		// The identify characteristic lives in a different service than the
		// battery one, so validate characteristics across the whole profile.
		s.ServiceID = ""
		s.AutoReconnect = false
		for _, id := range s.CharacteristicIDs {
			if device.NormalizeUUID(id) == device.NormalizeUUID(opts.char) {
				return
			}
		}
		s.CharacteristicIDs = append(s.CharacteristicIDs, opts.char)
	}, true)
	if err != nil {
		return err
	}

	m := session.New(e.tr, e.logger)
	defer m.Close()
	sub := m.Subscribe(func(ev session.Event) bool { return ev.Kind == session.EventStateChanged }, e.cfg.Session.EventQueueCapacity)

	ctx, cancel := interruptContext(cmd.Context())
	defer cancel()
	ctx, stop := waitContext(ctx, opts.timeout)
	defer stop()

	if err := m.Start(e.cfg.Session); err != nil {
		return err
	}

	err = runUntil(ctx, sub, func(ev session.Event) (bool, error) {
		if err := sessionFailure(ev, false); err != nil {
			return true, err
		}
		k := ev.State.Kind
		return k == session.Connected || k == session.Streaming, nil
	})
	if err != nil {
		return deadlineError(err, "connection", opts.timeout)
	}

	if err := m.Write(ctx, opts.char, payload); err != nil {
		return err
	}

	target, _ := m.Target()
	fmt.Fprintf(cmd.OutOrStdout(), "Identify command sent to %s (%s)\n", target.DisplayName(), target.ID)
	return m.Close()
}
