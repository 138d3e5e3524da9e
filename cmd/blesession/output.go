package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/internal/session"
	"golang.org/x/term"
)

const (
	formatText = "text"
	formatJSON = "json"
)

// eventView is the JSON shape of one session event.
type eventView struct {
	Seq     uint64            `json:"seq"`
	Time    time.Time         `json:"time"`
	Kind    session.EventKind `json:"kind"`
	From    string            `json:"from,omitempty"`
	State   string            `json:"state,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Device  *device.Record    `json:"device,omitempty"`
	Reading *readingView      `json:"reading,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type readingView struct {
	Characteristic string                `json:"characteristic"`
	Raw            string                `json:"raw"`
	Battery        *device.BatteryStatus `json:"battery,omitempty"`
	Degraded       string                `json:"degraded,omitempty"`
}

func newEventView(e session.Event) eventView {
	v := eventView{Seq: e.Seq, Time: e.Time, Kind: e.Kind, Device: e.Device}
	if e.From != nil {
		v.From = e.From.Kind.String()
	}
	if e.State != nil {
		v.State = e.State.Kind.String()
		v.Reason = e.State.Reason
		if e.State.Err != nil && e.Err == nil {
			v.Error = e.State.Err.Error()
		}
	}
	if e.Reading != nil {
		v.Reading = &readingView{
			Characteristic: e.Reading.CharacteristicID,
			Raw:            hex.EncodeToString(e.Reading.Raw),
			Battery:        e.Reading.Battery,
		}
		if e.Reading.Err != nil {
			v.Reading.Degraded = e.Reading.Err.Error()
		}
	}
	if e.Err != nil {
		v.Error = e.Err.Error()
	}
	return v
}

// eventPrinter renders session events as text lines or NDJSON.
type eventPrinter struct {
	w      io.Writer
	format string
	colors map[session.EventKind]*color.Color
}

func newEventPrinter(w io.Writer, format string, colorize bool) (*eventPrinter, error) {
	if format != formatText && format != formatJSON {
		return nil, fmt.Errorf("invalid format '%s': must be one of [%s %s]", format, formatText, formatJSON)
	}

	colors := map[session.EventKind]*color.Color{
		session.EventStateChanged:     color.New(color.FgCyan, color.Bold),
		session.EventDeviceDiscovered: color.New(color.FgBlue),
		session.EventReading:          color.New(color.FgGreen),
		session.EventError:            color.New(color.FgRed, color.Bold),
	}
	for _, c := range colors {
		if colorize {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return &eventPrinter{w: w, format: format, colors: colors}, nil
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p *eventPrinter) Print(e session.Event) error {
	if p.format == formatJSON {
		data, err := json.Marshal(newEventView(e))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(p.w, string(data))
		return err
	}
	_, err := fmt.Fprintln(p.w, p.text(e))
	return err
}

func (p *eventPrinter) text(e session.Event) string {
	var label, body string
	switch e.Kind {
	case session.EventStateChanged:
		label = "STATE"
		body = fmt.Sprintf("%s -> %s", e.From.Kind, e.State)
	case session.EventDeviceDiscovered:
		label = "FOUND"
		body = fmt.Sprintf("%s (%s) %d dBm", e.Device.DisplayName(), e.Device.ID, e.Device.RSSI)
	case session.EventReading:
		label = "READING"
		body = formatReading(*e.Reading)
	case session.EventError:
		label = "ERROR"
		body = e.Err.Error()
	default:
		label = string(e.Kind)
	}

	c := p.colors[e.Kind]
	if c != nil {
		label = c.Sprintf("%-7s", label)
	} else {
		label = fmt.Sprintf("%-7s", label)
	}
	return fmt.Sprintf("%s %s %s", e.Time.Format("15:04:05.000"), label, body)
}

// formatReading renders the battery text, or hex for undecodable payloads.
func formatReading(r device.Reading) string {
	var s string
	if r.Battery != nil {
		s = r.Battery.String()
	} else {
		s = "raw " + hex.EncodeToString(r.Raw)
	}
	if r.Err != nil {
		s += " (" + r.Err.Error() + ")"
	}
	return s
}

// transcript keeps the last size bytes written to it.
type transcript struct {
	mu   sync.Mutex
	size int
	rb   *ringbuffer.RingBuffer
}

func newTranscript(size int) *transcript {
	return &transcript{size: size, rb: ringbuffer.New(size)}
}

func (t *transcript) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if len(p) >= t.size {
		t.rb.Reset()
		p = p[len(p)-t.size:]
	}
	if free := t.rb.Free(); free < len(p) {
		discard := make([]byte, len(p)-free)
		if _, err := t.rb.Read(discard); err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return 0, err
		}
	}
	if _, err := t.rb.Write(p); err != nil {
		return 0, err
	}
	return n, nil
}

// String returns the retained bytes without consuming them.
func (t *transcript) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf := make([]byte, t.rb.Length())
	n, err := t.rb.Read(buf)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return ""
	}
	_, _ = t.rb.Write(buf[:n])
	return string(buf[:n])
}
