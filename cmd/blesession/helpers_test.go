package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/transport"
	"github.com/srg/blesession/internal/transport/transporttest"
	"github.com/stretchr/testify/require"
)

// Test device addresses for consistent fake device identification
const (
	TestDeviceAddress1 = "00:00:00:00:00:01"
	TestDeviceAddress2 = "00:00:00:00:00:02"
)

const fastConfig = `
log_level: error
session:
  target_name: "Xsens DOT"
  scan_timeout: 100ms
  connect_timeout: 50ms
  connect_retries: 1
  poll_interval: 10ms
  read_timeout: 50ms
`

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// useFakeTransport routes every command to fake for the rest of the test.
func useFakeTransport(t *testing.T, fake *transporttest.Fake) {
	t.Helper()
	original := transportFactory
	transportFactory = func(string, *logrus.Logger) (transport.Transport, error) {
		return fake, nil
	}
	t.Cleanup(func() { transportFactory = original })
}

func newSensorFake() *transporttest.Fake {
	fake := transporttest.NewFake(
		transport.Advertisement{ID: TestDeviceAddress1, Name: "Polar H10", RSSI: -71},
		transport.Advertisement{ID: TestDeviceAddress2, Name: "Xsens DOT", RSSI: -48},
	)
	fake.ReadPayload = []byte{55, 1}
	return fake
}

// executeCommand runs the root command with args and returns stdout, stderr.
func executeCommand(args ...string) (string, string, error) {
	cmd := newRootCmd()
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}
