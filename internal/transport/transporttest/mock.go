package transporttest

import (
	"context"

	"github.com/srg/blesession/internal/transport"
	"github.com/stretchr/testify/mock"
)

// MockTransport is a testify mock of transport.Transport for expectation-style tests.
type MockTransport struct {
	mock.Mock
}

var _ transport.Transport = (*MockTransport)(nil)

// Handle is a trivial transport.Handle for use with MockTransport.
type Handle string

func (h Handle) DeviceID() string { return string(h) }

func (m *MockTransport) Scan(ctx context.Context, onFound func(transport.Advertisement)) error {
	args := m.Called(ctx, onFound)
	return args.Error(0)
}

func (m *MockTransport) Connect(ctx context.Context, id, serviceID string, characteristicIDs []string) (transport.Handle, error) {
	args := m.Called(ctx, id, serviceID, characteristicIDs)
	h, _ := args.Get(0).(transport.Handle)
	return h, args.Error(1)
}

func (m *MockTransport) Read(ctx context.Context, h transport.Handle, charID string) ([]byte, error) {
	args := m.Called(ctx, h, charID)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockTransport) Write(ctx context.Context, h transport.Handle, charID string, data []byte, withResponse bool) error {
	args := m.Called(ctx, h, charID, data, withResponse)
	return args.Error(0)
}

func (m *MockTransport) Subscribe(h transport.Handle, charID string, onData func([]byte)) (transport.Subscription, error) {
	args := m.Called(h, charID, onData)
	sub, _ := args.Get(0).(transport.Subscription)
	return sub, args.Error(1)
}

func (m *MockTransport) Disconnect(h transport.Handle) error {
	args := m.Called(h)
	return args.Error(0)
}

func (m *MockTransport) OnDisconnect(h transport.Handle, fn func(error)) {
	m.Called(h, fn)
}
