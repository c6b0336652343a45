package push

import (
	"context"
	"sync"

	"github.com/elevatehq/realtime/internal/errors"
)

// MockInstance records every dispatch instead of calling a provider. Used
// when push is disabled in config and throughout the test suites.
type MockInstance struct {
	mx   sync.Mutex
	sent []MockDelivery

	// Fail, when set, is returned for every Send call.
	Fail errors.APIError
}

type MockDelivery struct {
	DeviceToken string
	Title       string
	Body        string
	Data        map[string]string
}

func NewMock() *MockInstance {
	return &MockInstance{}
}

func (m *MockInstance) Send(_ context.Context, deviceToken string, title string, body string, data map[string]string) (string, errors.APIError) {
	if m.Fail != nil {
		return "", m.Fail
	}

	m.mx.Lock()
	defer m.mx.Unlock()

	m.sent = append(m.sent, MockDelivery{
		DeviceToken: deviceToken,
		Title:       title,
		Body:        body,
		Data:        data,
	})

	return "mock", nil
}

func (m *MockInstance) Sent() []MockDelivery {
	m.mx.Lock()
	defer m.mx.Unlock()

	return append([]MockDelivery{}, m.sent...)
}
