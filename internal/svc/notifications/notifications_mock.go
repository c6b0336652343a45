package notifications

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/elevatehq/realtime/data/model"
)

// MockInstance is an in-memory persistence stand-in for test wiring.
type MockInstance struct {
	mx         sync.Mutex
	records    map[string]model.Notification
	pushTokens map[string]string
}

func NewMock() *MockInstance {
	return &MockInstance{
		records:    map[string]model.Notification{},
		pushTokens: map[string]string{},
	}
}

func (m *MockInstance) SetPushToken(ownerID string, token string) {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.pushTokens[ownerID] = token
}

func (m *MockInstance) Create(_ context.Context, n model.Notification) (model.Notification, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if n.ID.IsZero() {
		n.ID = primitive.NewObjectID()
	}

	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	m.records[n.ID.Hex()] = n

	return n, nil
}

func (m *MockInstance) MarkRead(_ context.Context, id string, ownerID string) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	if n, ok := m.records[id]; ok && n.OwnerID == ownerID {
		now := time.Now()
		n.Read = true
		n.ReadAt = &now
		m.records[id] = n
	}

	return nil
}

func (m *MockInstance) MarkAllRead(_ context.Context, ownerID string) (int64, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	var count int64

	now := time.Now()

	for id, n := range m.records {
		if n.OwnerID == ownerID && !n.Read {
			n.Read = true
			n.ReadAt = &now
			m.records[id] = n
			count++
		}
	}

	return count, nil
}

func (m *MockInstance) Delete(_ context.Context, id string, ownerID string) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	if n, ok := m.records[id]; ok && n.OwnerID == ownerID {
		delete(m.records, id)
	}

	return nil
}

func (m *MockInstance) FindHistory(_ context.Context, ownerID string, page int, limit int) ([]model.Notification, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if page < 1 {
		page = 1
	}

	if limit < 1 {
		limit = 20
	}

	items := []model.Notification{}
	for _, n := range m.records {
		if n.OwnerID == ownerID {
			items = append(items, n)
		}
	}

	sort.Slice(items, func(a, b int) bool {
		return items[a].CreatedAt.After(items[b].CreatedAt)
	})

	start := (page - 1) * limit
	if start >= len(items) {
		return []model.Notification{}, nil
	}

	end := start + limit
	if end > len(items) {
		end = len(items)
	}

	return items[start:end], nil
}

func (m *MockInstance) CountUnread(_ context.Context, ownerID string) (int64, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	var count int64

	for _, n := range m.records {
		if n.OwnerID == ownerID && !n.Read {
			count++
		}
	}

	return count, nil
}

func (m *MockInstance) PushToken(_ context.Context, ownerID string) (string, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	return m.pushTokens[ownerID], nil
}

func (m *MockInstance) ClearPushToken(_ context.Context, ownerID string) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	delete(m.pushTokens, ownerID)

	return nil
}
