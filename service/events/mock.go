package events

import (
	"context"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu              sync.RWMutex
	publishedEvents []*LifecycleEvent
	publishError    error
	closed          bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		publishedEvents: make([]*LifecycleEvent, 0),
	}
}

// PublishLifecycle records the event and returns any configured error.
func (m *MockPublisher) PublishLifecycle(ctx context.Context, event *LifecycleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	m.publishedEvents = append(m.publishedEvents, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEvents returns all published events (for testing).
func (m *MockPublisher) GetPublishedEvents() []*LifecycleEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*LifecycleEvent, len(m.publishedEvents))
	copy(events, m.publishedEvents)
	return events
}

// GetStatuses returns just the status of each published event, in order.
func (m *MockPublisher) GetStatuses() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]string, 0, len(m.publishedEvents))
	for _, event := range m.publishedEvents {
		statuses = append(statuses, event.Status)
	}
	return statuses
}

// SetPublishError configures the mock to return an error on PublishLifecycle.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishedEvents = make([]*LifecycleEvent, 0)
	m.publishError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
