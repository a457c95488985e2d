package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

// Manager is the in-process event bus. Broadcast fans a typed event out to
// every registered handler on its own goroutine; a panicking handler is
// recovered and logged, never taking the runtime down with it.
type Manager struct {
	logger *slog.Logger

	mu      sync.RWMutex
	running bool

	runStartedHandlers      []func(*domain.RunStartedEvent)
	runCompletedHandlers    []func(*domain.RunCompletedEvent)
	runFailedHandlers       []func(*domain.RunFailedEvent)
	nodeCompletedHandlers   []func(*domain.NodeCompletedEvent)
	nodeFailedHandlers      []func(*domain.NodeFailedEvent)
	userTaskCreatedHandlers []func(*domain.UserTaskCreatedEvent)
	entityAdvancedHandlers  []func(*domain.EntityAdvancedEvent)
	journeyEndedHandlers    []func(*domain.JourneyEndedEvent)
}

var _ ports.EventManager = (*Manager)(nil)

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		logger: logger.With("component", "event-manager"),
	}
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return domain.ErrAlreadyStarted
	}

	m.running = true
	m.logger.Debug("event manager started")
	return nil
}

func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return domain.ErrNotStarted
	}

	m.running = false
	m.logger.Debug("event manager stopped")
	return nil
}

// Broadcast routes one event by concrete type. Unknown types are dropped
// with a warning rather than failing the caller.
func (m *Manager) Broadcast(event interface{}) error {
	m.mu.RLock()
	if !m.running {
		m.mu.RUnlock()
		return domain.ErrNotStarted
	}
	m.mu.RUnlock()

	switch e := event.(type) {
	case *domain.RunStartedEvent:
		m.notifyRunStarted(e)
	case *domain.RunCompletedEvent:
		m.notifyRunCompleted(e)
	case *domain.RunFailedEvent:
		m.notifyRunFailed(e)
	case *domain.NodeCompletedEvent:
		m.notifyNodeCompleted(e)
	case *domain.NodeFailedEvent:
		m.notifyNodeFailed(e)
	case *domain.UserTaskCreatedEvent:
		m.notifyUserTaskCreated(e)
	case *domain.EntityAdvancedEvent:
		m.notifyEntityAdvanced(e)
	case *domain.JourneyEndedEvent:
		m.notifyJourneyEnded(e)
	default:
		m.logger.Warn("dropping event of unknown type", "event", event)
	}
	return nil
}

func (m *Manager) OnRunStarted(handler func(*domain.RunStartedEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runStartedHandlers = append(m.runStartedHandlers, handler)
	return nil
}

func (m *Manager) OnRunCompleted(handler func(*domain.RunCompletedEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runCompletedHandlers = append(m.runCompletedHandlers, handler)
	return nil
}

func (m *Manager) OnRunFailed(handler func(*domain.RunFailedEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runFailedHandlers = append(m.runFailedHandlers, handler)
	return nil
}

func (m *Manager) OnNodeCompleted(handler func(*domain.NodeCompletedEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeCompletedHandlers = append(m.nodeCompletedHandlers, handler)
	return nil
}

func (m *Manager) OnNodeFailed(handler func(*domain.NodeFailedEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeFailedHandlers = append(m.nodeFailedHandlers, handler)
	return nil
}

func (m *Manager) OnUserTaskCreated(handler func(*domain.UserTaskCreatedEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userTaskCreatedHandlers = append(m.userTaskCreatedHandlers, handler)
	return nil
}

func (m *Manager) OnEntityAdvanced(handler func(*domain.EntityAdvancedEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entityAdvancedHandlers = append(m.entityAdvancedHandlers, handler)
	return nil
}

func (m *Manager) OnJourneyEnded(handler func(*domain.JourneyEndedEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journeyEndedHandlers = append(m.journeyEndedHandlers, handler)
	return nil
}

func (m *Manager) notifyRunStarted(event *domain.RunStartedEvent) {
	m.mu.RLock()
	handlers := make([]func(*domain.RunStartedEvent), len(m.runStartedHandlers))
	copy(handlers, m.runStartedHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler := handler
		go m.safeCall(func() { handler(event) })
	}
}

func (m *Manager) notifyRunCompleted(event *domain.RunCompletedEvent) {
	m.mu.RLock()
	handlers := make([]func(*domain.RunCompletedEvent), len(m.runCompletedHandlers))
	copy(handlers, m.runCompletedHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler := handler
		go m.safeCall(func() { handler(event) })
	}
}

func (m *Manager) notifyRunFailed(event *domain.RunFailedEvent) {
	m.mu.RLock()
	handlers := make([]func(*domain.RunFailedEvent), len(m.runFailedHandlers))
	copy(handlers, m.runFailedHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler := handler
		go m.safeCall(func() { handler(event) })
	}
}

func (m *Manager) notifyNodeCompleted(event *domain.NodeCompletedEvent) {
	m.mu.RLock()
	handlers := make([]func(*domain.NodeCompletedEvent), len(m.nodeCompletedHandlers))
	copy(handlers, m.nodeCompletedHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler := handler
		go m.safeCall(func() { handler(event) })
	}
}

func (m *Manager) notifyNodeFailed(event *domain.NodeFailedEvent) {
	m.mu.RLock()
	handlers := make([]func(*domain.NodeFailedEvent), len(m.nodeFailedHandlers))
	copy(handlers, m.nodeFailedHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler := handler
		go m.safeCall(func() { handler(event) })
	}
}

func (m *Manager) notifyUserTaskCreated(event *domain.UserTaskCreatedEvent) {
	m.mu.RLock()
	handlers := make([]func(*domain.UserTaskCreatedEvent), len(m.userTaskCreatedHandlers))
	copy(handlers, m.userTaskCreatedHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler := handler
		go m.safeCall(func() { handler(event) })
	}
}

func (m *Manager) notifyEntityAdvanced(event *domain.EntityAdvancedEvent) {
	m.mu.RLock()
	handlers := make([]func(*domain.EntityAdvancedEvent), len(m.entityAdvancedHandlers))
	copy(handlers, m.entityAdvancedHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler := handler
		go m.safeCall(func() { handler(event) })
	}
}

func (m *Manager) notifyJourneyEnded(event *domain.JourneyEndedEvent) {
	m.mu.RLock()
	handlers := make([]func(*domain.JourneyEndedEvent), len(m.journeyEndedHandlers))
	copy(handlers, m.journeyEndedHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler := handler
		go m.safeCall(func() { handler(event) })
	}
}

func (m *Manager) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panicked", "panic", r)
		}
	}()
	fn()
}
