package memory

import (
	"log/slog"
	"sync"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

// WorkerRegistry holds locally registered handler functions keyed by the
// name worker nodes reference in their config.
type WorkerRegistry struct {
	handlers map[string]ports.HandlerFunc
	mu       sync.RWMutex
	logger   *slog.Logger
}

var _ ports.WorkerRegistry = (*WorkerRegistry)(nil)

func NewWorkerRegistry(logger *slog.Logger) *WorkerRegistry {
	if logger == nil {
		logger = slog.Default()
	}

	return &WorkerRegistry{
		handlers: make(map[string]ports.HandlerFunc),
		logger:   logger.With("component", "registry", "type", "memory"),
	}
}

func (r *WorkerRegistry) Register(name string, handler ports.HandlerFunc) error {
	if handler == nil {
		return domain.NewValidationError("registry", "handler cannot be nil")
	}
	if name == "" {
		return domain.NewValidationError("registry", "handler name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		r.logger.Warn("handler registration conflict detected", "handler", name)
		return domain.NewConflictError("handler already registered: " + name)
	}

	r.handlers[name] = handler
	r.logger.Info("handler registered", "handler", name)
	return nil
}

func (r *WorkerRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; !exists {
		r.logger.Warn("attempt to unregister unknown handler", "handler", name)
		return domain.NewNotFoundError("handler", name)
	}

	delete(r.handlers, name)
	r.logger.Info("handler unregistered", "handler", name)
	return nil
}

func (r *WorkerRegistry) Get(name string) (ports.HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, exists := r.handlers[name]
	return handler, exists
}

func (r *WorkerRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}

	return names
}
