package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/eleven-am/weft/internal/adapters/api"
	"github.com/eleven-am/weft/internal/adapters/compiler"
	"github.com/eleven-am/weft/internal/adapters/dispatch"
	"github.com/eleven-am/weft/internal/adapters/engine"
	"github.com/eleven-am/weft/internal/adapters/events"
	"github.com/eleven-am/weft/internal/adapters/journey"
	"github.com/eleven-am/weft/internal/adapters/memory"
	"github.com/eleven-am/weft/internal/adapters/observability"
	"github.com/eleven-am/weft/internal/adapters/schedule"
	"github.com/eleven-am/weft/internal/adapters/storage"
	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/google/uuid"
)

// Manager assembles the adapters into one running instance: storage driver,
// event manager, dispatcher, engine, journey stitcher, and the optional
// scheduler and HTTP server. Construction wires everything; Start and Stop
// walk the components in dependency order.
type Manager struct {
	config *domain.Config
	logger *slog.Logger

	driver     ports.StoragePort
	storage    *storage.AppStorage
	events     *events.Manager
	registry   *memory.WorkerRegistry
	dispatcher *dispatch.Dispatcher
	engine     *engine.Engine
	stitcher   *journey.Stitcher
	compiler   *compiler.Compiler
	scheduler  *schedule.Scheduler
	metrics    *observability.Metrics
	api        *api.Server

	mu      sync.Mutex
	started atomic.Bool
}

// New covers the common embedding: a non-empty dataDir selects badger
// persistence there, an empty one keeps state in memory. An empty httpAddr
// runs the instance without the HTTP surface.
func New(instanceID, httpAddr, dataDir string, logger *slog.Logger) (*Manager, error) {
	return NewWithConfig(domain.NewConfigFromSimple(instanceID, httpAddr, dataDir, logger))
}

func NewWithConfig(config *domain.Config) (*Manager, error) {
	if config == nil {
		return nil, domain.NewValidationError("config", "config cannot be nil")
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger

	driver, err := openDriver(config, logger)
	if err != nil {
		return nil, err
	}

	appStorage := storage.NewAppStorage(driver, logger)
	em := events.NewManager(logger)

	var metrics *observability.Metrics
	if config.Observability.EnableMetrics {
		metrics = observability.NewMetrics(config.Observability.Namespace)
		if err := metrics.Bind(em); err != nil {
			_ = driver.Close()
			return nil, err
		}
	}

	registry := memory.NewWorkerRegistry(logger)
	dispatcher := dispatch.NewDispatcher(registry, config.Engine, logger)
	eng := engine.New(config.Engine, appStorage, dispatcher, em, logger)
	dispatcher.SetCompletionSink(func(ctx context.Context, cb ports.CallbackRequest) {
		_ = eng.HandleCallback(ctx, cb)
	})

	stitcher := journey.NewStitcher(appStorage, em, eng, logger)

	m := &Manager{
		config:     config,
		logger:     logger.With("component", "manager", "instance", config.InstanceID),
		driver:     driver,
		storage:    appStorage,
		events:     em,
		registry:   registry,
		dispatcher: dispatcher,
		engine:     eng,
		stitcher:   stitcher,
		compiler:   compiler.NewCompiler(logger),
		metrics:    metrics,
	}

	if config.Schedule.Enabled {
		m.scheduler = schedule.NewScheduler(config.Schedule, appStorage, eng, logger)
	}

	// The HTTP surface is opt-in: a library embedding leaves Addr empty and
	// drives everything through the facade.
	if config.HTTP.Addr != "" {
		m.api = api.NewServer(config.HTTP, eng, stitcher, m.compiler, appStorage, metrics, logger)
		m.api.SetReady(m.IsStarted)
		if config.Observability.EnablePprof {
			m.api.EnablePprof()
		}
	}

	return m, nil
}

func openDriver(config *domain.Config, logger *slog.Logger) (ports.StoragePort, error) {
	switch config.Storage.Driver {
	case domain.StorageMemory, "":
		return memory.NewStore(), nil
	case domain.StorageBadger:
		return storage.NewBadgerStore(config.DataDir, config.Storage.SyncWrites, logger)
	case domain.StoragePostgres:
		return storage.NewPostgresStore(context.Background(), config.Storage.PostgresDSN, logger)
	default:
		return nil, domain.NewValidationError("storage", "unknown driver "+string(config.Storage.Driver))
	}
}

// Start brings the instance online. The dispatcher starts before the engine
// because the engine's recovery scan submits work; the HTTP server starts
// last so it never accepts traffic for half-started components.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started.Load() {
		return domain.ErrAlreadyStarted
	}

	type step struct {
		name  string
		start func(context.Context) error
		stop  func() error
	}
	steps := []step{
		{"events", m.events.Start, m.events.Stop},
		{"dispatcher", m.dispatcher.Start, m.dispatcher.Stop},
		{"engine", m.engine.Start, m.engine.Stop},
		{"journey", m.stitcher.Start, m.stitcher.Stop},
	}
	if m.scheduler != nil {
		steps = append(steps, step{"scheduler", m.scheduler.Start, m.scheduler.Stop})
	}
	if m.api != nil {
		steps = append(steps, step{"api", m.api.Start, m.api.Stop})
	}

	for i, s := range steps {
		if err := s.start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if stopErr := steps[j].stop(); stopErr != nil {
					m.logger.Error("rollback stop failed", "component", steps[j].name, "error", stopErr)
				}
			}
			return domain.NewInternalError("start "+s.name, err)
		}
	}

	m.started.Store(true)
	m.logger.Info("instance started",
		"storage", string(m.config.Storage.Driver),
		"scheduler", m.scheduler != nil,
		"http", m.api != nil,
	)
	return nil
}

// Stop tears components down in reverse start order and closes the storage
// driver last.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started.Load() {
		return domain.ErrNotStarted
	}
	m.started.Store(false)

	var errs []error
	stopOne := func(name string, stop func() error) {
		if err := stop(); err != nil && !errors.Is(err, domain.ErrNotStarted) {
			m.logger.Error("component stop failed", "component", name, "error", err)
			errs = append(errs, err)
		}
	}

	if m.api != nil {
		stopOne("api", m.api.Stop)
	}
	if m.scheduler != nil {
		stopOne("scheduler", m.scheduler.Stop)
	}
	stopOne("journey", m.stitcher.Stop)
	stopOne("engine", m.engine.Stop)
	stopOne("dispatcher", m.dispatcher.Stop)
	stopOne("events", m.events.Stop)
	stopOne("storage", m.driver.Close)

	m.logger.Info("instance stopped")
	return errors.Join(errs...)
}

// IsStarted is lock-free so the HTTP readiness probe can call it while Stop
// holds the lifecycle lock waiting for in-flight requests to drain.
func (m *Manager) IsStarted() bool {
	return m.started.Load()
}

// RegisterWorker binds a local handler name usable from worker node configs.
func (m *Manager) RegisterWorker(name string, handler ports.HandlerFunc) error {
	return m.registry.Register(name, handler)
}

func (m *Manager) UnregisterWorker(name string) error {
	return m.registry.Unregister(name)
}

// PublishGraph compiles the editable graph against the next version number
// and stores the snapshot. In-flight runs keep the version they pinned.
func (m *Manager) PublishGraph(graph domain.Graph) (*domain.ExecutionGraph, error) {
	if graph.ID == "" {
		return nil, domain.NewValidationError("graph", "id cannot be empty")
	}
	version, err := m.storage.NextGraphVersion(graph.ID)
	if err != nil {
		return nil, err
	}
	graph.Version = version

	compiled, err := m.compiler.Compile(graph)
	if err != nil {
		return nil, err
	}
	if err := m.storage.SaveGraph(compiled); err != nil {
		return nil, err
	}
	return compiled, nil
}

func (m *Manager) GetGraph(graphID string) (*domain.ExecutionGraph, error) {
	return m.storage.LatestGraph(graphID)
}

func (m *Manager) StartRun(ctx context.Context, graphRef string, trigger domain.Trigger, entityID string) (*domain.Run, error) {
	return m.engine.StartRun(ctx, graphRef, trigger, entityID)
}

func (m *Manager) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	return m.engine.GetRun(ctx, runID)
}

func (m *Manager) GetRunStatus(ctx context.Context, runID string) (*ports.RunStatusReport, error) {
	return m.engine.GetRunStatus(ctx, runID)
}

func (m *Manager) ListRuns(ctx context.Context, filter ports.RunFilter) ([]*domain.Run, error) {
	return m.engine.ListRuns(ctx, filter)
}

func (m *Manager) HandleCallback(ctx context.Context, cb ports.CallbackRequest) error {
	err := m.engine.HandleCallback(ctx, cb)
	if m.metrics != nil {
		m.metrics.ObserveCallback(err)
	}
	return err
}

func (m *Manager) RetryNode(ctx context.Context, runID, nodeKey string) error {
	return m.engine.RetryNode(ctx, runID, nodeKey)
}

func (m *Manager) CompleteUserTask(ctx context.Context, runID, nodeKey string, output map[string]interface{}) error {
	return m.engine.CompleteUserTask(ctx, runID, nodeKey, output)
}

func (m *Manager) GetEntity(ctx context.Context, entityID string) (*domain.Entity, error) {
	return m.stitcher.GetEntity(ctx, entityID)
}

func (m *Manager) GetJourney(ctx context.Context, entityID string) ([]domain.JourneyEvent, error) {
	return m.stitcher.GetJourney(ctx, entityID)
}

func (m *Manager) MoveEntity(ctx context.Context, entityID, graphID, toNodeID, reason string) (*domain.Entity, error) {
	return m.stitcher.MoveEntity(ctx, entityID, graphID, toNodeID, reason)
}

func (m *Manager) AddSchedule(s domain.Schedule) error {
	if m.scheduler == nil {
		return domain.NewValidationError("schedule", "scheduling is disabled in this instance")
	}
	return m.scheduler.Add(s)
}

func (m *Manager) RemoveSchedule(name string) error {
	if m.scheduler == nil {
		return domain.NewValidationError("schedule", "scheduling is disabled in this instance")
	}
	return m.scheduler.Remove(name)
}

func (m *Manager) ListSchedules() []domain.Schedule {
	if m.scheduler == nil {
		return nil
	}
	return m.scheduler.List()
}

func (m *Manager) ExecutionMetrics() domain.ExecutionMetrics {
	return m.engine.GetExecutionMetrics()
}

// HTTPAddr reports where the API server is listening, empty when HTTP is
// disabled or the instance is stopped.
func (m *Manager) HTTPAddr() string {
	if m.api == nil {
		return ""
	}
	return m.api.Addr()
}

func (m *Manager) OnRunStarted(handler func(*domain.RunStartedEvent)) error {
	return m.events.OnRunStarted(handler)
}

func (m *Manager) OnRunCompleted(handler func(*domain.RunCompletedEvent)) error {
	return m.events.OnRunCompleted(handler)
}

func (m *Manager) OnRunFailed(handler func(*domain.RunFailedEvent)) error {
	return m.events.OnRunFailed(handler)
}

func (m *Manager) OnNodeCompleted(handler func(*domain.NodeCompletedEvent)) error {
	return m.events.OnNodeCompleted(handler)
}

func (m *Manager) OnNodeFailed(handler func(*domain.NodeFailedEvent)) error {
	return m.events.OnNodeFailed(handler)
}

func (m *Manager) OnUserTaskCreated(handler func(*domain.UserTaskCreatedEvent)) error {
	return m.events.OnUserTaskCreated(handler)
}

func (m *Manager) OnEntityAdvanced(handler func(*domain.EntityAdvancedEvent)) error {
	return m.events.OnEntityAdvanced(handler)
}

func (m *Manager) OnJourneyEnded(handler func(*domain.JourneyEndedEvent)) error {
	return m.events.OnJourneyEnded(handler)
}
