package schedule

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/weft/internal/adapters/storage"
	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/robfig/cron/v3"
)

// RunStarter is the slice of the engine a firing schedule needs.
type RunStarter interface {
	StartRun(ctx context.Context, graphRef string, trigger domain.Trigger, entityID string) (*domain.Run, error)
}

// specParser accepts the standard five-field syntax plus the @every and
// @daily style descriptors. Definitions are validated with the same parser
// the runner uses, so nothing unparseable ever reaches the store.
var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler starts runs on cron cadences. Definitions are persisted, so a
// restart re-registers every enabled schedule; only the in-memory cron
// entries are process-local.
type Scheduler struct {
	config  domain.ScheduleConfig
	storage *storage.AppStorage
	starter RunStarter
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	baseCtx context.Context
	cancel  context.CancelFunc
	runner  *cron.Cron
	entries map[string]cron.EntryID
	defs    map[string]domain.Schedule
}

var _ ports.SchedulerPort = (*Scheduler)(nil)

func NewScheduler(config domain.ScheduleConfig, appStorage *storage.AppStorage, starter RunStarter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		config:  config,
		storage: appStorage,
		starter: starter,
		logger:  logger.With("component", "scheduler"),
		entries: make(map[string]cron.EntryID),
		defs:    make(map[string]domain.Schedule),
	}
}

// Start loads the persisted definitions, registers the enabled ones, and
// begins firing. Definitions that no longer parse are skipped with an error
// log rather than blocking the rest of the table.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return domain.ErrAlreadyStarted
	}

	location := time.Local
	if s.config.Location != "" {
		loc, err := time.LoadLocation(s.config.Location)
		if err != nil {
			return domain.NewValidationError("schedule", "unknown location "+s.config.Location)
		}
		location = loc
	}

	stored, err := s.storage.ListSchedules()
	if err != nil {
		return err
	}

	s.runner = cron.New(cron.WithParser(specParser), cron.WithLocation(location))
	s.entries = make(map[string]cron.EntryID)
	s.defs = make(map[string]domain.Schedule, len(stored))
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	for _, def := range stored {
		s.defs[def.Name] = def
		if !def.Enabled {
			continue
		}
		if err := s.register(def); err != nil {
			s.logger.Error("stored schedule no longer parses, skipped", "name", def.Name, "spec", def.Spec, "error", err)
		}
	}

	s.runner.Start()
	s.logger.Info("scheduler started", "schedules", len(s.defs), "location", location.String())
	return nil
}

// Stop halts firing and waits for in-flight jobs to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return domain.ErrNotStarted
	}
	s.running = false
	runner := s.runner
	cancel := s.cancel
	s.runner = nil
	s.entries = make(map[string]cron.EntryID)
	s.mu.Unlock()

	cancel()
	<-runner.Stop().Done()

	s.logger.Info("scheduler stopped")
	return nil
}

// Add validates, persists, and registers a schedule. An existing definition
// with the same name is replaced; a disabled definition is persisted without
// being registered, which is how a schedule pauses.
func (s *Scheduler) Add(schedule domain.Schedule) error {
	if err := schedule.Validate(); err != nil {
		return err
	}
	if _, err := specParser.Parse(schedule.Spec); err != nil {
		return domain.NewValidationError("schedule", schedule.Name+": invalid cron spec "+schedule.Spec)
	}
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return domain.ErrNotStarted
	}

	if err := s.storage.SaveSchedule(schedule); err != nil {
		return err
	}

	if id, ok := s.entries[schedule.Name]; ok {
		s.runner.Remove(id)
		delete(s.entries, schedule.Name)
	}
	s.defs[schedule.Name] = schedule

	if schedule.Enabled {
		if err := s.register(schedule); err != nil {
			return err
		}
	}

	s.logger.Info("schedule saved", "name", schedule.Name, "spec", schedule.Spec, "graph_id", schedule.GraphID, "enabled", schedule.Enabled)
	return nil
}

func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return domain.ErrNotStarted
	}
	if _, ok := s.defs[name]; !ok {
		return domain.NewNotFoundError("schedule", name)
	}

	if err := s.storage.DeleteSchedule(name); err != nil {
		return err
	}
	if id, ok := s.entries[name]; ok {
		s.runner.Remove(id)
		delete(s.entries, name)
	}
	delete(s.defs, name)

	s.logger.Info("schedule removed", "name", name)
	return nil
}

func (s *Scheduler) List() []domain.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Schedule, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// register adds the cron entry for a definition. Callers hold s.mu.
func (s *Scheduler) register(def domain.Schedule) error {
	name := def.Name
	id, err := s.runner.AddFunc(def.Spec, func() { s.fire(name) })
	if err != nil {
		return domain.NewValidationError("schedule", name+": invalid cron spec "+def.Spec)
	}
	s.entries[name] = id
	return nil
}

// fire starts one run for a due schedule. The definition is re-read under
// the lock so a replacement between scheduling and firing wins.
func (s *Scheduler) fire(name string) {
	s.mu.Lock()
	def, ok := s.defs[name]
	ctx := s.baseCtx
	running := s.running
	s.mu.Unlock()

	if !running || !ok || !def.Enabled {
		return
	}

	trigger := domain.Trigger{
		Kind:       domain.TriggerSchedule,
		Source:     "schedule:" + name,
		Input:      def.Input,
		ReceivedAt: time.Now(),
	}

	run, err := s.starter.StartRun(ctx, def.GraphID, trigger, def.EntityID)
	if err != nil {
		s.logger.Error("scheduled run failed to start", "name", name, "graph_id", def.GraphID, "error", err)
		return
	}
	s.logger.Info("scheduled run started", "name", name, "graph_id", def.GraphID, "run_id", run.ID)
}
