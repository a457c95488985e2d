package storage

import (
	"encoding/binary"
	"log/slog"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	json "github.com/goccy/go-json"
)

// AppStorage is the typed layer over the raw key-value port. It owns the key
// layout, the JSON codecs, and the version bookkeeping: the store's CAS
// counter is authoritative and is copied over whatever version number the
// marshalled record carried.
type AppStorage struct {
	store  ports.StoragePort
	logger *slog.Logger
}

func NewAppStorage(store ports.StoragePort, logger *slog.Logger) *AppStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &AppStorage{
		store:  store,
		logger: logger.With("component", "app-storage"),
	}
}

// NextGraphVersion allocates the next version number for a graph id. The
// first publish of a graph gets version 1.
func (s *AppStorage) NextGraphVersion(graphID string) (int64, error) {
	return s.store.AtomicIncrement(domain.GraphLatestKey(graphID))
}

// SaveGraph persists a compiled snapshot. Snapshots are immutable, so the
// write is create-only and a duplicate ref is a conflict.
func (s *AppStorage) SaveGraph(g *domain.ExecutionGraph) error {
	payload, err := json.Marshal(g)
	if err != nil {
		return domain.NewInternalError("marshal graph snapshot", err)
	}
	return s.store.Put(domain.GraphKey(g.Ref()), payload, 0)
}

func (s *AppStorage) GetGraph(ref string) (*domain.ExecutionGraph, error) {
	payload, _, exists, err := s.store.Get(domain.GraphKey(ref))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.NewNotFoundError("graph", ref)
	}

	var g domain.ExecutionGraph
	if err := json.Unmarshal(payload, &g); err != nil {
		return nil, domain.NewInternalError("unmarshal graph snapshot", err)
	}
	return &g, nil
}

// LatestGraphVersion reports the newest published version for a graph id,
// zero when the graph has never been published.
func (s *AppStorage) LatestGraphVersion(graphID string) (int64, error) {
	payload, _, exists, err := s.store.Get(domain.GraphLatestKey(graphID))
	if err != nil {
		return 0, err
	}
	if !exists || len(payload) != 8 {
		return 0, nil
	}
	return int64(binary.BigEndian.Uint64(payload)), nil
}

// ResolveGraphRef expands a bare graph id into the ref of its latest
// published version. Inputs already carrying "@v" pass through untouched.
func (s *AppStorage) ResolveGraphRef(graphID string) (string, error) {
	version, err := s.LatestGraphVersion(graphID)
	if err != nil {
		return "", err
	}
	if version == 0 {
		return "", domain.NewNotFoundError("graph", graphID)
	}
	return domain.GraphRef(graphID, version), nil
}

func (s *AppStorage) LatestGraph(graphID string) (*domain.ExecutionGraph, error) {
	ref, err := s.ResolveGraphRef(graphID)
	if err != nil {
		return nil, err
	}
	return s.GetGraph(ref)
}

func (s *AppStorage) ListGraphs() ([]*domain.ExecutionGraph, error) {
	items, err := s.store.ListByPrefix(domain.GraphPrefix)
	if err != nil {
		return nil, err
	}

	graphs := make([]*domain.ExecutionGraph, 0, len(items))
	for _, item := range items {
		var g domain.ExecutionGraph
		if err := json.Unmarshal(item.Value, &g); err != nil {
			return nil, domain.NewInternalError("unmarshal graph snapshot", err)
		}
		graphs = append(graphs, &g)
	}
	return graphs, nil
}

func (s *AppStorage) CreateRun(run *domain.Run) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return domain.NewInternalError("marshal run", err)
	}
	if err := s.store.Put(domain.RunKey(run.ID), payload, 0); err != nil {
		return err
	}
	run.Version = 1
	return nil
}

func (s *AppStorage) GetRun(id string) (*domain.Run, error) {
	payload, version, exists, err := s.store.Get(domain.RunKey(id))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.NewNotFoundError("run", id)
	}

	var run domain.Run
	if err := json.Unmarshal(payload, &run); err != nil {
		return nil, domain.NewInternalError("unmarshal run", err)
	}
	run.Version = version
	return &run, nil
}

// UpdateRun writes the run back under its current version. A conflict means
// another writer got there first; callers re-read and reapply.
func (s *AppStorage) UpdateRun(run *domain.Run) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return domain.NewInternalError("marshal run", err)
	}
	if err := s.store.Put(domain.RunKey(run.ID), payload, run.Version); err != nil {
		return err
	}
	run.Version++
	return nil
}

func (s *AppStorage) ListRuns() ([]*domain.Run, error) {
	items, err := s.store.ListByPrefix(domain.RunPrefix)
	if err != nil {
		return nil, err
	}

	runs := make([]*domain.Run, 0, len(items))
	for _, item := range items {
		var run domain.Run
		if err := json.Unmarshal(item.Value, &run); err != nil {
			return nil, domain.NewInternalError("unmarshal run", err)
		}
		run.Version = item.Version
		runs = append(runs, &run)
	}
	return runs, nil
}

func (s *AppStorage) GetEntity(id string) (*domain.Entity, error) {
	payload, version, exists, err := s.store.Get(domain.EntityKey(id))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.NewNotFoundError("entity", id)
	}

	var entity domain.Entity
	if err := json.Unmarshal(payload, &entity); err != nil {
		return nil, domain.NewInternalError("unmarshal entity", err)
	}
	entity.Version = version
	return &entity, nil
}

// SaveEntity creates or updates under CAS; a zero Version creates.
func (s *AppStorage) SaveEntity(entity *domain.Entity) error {
	payload, err := json.Marshal(entity)
	if err != nil {
		return domain.NewInternalError("marshal entity", err)
	}
	if err := s.store.Put(domain.EntityKey(entity.ID), payload, entity.Version); err != nil {
		return err
	}
	entity.Version++
	return nil
}

func (s *AppStorage) ListEntities() ([]*domain.Entity, error) {
	items, err := s.store.ListByPrefix(domain.EntityPrefix)
	if err != nil {
		return nil, err
	}

	entities := make([]*domain.Entity, 0, len(items))
	for _, item := range items {
		var entity domain.Entity
		if err := json.Unmarshal(item.Value, &entity); err != nil {
			return nil, domain.NewInternalError("unmarshal entity", err)
		}
		entity.Version = item.Version
		entities = append(entities, &entity)
	}
	return entities, nil
}

// AppendJourneyEvent writes one log entry. Keys embed the occurrence time,
// so a prefix scan replays the journey in order.
func (s *AppStorage) AppendJourneyEvent(event domain.JourneyEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return domain.NewInternalError("marshal journey event", err)
	}
	key := domain.JourneyEventKey(event.EntityID, event.OccurredAt, event.ID)
	return s.store.Put(key, payload, 0)
}

func (s *AppStorage) ListJourney(entityID string) ([]domain.JourneyEvent, error) {
	items, err := s.store.ListByPrefix(domain.JourneyEntityPrefix(entityID))
	if err != nil {
		return nil, err
	}

	events := make([]domain.JourneyEvent, 0, len(items))
	for _, item := range items {
		var event domain.JourneyEvent
		if err := json.Unmarshal(item.Value, &event); err != nil {
			return nil, domain.NewInternalError("unmarshal journey event", err)
		}
		events = append(events, event)
	}
	return events, nil
}

func (s *AppStorage) SaveSchedule(schedule domain.Schedule) error {
	payload, err := json.Marshal(schedule)
	if err != nil {
		return domain.NewInternalError("marshal schedule", err)
	}

	_, version, _, err := s.store.Get(domain.ScheduleKey(schedule.Name))
	if err != nil {
		return err
	}
	return s.store.Put(domain.ScheduleKey(schedule.Name), payload, version)
}

func (s *AppStorage) DeleteSchedule(name string) error {
	return s.store.Delete(domain.ScheduleKey(name))
}

func (s *AppStorage) ListSchedules() ([]domain.Schedule, error) {
	items, err := s.store.ListByPrefix(domain.SchedulePrefix)
	if err != nil {
		return nil, err
	}

	schedules := make([]domain.Schedule, 0, len(items))
	for _, item := range items {
		var schedule domain.Schedule
		if err := json.Unmarshal(item.Value, &schedule); err != nil {
			return nil, domain.NewInternalError("unmarshal schedule", err)
		}
		schedules = append(schedules, schedule)
	}
	return schedules, nil
}
