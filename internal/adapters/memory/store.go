package memory

import (
	"encoding/binary"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

type entry struct {
	value     []byte
	version   int64
	updatedAt time.Time
}

// Store is the in-memory StoragePort used by tests and the memory driver.
// Semantics mirror the badger adapter exactly, including CAS versioning and
// key-ordered prefix listings.
type Store struct {
	mu     sync.RWMutex
	data   map[string]entry
	closed bool
}

var _ ports.StoragePort = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		data: make(map[string]entry),
	}
}

func (s *Store) Get(key string) ([]byte, int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, 0, false, domain.ErrNotStarted
	}

	e, ok := s.data[key]
	if !ok {
		return nil, 0, false, nil
	}

	value := append([]byte(nil), e.value...)
	return value, e.version, true, nil
}

func (s *Store) Put(key string, value []byte, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrNotStarted
	}

	return s.putLocked(key, value, version)
}

func (s *Store) putLocked(key string, value []byte, version int64) error {
	current, exists := s.data[key]

	switch {
	case version == 0 && exists:
		return domain.NewConflictError("key already exists: " + key)
	case version != 0 && !exists:
		return domain.NewConflictError("key vanished under writer: " + key)
	case version != 0 && current.version != version:
		return domain.NewConflictError("stale version for key: " + key)
	}

	s.data[key] = entry{
		value:     append([]byte(nil), value...),
		version:   version + 1,
		updatedAt: time.Now(),
	}
	return nil
}

func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrNotStarted
	}

	delete(s.data, key)
	return nil
}

func (s *Store) Exists(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, domain.ErrNotStarted
	}

	_, ok := s.data[key]
	return ok, nil
}

func (s *Store) BatchWrite(ops []ports.WriteOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrNotStarted
	}

	for _, op := range ops {
		if op.Type == ports.OpDelete {
			continue
		}
		if err := s.checkVersionLocked(op.Key, op.Version); err != nil {
			return err
		}
	}

	for _, op := range ops {
		switch op.Type {
		case ports.OpPut:
			if err := s.putLocked(op.Key, op.Value, op.Version); err != nil {
				return err
			}
		case ports.OpDelete:
			delete(s.data, op.Key)
		}
	}
	return nil
}

func (s *Store) checkVersionLocked(key string, version int64) error {
	current, exists := s.data[key]
	switch {
	case version == 0 && exists:
		return domain.NewConflictError("key already exists: " + key)
	case version != 0 && (!exists || current.version != version):
		return domain.NewConflictError("stale version for key: " + key)
	}
	return nil
}

func (s *Store) ListByPrefix(prefix string) ([]ports.KeyValueVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, domain.ErrNotStarted
	}

	var out []ports.KeyValueVersion
	for key, e := range s.data {
		if strings.HasPrefix(key, prefix) {
			out = append(out, ports.KeyValueVersion{
				Key:       key,
				Value:     append([]byte(nil), e.value...),
				Version:   e.version,
				UpdatedAt: e.updatedAt,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) CountPrefix(prefix string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, domain.ErrNotStarted
	}

	count := 0
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			count++
		}
	}
	return count, nil
}

func (s *Store) DeleteByPrefix(prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, domain.ErrNotStarted
	}

	deleted := 0
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			delete(s.data, key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) AtomicIncrement(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, domain.ErrNotStarted
	}

	var current int64
	if e, ok := s.data[key]; ok && len(e.value) == 8 {
		current = int64(binary.BigEndian.Uint64(e.value))
	}

	next := current + 1
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(next))

	prev := s.data[key]
	s.data[key] = entry{
		value:     value,
		version:   prev.version + 1,
		updatedAt: time.Now(),
	}
	return next, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.data = make(map[string]entry)
	return nil
}
