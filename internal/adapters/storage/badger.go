package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

// Records are stored as an 8-byte big-endian version, an 8-byte big-endian
// unix-nano update timestamp, then the payload. Keeping the version inside
// the record lets every CAS check happen in the same transaction as the
// write.
const recordHeaderSize = 16

func encodeRecord(version int64, updatedAt time.Time, payload []byte) []byte {
	buf := make([]byte, recordHeaderSize+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(version))
	binary.BigEndian.PutUint64(buf[8:16], uint64(updatedAt.UnixNano()))
	copy(buf[recordHeaderSize:], payload)
	return buf
}

func decodeRecord(raw []byte) (version int64, updatedAt time.Time, payload []byte, err error) {
	if len(raw) < recordHeaderSize {
		return 0, time.Time{}, nil, domain.Error{
			Type:    domain.ErrorTypeInternal,
			Message: "corrupt storage record",
			Details: map[string]interface{}{
				"length": len(raw),
			},
		}
	}
	version = int64(binary.BigEndian.Uint64(raw[0:8]))
	updatedAt = time.Unix(0, int64(binary.BigEndian.Uint64(raw[8:16]))).UTC()
	payload = make([]byte, len(raw)-recordHeaderSize)
	copy(payload, raw[recordHeaderSize:])
	return version, updatedAt, payload, nil
}

// BadgerStore is the durable StoragePort. One badger database holds every
// record; prefix scans come out in key order, which the journey log and
// graph listings rely on.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
	gcStop chan struct{}
	gcDone chan struct{}
}

var _ ports.StoragePort = (*BadgerStore)(nil)

func NewBadgerStore(dataDir string, syncWrites bool, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, domain.Error{
			Type:    domain.ErrorTypeInternal,
			Message: "failed to create data directory",
			Details: map[string]interface{}{
				"data_dir": dataDir,
				"error":    err.Error(),
			},
		}
	}

	statePath := filepath.Join(dataDir, "state")

	opts := badger.DefaultOptions(statePath)
	opts.SyncWrites = syncWrites
	opts.NumVersionsToKeep = 1
	opts.Logger = &badgerLogger{logger: logger.With("component", "badger-state")}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, domain.Error{
			Type:    domain.ErrorTypeInternal,
			Message: "failed to open state database",
			Details: map[string]interface{}{
				"state_path": statePath,
				"error":      err.Error(),
			},
		}
	}

	s := &BadgerStore{
		db:     db,
		logger: logger.With("component", "storage", "driver", "badger"),
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}

	go s.runGarbageCollection()

	return s, nil
}

func (s *BadgerStore) Get(key string) (value []byte, version int64, exists bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		version, _, value, err = decodeRecord(raw)
		if err != nil {
			return err
		}

		exists = true
		return nil
	})

	return value, version, exists, err
}

func (s *BadgerStore) Put(key string, value []byte, version int64) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := currentVersion(txn, key)
		if err != nil {
			return err
		}
		if err := checkVersion(key, current, version); err != nil {
			return err
		}
		return txn.Set([]byte(key), encodeRecord(current+1, time.Now(), value))
	})
	return s.translateTxnErr(err)
}

func (s *BadgerStore) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	return s.translateTxnErr(err)
}

func (s *BadgerStore) Exists(key string) (bool, error) {
	var exists bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// BatchWrite applies every op in one transaction. Version checks run before
// any mutation, so a single stale op leaves the whole batch unapplied.
func (s *BadgerStore) BatchWrite(ops []ports.WriteOp) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			if op.Type == ports.OpDelete {
				continue
			}
			current, err := currentVersion(txn, op.Key)
			if err != nil {
				return err
			}
			if err := checkVersion(op.Key, current, op.Version); err != nil {
				return err
			}
		}

		now := time.Now()
		for _, op := range ops {
			switch op.Type {
			case ports.OpPut:
				current, err := currentVersion(txn, op.Key)
				if err != nil {
					return err
				}
				if err := txn.Set([]byte(op.Key), encodeRecord(current+1, now, op.Value)); err != nil {
					return err
				}
			case ports.OpDelete:
				if err := txn.Delete([]byte(op.Key)); err != nil {
					return err
				}
			default:
				return domain.ErrInvalidInput
			}
		}
		return nil
	})
	return s.translateTxnErr(err)
}

func (s *BadgerStore) ListByPrefix(prefix string) ([]ports.KeyValueVersion, error) {
	var results []ports.KeyValueVersion

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()

			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			version, updatedAt, payload, err := decodeRecord(raw)
			if err != nil {
				return err
			}

			results = append(results, ports.KeyValueVersion{
				Key:       string(item.Key()),
				Value:     payload,
				Version:   version,
				UpdatedAt: updatedAt,
			})
		}

		return nil
	})

	return results, err
}

func (s *BadgerStore) CountPrefix(prefix string) (count int, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})

	return count, err
}

func (s *BadgerStore) DeleteByPrefix(prefix string) (deletedCount int, err error) {
	var keys [][]byte

	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(keys) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}

	return len(keys), nil
}

func (s *BadgerStore) AtomicIncrement(key string) (newValue int64, err error) {
	err = s.db.Update(func(txn *badger.Txn) error {
		current, counter := int64(0), int64(0)

		item, err := txn.Get([]byte(key))
		if err == nil {
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			version, _, payload, err := decodeRecord(raw)
			if err != nil {
				return err
			}
			current = version
			if len(payload) == 8 {
				counter = int64(binary.BigEndian.Uint64(payload))
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		newValue = counter + 1
		payload := make([]byte, 8)
		binary.BigEndian.PutUint64(payload, uint64(newValue))

		return txn.Set([]byte(key), encodeRecord(current+1, time.Now(), payload))
	})
	if err != nil {
		return 0, s.translateTxnErr(err)
	}
	return newValue, nil
}

func (s *BadgerStore) Close() error {
	close(s.gcStop)
	<-s.gcDone

	if err := s.db.Close(); err != nil {
		s.logger.Error("failed to close state database", "error", err)
		return err
	}
	return nil
}

// translateTxnErr maps badger's optimistic-concurrency conflict onto the
// domain conflict type so engine CAS retry loops treat both the same way.
func (s *BadgerStore) translateTxnErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrConflict) {
		return domain.NewConflictError("concurrent transaction conflict")
	}
	return err
}

func currentVersion(txn *badger.Txn, key string) (int64, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	version, _, _, err := decodeRecord(raw)
	return version, err
}

func checkVersion(key string, current, submitted int64) error {
	switch {
	case submitted == 0 && current != 0:
		return domain.NewConflictError("key already exists: " + key)
	case submitted != 0 && current == 0:
		return domain.NewConflictError("key vanished under writer: " + key)
	case submitted != 0 && submitted != current:
		return domain.NewConflictError(fmt.Sprintf("stale version for key %s: have %d, submitted %d", key, current, submitted))
	}
	return nil
}

func (s *BadgerStore) runGarbageCollection() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	defer close(s.gcDone)

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			lsm, vlog := s.db.Size()
			s.logger.Debug("running value log GC",
				"lsm_size", lsm,
				"vlog_size", vlog)

			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Error("value log GC failed", "error", err)
			}
		}
	}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(f, v...))
}

func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(f, v...))
}
