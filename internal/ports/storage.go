package ports

import "time"

// StoragePort is the versioned key-value contract every storage driver
// implements. Put is compare-and-set: the caller passes the version it read
// (0 for a create) and the write fails with a conflict when the stored
// version has moved.
type StoragePort interface {
	Get(key string) (value []byte, version int64, exists bool, err error)
	Put(key string, value []byte, version int64) error
	Delete(key string) error
	Exists(key string) (bool, error)

	BatchWrite(ops []WriteOp) error

	// ListByPrefix returns entries in ascending key order; time-ordered
	// scans (the journey log) rely on this.
	ListByPrefix(prefix string) ([]KeyValueVersion, error)
	CountPrefix(prefix string) (int, error)
	DeleteByPrefix(prefix string) (deletedCount int, err error)

	// AtomicIncrement bumps the big-endian int64 counter stored at key,
	// creating it at 1 when absent.
	AtomicIncrement(key string) (newValue int64, err error)

	Close() error
}

type WriteOp struct {
	Type    OpType
	Key     string
	Value   []byte
	Version int64
}

type KeyValueVersion struct {
	Key       string
	Value     []byte
	Version   int64
	UpdatedAt time.Time
}

type OpType int

const (
	OpPut OpType = iota
	OpDelete
)
