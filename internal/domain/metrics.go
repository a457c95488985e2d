package domain

import (
	"sync/atomic"
	"time"
)

// ExecutionMetrics is the engine's cheap in-process counter set. The
// observability adapter exports it; the status endpoint reports it raw.
type ExecutionMetrics struct {
	RunsStarted   int64 `json:"runs_started"`
	RunsCompleted int64 `json:"runs_completed"`
	RunsFailed    int64 `json:"runs_failed"`
	RunsRecovered int64 `json:"runs_recovered"`

	NodesDispatched int64 `json:"nodes_dispatched"`
	NodesSucceeded  int64 `json:"nodes_succeeded"`
	NodesFailed     int64 `json:"nodes_failed"`
	NodesRetried    int64 `json:"nodes_retried"`

	UserTasksCreated   int64 `json:"user_tasks_created"`
	UserTasksCompleted int64 `json:"user_tasks_completed"`
	UserTasksTimedOut  int64 `json:"user_tasks_timed_out"`

	CallbacksAccepted int64 `json:"callbacks_accepted"`
	CallbacksDuplicate int64 `json:"callbacks_duplicate"`
	CallbacksRejected int64 `json:"callbacks_rejected"`

	TotalExecutionTimeNs int64 `json:"total_execution_time_ns"`
	NodeExecutionCount   int64 `json:"node_execution_count"`
}

func NewExecutionMetrics() *ExecutionMetrics {
	return &ExecutionMetrics{}
}

func (m *ExecutionMetrics) IncrementRunsStarted() {
	atomic.AddInt64(&m.RunsStarted, 1)
}

func (m *ExecutionMetrics) IncrementRunsCompleted() {
	atomic.AddInt64(&m.RunsCompleted, 1)
}

func (m *ExecutionMetrics) IncrementRunsFailed() {
	atomic.AddInt64(&m.RunsFailed, 1)
}

func (m *ExecutionMetrics) IncrementRunsRecovered() {
	atomic.AddInt64(&m.RunsRecovered, 1)
}

func (m *ExecutionMetrics) IncrementNodesDispatched() {
	atomic.AddInt64(&m.NodesDispatched, 1)
}

func (m *ExecutionMetrics) IncrementNodesSucceeded() {
	atomic.AddInt64(&m.NodesSucceeded, 1)
}

func (m *ExecutionMetrics) IncrementNodesFailed() {
	atomic.AddInt64(&m.NodesFailed, 1)
}

func (m *ExecutionMetrics) IncrementNodesRetried() {
	atomic.AddInt64(&m.NodesRetried, 1)
}

func (m *ExecutionMetrics) IncrementUserTasksCreated() {
	atomic.AddInt64(&m.UserTasksCreated, 1)
}

func (m *ExecutionMetrics) IncrementUserTasksCompleted() {
	atomic.AddInt64(&m.UserTasksCompleted, 1)
}

func (m *ExecutionMetrics) IncrementUserTasksTimedOut() {
	atomic.AddInt64(&m.UserTasksTimedOut, 1)
}

func (m *ExecutionMetrics) IncrementCallbacksAccepted() {
	atomic.AddInt64(&m.CallbacksAccepted, 1)
}

func (m *ExecutionMetrics) IncrementCallbacksDuplicate() {
	atomic.AddInt64(&m.CallbacksDuplicate, 1)
}

func (m *ExecutionMetrics) IncrementCallbacksRejected() {
	atomic.AddInt64(&m.CallbacksRejected, 1)
}

func (m *ExecutionMetrics) AddExecutionTime(duration time.Duration) {
	atomic.AddInt64(&m.TotalExecutionTimeNs, int64(duration))
	atomic.AddInt64(&m.NodeExecutionCount, 1)
}

func (m *ExecutionMetrics) GetSnapshot() ExecutionMetrics {
	return ExecutionMetrics{
		RunsStarted:          atomic.LoadInt64(&m.RunsStarted),
		RunsCompleted:        atomic.LoadInt64(&m.RunsCompleted),
		RunsFailed:           atomic.LoadInt64(&m.RunsFailed),
		RunsRecovered:        atomic.LoadInt64(&m.RunsRecovered),
		NodesDispatched:      atomic.LoadInt64(&m.NodesDispatched),
		NodesSucceeded:       atomic.LoadInt64(&m.NodesSucceeded),
		NodesFailed:          atomic.LoadInt64(&m.NodesFailed),
		NodesRetried:         atomic.LoadInt64(&m.NodesRetried),
		UserTasksCreated:     atomic.LoadInt64(&m.UserTasksCreated),
		UserTasksCompleted:   atomic.LoadInt64(&m.UserTasksCompleted),
		UserTasksTimedOut:    atomic.LoadInt64(&m.UserTasksTimedOut),
		CallbacksAccepted:    atomic.LoadInt64(&m.CallbacksAccepted),
		CallbacksDuplicate:   atomic.LoadInt64(&m.CallbacksDuplicate),
		CallbacksRejected:    atomic.LoadInt64(&m.CallbacksRejected),
		TotalExecutionTimeNs: atomic.LoadInt64(&m.TotalExecutionTimeNs),
		NodeExecutionCount:   atomic.LoadInt64(&m.NodeExecutionCount),
	}
}

func (m *ExecutionMetrics) GetAverageExecutionTime() time.Duration {
	totalNs := atomic.LoadInt64(&m.TotalExecutionTimeNs)
	count := atomic.LoadInt64(&m.NodeExecutionCount)

	if count == 0 {
		return 0
	}

	return time.Duration(totalNs / count)
}
