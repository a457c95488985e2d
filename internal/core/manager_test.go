package core

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *domain.Config {
	return &domain.Config{
		InstanceID: "test",
		Logger:     discardLogger(),
		Engine: domain.EngineConfig{
			DispatchPoolSize:  4,
			SyncWorkerTimeout: 2 * time.Second,
			MaxAdvanceDepth:   50,
			WriteRetries:      10,
			DrainTimeout:      time.Second,
		},
	}
}

func newRunningManager(t *testing.T, config *domain.Config) *Manager {
	t.Helper()
	m, err := NewWithConfig(config)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

// publishLine stores a three node section -> worker -> section graph and
// returns the pinned ref.
func publishLine(t *testing.T, m *Manager, graphID, handler string) string {
	t.Helper()
	compiled, err := m.PublishGraph(domain.Graph{
		ID: graphID,
		Nodes: []domain.Node{
			{ID: "start", Type: domain.NodeTypeSection, Section: &domain.SectionConfig{}},
			{ID: "work", Type: domain.NodeTypeWorker, Worker: &domain.WorkerConfig{Handler: handler, Mode: domain.CompletionSync}},
			{ID: "done", Type: domain.NodeTypeSection, Section: &domain.SectionConfig{}},
		},
		Edges: []domain.Edge{
			{ID: "e1", Source: "start", Target: "work"},
			{ID: "e2", Source: "work", Target: "done"},
		},
	})
	require.NoError(t, err)
	return compiled.Ref()
}

func waitForRun(t *testing.T, m *Manager, runID string, want domain.RunStatus) *ports.RunStatusReport {
	t.Helper()
	var report *ports.RunStatusReport
	require.Eventually(t, func() bool {
		r, err := m.GetRunStatus(context.Background(), runID)
		if err != nil {
			return false
		}
		report = r
		return r.Status == want
	}, 3*time.Second, 20*time.Millisecond, "run %s never reported %s", runID, want)
	return report
}

func TestManagerLifecycle(t *testing.T) {
	m, err := NewWithConfig(testConfig())
	require.NoError(t, err)

	assert.False(t, m.IsStarted())
	_, err = m.StartRun(context.Background(), "any@v1", domain.Trigger{Kind: domain.TriggerManual}, "")
	assert.ErrorIs(t, err, domain.ErrNotStarted)

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.IsStarted())
	assert.ErrorIs(t, m.Start(context.Background()), domain.ErrAlreadyStarted)
	assert.Empty(t, m.HTTPAddr())

	require.NoError(t, m.Stop())
	assert.False(t, m.IsStarted())
	assert.ErrorIs(t, m.Stop(), domain.ErrNotStarted)
}

func TestManagerRejectsBadConfig(t *testing.T) {
	_, err := NewWithConfig(nil)
	assert.True(t, domain.IsValidationError(err))

	var configErr *domain.ConfigError

	config := testConfig()
	config.Storage.Driver = "cassandra"
	_, err = NewWithConfig(config)
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "storage.driver", configErr.Field)

	config = testConfig()
	config.Storage.Driver = domain.StorageBadger
	_, err = NewWithConfig(config)
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "data_dir", configErr.Field)
}

func TestManagerRunRoundTrip(t *testing.T) {
	m := newRunningManager(t, testConfig())

	var completions atomic.Int32
	require.NoError(t, m.OnRunCompleted(func(*domain.RunCompletedEvent) {
		completions.Add(1)
	}))

	require.NoError(t, m.RegisterWorker("double", func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		n, _ := input["n"].(float64)
		return map[string]interface{}{"result": n * 2}, nil
	}))

	ref := publishLine(t, m, "math", "double")
	assert.Equal(t, "math@v1", ref)

	run, err := m.StartRun(context.Background(), ref, domain.Trigger{
		Kind:       domain.TriggerManual,
		Source:     "test",
		Input:      map[string]interface{}{"n": 21},
		ReceivedAt: time.Now(),
	}, "")
	require.NoError(t, err)

	report := waitForRun(t, m, run.ID, domain.RunStatusCompleted)
	require.Contains(t, report.FinalOutputs, "done")
	assert.Equal(t, float64(42), report.FinalOutputs["done"]["result"])

	require.Eventually(t, func() bool {
		return completions.Load() >= 1
	}, 2*time.Second, 20*time.Millisecond, "completion event never delivered")

	stats := m.ExecutionMetrics()
	assert.GreaterOrEqual(t, stats.RunsStarted, int64(1))
	assert.GreaterOrEqual(t, stats.RunsCompleted, int64(1))
	assert.GreaterOrEqual(t, stats.NodesSucceeded, int64(1))

	runs, err := m.ListRuns(context.Background(), ports.RunFilter{GraphID: "math"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}

func TestManagerSchedulingDisabledByDefault(t *testing.T) {
	m := newRunningManager(t, testConfig())

	err := m.AddSchedule(domain.Schedule{Name: "tick", Spec: "@every 1s", GraphID: "pulse", Enabled: true})
	assert.True(t, domain.IsValidationError(err))
	assert.True(t, domain.IsValidationError(m.RemoveSchedule("tick")))
	assert.Nil(t, m.ListSchedules())
}

func TestManagerScheduledRun(t *testing.T) {
	config := testConfig()
	config.Schedule.Enabled = true
	m := newRunningManager(t, config)

	var fired atomic.Int32
	require.NoError(t, m.RegisterWorker("beat", func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		fired.Add(1)
		return map[string]interface{}{"ok": true}, nil
	}))
	publishLine(t, m, "pulse", "beat")

	require.NoError(t, m.AddSchedule(domain.Schedule{
		Name:    "tick",
		Spec:    "@every 1s",
		GraphID: "pulse",
		Enabled: true,
	}))

	require.Eventually(t, func() bool {
		return fired.Load() >= 1
	}, 5*time.Second, 50*time.Millisecond, "scheduled run never executed the worker")

	runs, err := m.ListRuns(context.Background(), ports.RunFilter{GraphID: "pulse"})
	require.NoError(t, err)
	require.NotEmpty(t, runs)
	assert.Equal(t, domain.TriggerSchedule, runs[0].Trigger.Kind)
	assert.Equal(t, "schedule:tick", runs[0].Trigger.Source)

	schedules := m.ListSchedules()
	require.Len(t, schedules, 1)
	assert.Equal(t, "tick", schedules[0].Name)
}

func TestManagerHTTPOptIn(t *testing.T) {
	config := testConfig()
	config.HTTP.Addr = "127.0.0.1:0"
	config.Observability.EnableMetrics = true
	config.Observability.EnablePprof = true
	m, err := NewWithConfig(config)
	require.NoError(t, err)
	assert.Empty(t, m.HTTPAddr())

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	addr := m.HTTPAddr()
	require.NotEmpty(t, addr)

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/debug/pprof/cmdline"} {
		resp, err := http.Get("http://" + addr + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	require.NoError(t, m.Stop())
	assert.Empty(t, m.HTTPAddr())
}

func TestManagerStartRollsBackOnBindFailure(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()

	config := testConfig()
	config.HTTP.Addr = blocker.Addr().String()
	m, err := NewWithConfig(config)
	require.NoError(t, err)

	err = m.Start(context.Background())
	require.Error(t, err)
	assert.False(t, m.IsStarted())
	assert.ErrorIs(t, m.Stop(), domain.ErrNotStarted)
}
