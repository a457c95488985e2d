package dispatch

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eleven-am/weft/internal/adapters/circuit_breaker"
	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/panjf2000/ants/v2"
)

const (
	defaultPoolSize    = 64
	defaultSyncTimeout = 30 * time.Second
	defaultDrainWait   = 10 * time.Second
)

// taskParam carries one dispatched task through the ants pool. Params are
// pooled and reset after every execution.
type taskParam struct {
	ctx  context.Context
	task ports.WorkerTask
	d    *Dispatcher
}

func (p *taskParam) reset() {
	p.ctx = nil
	p.task = ports.WorkerTask{}
	p.d = nil
}

var taskParamPool = &sync.Pool{
	New: func() any { return new(taskParam) },
}

// Dispatcher runs worker node instances off the caller's goroutine on a
// bounded ants pool. Local handlers and sync endpoints report their outcome
// through the completion sink; async endpoints only acknowledge dispatch and
// complete later through the external callback route.
type Dispatcher struct {
	registry    ports.WorkerRegistry
	logger      *slog.Logger
	client      *http.Client
	breakers    *circuit_breaker.Provider
	poolSize    int
	syncTimeout time.Duration
	drainWait   time.Duration

	mu      sync.Mutex
	sink    ports.CompletionSink
	pool    *ants.PoolWithFunc
	running bool

	baseCtx context.Context
	cancel  context.CancelFunc
}

var _ ports.Dispatcher = (*Dispatcher)(nil)

func NewDispatcher(registry ports.WorkerRegistry, cfg domain.EngineConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	poolSize := cfg.DispatchPoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	syncTimeout := cfg.SyncWorkerTimeout
	if syncTimeout <= 0 {
		syncTimeout = defaultSyncTimeout
	}
	drainWait := cfg.DrainTimeout
	if drainWait <= 0 {
		drainWait = defaultDrainWait
	}

	return &Dispatcher{
		registry:    registry,
		logger:      logger.With("component", "dispatcher"),
		client:      &http.Client{},
		breakers:    circuit_breaker.NewProvider(circuit_breaker.Config{}, logger),
		poolSize:    poolSize,
		syncTimeout: syncTimeout,
		drainWait:   drainWait,
	}
}

// SetCompletionSink binds the outcome receiver. The engine and the dispatcher
// reference each other, so the sink is late-bound during wiring; Start fails
// until it is set.
func (d *Dispatcher) SetCompletionSink(sink ports.CompletionSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return domain.ErrAlreadyStarted
	}
	if d.sink == nil {
		return domain.NewValidationError("dispatcher", "completion sink not set")
	}

	pool, err := ants.NewPoolWithFunc(d.poolSize, func(args any) {
		param, ok := args.(*taskParam)
		if !ok {
			panic("dispatch pool args type error")
		}
		defer func() {
			param.reset()
			taskParamPool.Put(param)
		}()
		param.d.execute(param.ctx, param.task)
	})
	if err != nil {
		return domain.NewInternalError("create dispatch pool", err)
	}

	d.baseCtx, d.cancel = context.WithCancel(context.Background())
	d.pool = pool
	d.running = true

	d.logger.Debug("dispatcher started", "pool_size", d.poolSize)
	return nil
}

func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return domain.ErrNotStarted
	}
	d.running = false
	pool := d.pool
	cancel := d.cancel
	d.pool = nil
	d.cancel = nil
	d.mu.Unlock()

	if err := pool.ReleaseTimeout(d.drainWait); err != nil {
		d.logger.Warn("dispatch pool did not drain before deadline", "error", err.Error())
	}
	cancel()

	d.logger.Debug("dispatcher stopped")
	return nil
}

func (d *Dispatcher) Submit(task ports.WorkerTask) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return domain.ErrNotStarted
	}
	pool := d.pool
	baseCtx := d.baseCtx
	d.mu.Unlock()

	param := taskParamPool.Get().(*taskParam)
	param.ctx = baseCtx
	param.task = task
	param.d = d

	if err := pool.Invoke(param); err != nil {
		param.reset()
		taskParamPool.Put(param)
		return domain.NewInternalError("submit worker task", err)
	}

	d.logger.Debug("worker task submitted",
		"run_id", task.RunID,
		"node_key", task.NodeKey,
		"attempt", task.Attempt,
	)
	return nil
}

func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pool == nil {
		return 0
	}
	return d.pool.Running()
}

func (d *Dispatcher) execute(ctx context.Context, task ports.WorkerTask) {
	switch {
	case task.Worker.Handler != "":
		d.runLocal(ctx, task)
	case task.Worker.Endpoint != "":
		d.runEndpoint(ctx, task)
	default:
		d.fail(ctx, task, "worker node has neither handler nor endpoint")
	}
}

func (d *Dispatcher) complete(ctx context.Context, task ports.WorkerTask, output map[string]interface{}) {
	d.deliver(ctx, ports.CallbackRequest{
		RunID:      task.RunID,
		NodeKey:    task.NodeKey,
		Success:    true,
		Output:     output,
		ReceivedAt: time.Now(),
	})
}

func (d *Dispatcher) fail(ctx context.Context, task ports.WorkerTask, errMsg string) {
	d.deliver(ctx, ports.CallbackRequest{
		RunID:      task.RunID,
		NodeKey:    task.NodeKey,
		Success:    false,
		Error:      errMsg,
		ReceivedAt: time.Now(),
	})
}

// deliver hands the outcome to the sink on a fresh goroutine. The sink walks
// the run forward and may submit follow-up tasks; running it on the pool
// worker itself would let a chain of submissions exhaust the pool and block
// on its own capacity.
func (d *Dispatcher) deliver(ctx context.Context, cb ports.CallbackRequest) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	go sink(ctx, cb)
}

func (d *Dispatcher) taskTimeout(task ports.WorkerTask) time.Duration {
	if task.Worker.TimeoutSeconds > 0 {
		return time.Duration(task.Worker.TimeoutSeconds) * time.Second
	}
	return d.syncTimeout
}
