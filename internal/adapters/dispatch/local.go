package dispatch

import (
	"context"
	"time"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

// runLocal invokes a registered handler in-process. The outcome always flows
// through the completion sink regardless of the worker's declared mode; a
// local function has its result at return.
func (d *Dispatcher) runLocal(ctx context.Context, task ports.WorkerTask) {
	handler, ok := d.registry.Get(task.Worker.Handler)
	if !ok {
		d.fail(ctx, task, "handler not registered: "+task.Worker.Handler)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, d.taskTimeout(task))
	defer cancel()

	runCtx = domain.WithRunContext(runCtx, &domain.RunContext{
		RunID:    task.RunID,
		GraphRef: task.GraphRef,
		NodeKey:  task.NodeKey,
		EntityID: task.EntityID,
		Attempt:  task.Attempt,
	})

	started := time.Now()
	output, err := d.invokeWithRecovery(runCtx, handler, task)
	duration := time.Since(started)

	if err != nil {
		if panicErr, isPanic := err.(*domain.NodePanicError); isPanic {
			d.logger.Error("worker handler panicked",
				"run_id", task.RunID,
				"node_key", task.NodeKey,
				"handler", task.Worker.Handler,
				"panic_value", panicErr.PanicValue,
				"stack_trace", panicErr.StackTrace,
			)
		} else {
			d.logger.Error("worker handler failed",
				"run_id", task.RunID,
				"node_key", task.NodeKey,
				"handler", task.Worker.Handler,
				"duration", duration,
				"error", err.Error(),
			)
		}
		d.fail(ctx, task, err.Error())
		return
	}

	d.logger.Debug("worker handler completed",
		"run_id", task.RunID,
		"node_key", task.NodeKey,
		"handler", task.Worker.Handler,
		"duration", duration,
	)
	d.complete(ctx, task, output)
}

func (d *Dispatcher) invokeWithRecovery(ctx context.Context, handler ports.HandlerFunc, task ports.WorkerTask) (output map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = domain.NewPanicError(task.RunID, task.NodeKey, r)
		}
	}()

	return handler(ctx, task.Input)
}
