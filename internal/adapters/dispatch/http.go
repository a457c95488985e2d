package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

const maxErrorBodyBytes = 2048

// workerEnvelope is the JSON body POSTed to endpoint workers. Sync endpoints
// answer with the output object in the response body; async endpoints
// acknowledge with 2xx and later report the outcome to callback_url.
type workerEnvelope struct {
	RunID       string                 `json:"run_id"`
	NodeKey     string                 `json:"node_key"`
	GraphRef    string                 `json:"graph_ref"`
	EntityID    string                 `json:"entity_id,omitempty"`
	Attempt     int                    `json:"attempt"`
	Mode        string                 `json:"mode"`
	Input       map[string]interface{} `json:"input,omitempty"`
	CallbackURL string                 `json:"callback_url,omitempty"`
}

func (d *Dispatcher) runEndpoint(ctx context.Context, task ports.WorkerTask) {
	envelope := workerEnvelope{
		RunID:       task.RunID,
		NodeKey:     task.NodeKey,
		GraphRef:    task.GraphRef,
		EntityID:    task.EntityID,
		Attempt:     task.Attempt,
		Mode:        string(task.Worker.Mode),
		Input:       task.Input,
		CallbackURL: task.CallbackURL,
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		d.fail(ctx, task, "marshal worker envelope: "+err.Error())
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.taskTimeout(task))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, task.Worker.Endpoint, bytes.NewReader(body))
	if err != nil {
		d.fail(ctx, task, "build endpoint request: "+err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")

	// Per-endpoint breaker: a dead worker service fails its tasks fast
	// instead of tying up pool slots on connection timeouts. Only transport
	// outcomes feed the breaker; envelope and decode problems are ours.
	breaker := d.breakers.For(task.Worker.Endpoint)
	if !breaker.Allow() {
		d.fail(ctx, task, "endpoint circuit open: "+task.Worker.Endpoint)
		return
	}

	resp, err := d.client.Do(req)
	if err != nil {
		breaker.RecordFailure()
		d.logger.Error("endpoint dispatch failed",
			"run_id", task.RunID,
			"node_key", task.NodeKey,
			"endpoint", task.Worker.Endpoint,
			"error", err.Error(),
		)
		d.fail(ctx, task, "endpoint unreachable: "+err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		breaker.RecordFailure()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		d.fail(ctx, task, fmt.Sprintf("endpoint returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)))
		return
	}
	breaker.RecordSuccess()

	if task.Worker.Mode == domain.CompletionAsync {
		d.logger.Debug("async endpoint accepted task",
			"run_id", task.RunID,
			"node_key", task.NodeKey,
			"endpoint", task.Worker.Endpoint,
			"status", resp.StatusCode,
		)
		return
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		d.fail(ctx, task, "read endpoint response: "+err.Error())
		return
	}

	var output map[string]interface{}
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &output); err != nil {
			d.fail(ctx, task, "decode endpoint response: "+err.Error())
			return
		}
	}

	d.logger.Debug("sync endpoint completed",
		"run_id", task.RunID,
		"node_key", task.NodeKey,
		"endpoint", task.Worker.Endpoint,
	)
	d.complete(ctx, task, output)
}
