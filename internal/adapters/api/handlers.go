package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

type publishGraphResponse struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	Ref     string `json:"ref"`
}

type graphSummary struct {
	ID        string                     `json:"id"`
	Version   int64                      `json:"version"`
	Ref       string                     `json:"ref"`
	Nodes     map[string]domain.NodeType `json:"nodes"`
	Entries   []string                   `json:"entries"`
	Terminals []string                   `json:"terminals"`
}

type startRunRequest struct {
	GraphRef string                 `json:"graph_ref"`
	EntityID string                 `json:"entity_id,omitempty"`
	Input    map[string]interface{} `json:"input,omitempty"`
	Trigger  *domain.Trigger        `json:"trigger,omitempty"`
}

type startRunResponse struct {
	RunID  string           `json:"run_id"`
	Status domain.RunStatus `json:"status"`
}

type runSummary struct {
	RunID       string           `json:"run_id"`
	GraphRef    string           `json:"graph_ref"`
	EntityID    string           `json:"entity_id,omitempty"`
	Status      domain.RunStatus `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

type listRunsResponse struct {
	Runs  []runSummary `json:"runs"`
	Count int          `json:"count"`
}

type callbackRequest struct {
	Status string                 `json:"status"`
	Output map[string]interface{} `json:"output,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type retryResponse struct {
	Success bool              `json:"success"`
	Status  domain.NodeStatus `json:"status"`
}

type completeRequest struct {
	Output map[string]interface{} `json:"output,omitempty"`
}

type moveEntityRequest struct {
	GraphID  string `json:"graph_id,omitempty"`
	ToNodeID string `json:"to_node_id"`
	Reason   string `json:"reason,omitempty"`
}

type journeyResponse struct {
	EntityID      string                `json:"entity_id"`
	GraphID       string                `json:"graph_id"`
	CurrentNodeID string                `json:"current_node_id,omitempty"`
	Events        []domain.JourneyEvent `json:"events"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

func (s *Server) handlePublishGraph(w http.ResponseWriter, r *http.Request) {
	var graph domain.Graph
	if err := json.NewDecoder(r.Body).Decode(&graph); err != nil {
		s.writeError(w, domain.NewValidationError("graph", "malformed body: "+err.Error()))
		return
	}
	if graph.ID == "" {
		s.writeError(w, domain.NewValidationError("graph", "id cannot be empty"))
		return
	}

	version, err := s.storage.NextGraphVersion(graph.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	graph.Version = version

	compiled, err := s.compiler.Compile(graph)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.storage.SaveGraph(compiled); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, publishGraphResponse{
		ID:      compiled.ID(),
		Version: compiled.Version(),
		Ref:     compiled.Ref(),
	})
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	graphID := mux.Vars(r)["graphID"]

	g, err := s.storage.LatestGraph(graphID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	nodes := make(map[string]domain.NodeType, g.Len())
	for _, id := range g.NodeIDs() {
		node, _ := g.Node(id)
		nodes[id] = node.Type
	}

	s.writeJSON(w, http.StatusOK, graphSummary{
		ID:        g.ID(),
		Version:   g.Version(),
		Ref:       g.Ref(),
		Nodes:     nodes,
		Entries:   g.Entries(),
		Terminals: g.Terminals(),
	})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.NewValidationError("run", "malformed body: "+err.Error()))
		return
	}
	if req.GraphRef == "" {
		s.writeError(w, domain.NewValidationError("run", "graph_ref cannot be empty"))
		return
	}

	trigger := domain.Trigger{Kind: domain.TriggerManual, Source: "api"}
	if req.Trigger != nil {
		trigger = *req.Trigger
	}
	if trigger.Kind == "" {
		trigger.Kind = domain.TriggerManual
	}
	if trigger.Input == nil {
		trigger.Input = req.Input
	}
	if trigger.ReceivedAt.IsZero() {
		trigger.ReceivedAt = time.Now()
	}

	run, err := s.engine.StartRun(r.Context(), req.GraphRef, trigger, req.EntityID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, startRunResponse{RunID: run.ID, Status: run.Status})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := ports.RunFilter{
		GraphID:  query.Get("graph_id"),
		EntityID: query.Get("entity_id"),
		Status:   domain.RunStatus(query.Get("status")),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			s.writeError(w, domain.NewValidationError("runs", "limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}

	runs, err := s.engine.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}

	summaries := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, runSummary{
			RunID:       run.ID,
			GraphRef:    run.GraphRef,
			EntityID:    run.EntityID,
			Status:      run.Status,
			StartedAt:   run.StartedAt,
			CompletedAt: run.CompletedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, listRunsResponse{Runs: summaries, Count: len(summaries)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runID"]

	report, err := s.engine.GetRunStatus(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.NewValidationError("callback", "malformed body: "+err.Error()))
		return
	}
	if req.Status != string(domain.NodeStatusCompleted) && req.Status != string(domain.NodeStatusFailed) {
		s.writeError(w, domain.NewValidationError("callback", "status must be completed or failed"))
		return
	}

	err := s.engine.HandleCallback(r.Context(), ports.CallbackRequest{
		RunID:      vars["runID"],
		NodeKey:    vars["nodeKey"],
		Success:    req.Status == string(domain.NodeStatusCompleted),
		Output:     req.Output,
		Error:      req.Error,
		ReceivedAt: time.Now(),
	})
	if s.metrics != nil {
		s.metrics.ObserveCallback(err)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	runID, nodeKey := vars["runID"], vars["nodeKey"]

	if err := s.engine.RetryNode(r.Context(), runID, nodeKey); err != nil {
		s.writeError(w, err)
		return
	}

	// Retry re-dispatches immediately, so report whatever the node has
	// already moved to rather than a hardcoded pending.
	status := domain.NodeStatusPending
	if run, err := s.engine.GetRun(r.Context(), runID); err == nil {
		if state, ok := run.Nodes[nodeKey]; ok {
			status = state.Status
		}
	}
	s.writeJSON(w, http.StatusOK, retryResponse{Success: true, Status: status})
}

func (s *Server) handleCompleteUserTask(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.NewValidationError("complete", "malformed body: "+err.Error()))
		return
	}

	if err := s.engine.CompleteUserTask(r.Context(), vars["runID"], vars["nodeKey"], req.Output); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleGetJourney(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["entityID"]

	entity, err := s.journey.GetEntity(r.Context(), entityID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	events, err := s.journey.GetJourney(r.Context(), entityID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, journeyResponse{
		EntityID:      entity.ID,
		GraphID:       entity.GraphID,
		CurrentNodeID: entity.CurrentNodeID,
		Events:        events,
	})
}

func (s *Server) handleMoveEntity(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["entityID"]

	var req moveEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.NewValidationError("move", "malformed body: "+err.Error()))
		return
	}

	entity, err := s.journey.MoveEntity(r.Context(), entityID, req.GraphID, req.ToNodeID, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entity)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ready := s.running
	fn := s.readyFn
	s.mu.Unlock()
	if fn != nil {
		ready = fn()
	}

	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
