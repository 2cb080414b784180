package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/orchestra-run/orchestrator/internal/cost"
	"github.com/orchestra-run/orchestrator/internal/errs"
	"github.com/orchestra-run/orchestrator/internal/eventbus"
	"github.com/orchestra-run/orchestrator/internal/ideation"
	"github.com/orchestra-run/orchestrator/internal/review"
	"github.com/orchestra-run/orchestrator/internal/store"
	"github.com/orchestra-run/orchestrator/internal/supervisor"
)

// Server wires the HTTP/WebSocket surface described in §6 on top of
// the already-constructed domain components; it holds no state of
// its own beyond request handling.
type Server struct {
	mux *http.ServeMux

	store       store.Store
	bus         *eventbus.Bus
	governor    *cost.Governor
	supervisor  *supervisor.Supervisor
	review      *review.Engine
	ideation    *ideation.Loop
	workspaceID string
	maxAgents   int
	logger      *zap.SugaredLogger
}

// New constructs a Server and registers every route from §6 plus the
// supplemented D.1-D.5 operator endpoints.
func New(
	s store.Store,
	bus *eventbus.Bus,
	governor *cost.Governor,
	sup *supervisor.Supervisor,
	reviewEngine *review.Engine,
	ideationLoop *ideation.Loop,
	workspaceID string,
	maxAgents int,
	apiKey string,
	logger *zap.SugaredLogger,
) *Server {
	srv := &Server{
		mux:         http.NewServeMux(),
		store:       s,
		bus:         bus,
		governor:    governor,
		supervisor:  sup,
		review:      reviewEngine,
		ideation:    ideationLoop,
		workspaceID: workspaceID,
		maxAgents:   maxAgents,
		logger:      logger,
	}
	srv.routes()
	_ = apiKey // unused here: Handler() takes the key it wires into BearerAuth as its own argument
	return srv
}

// Handler returns the fully-wrapped http.Handler (CORS + bearer auth)
// suitable for http.ListenAndServe.
func (s *Server) Handler(apiKey string) http.Handler {
	return CORS(BearerAuth(apiKey)(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/agents", s.handleAgents)
	s.mux.HandleFunc("/agents/", s.handleAgentSub)
	s.mux.HandleFunc("/projects", s.handleProjects)
	s.mux.HandleFunc("/projects/", s.handleProjectSub)
	s.mux.HandleFunc("/events/project", s.handleEventIngress)
	s.mux.HandleFunc("/events/replay", s.handleReplay)
	s.mux.HandleFunc("/events", s.serveEvents)
	s.mux.HandleFunc("/audit-history", s.handleAuditHistory)
	s.mux.HandleFunc("/cost", s.handleCost)
	s.mux.HandleFunc("/cost/export", s.handleCostExport)
	s.mux.HandleFunc("/ideation/weights", s.handleIdeationWeights)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(errs.KindOf(err))
	writeJSON(w, status, errs.ToBody(err))
}

// -- /agents --

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		agents, err := s.store.ListAgents(r.Context(), s.workspaceID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agents)
	case http.MethodPost:
		var req struct {
			AgentID string `json:"agentId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
			http.Error(w, "agentId required", http.StatusBadRequest)
			return
		}
		existing, _ := s.store.ListAgents(r.Context(), s.workspaceID)
		if s.maxAgents > 0 && len(existing) >= s.maxAgents {
			http.Error(w, "agent cap reached", http.StatusConflict)
			return
		}
		agent, err := s.supervisor.RegisterAgent(r.Context(), req.AgentID)
		if err != nil {
			writeErr(w, err)
			return
		}
		s.bus.Publish("agent.added", map[string]any{"agentId": agent.ID})
		writeJSON(w, http.StatusCreated, agent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// -- /agents/{id}/(pause|resume|stop|heartbeat|drain) --

func (s *Server) handleAgentSub(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/agents/"), "/")
	if len(parts) != 2 || r.Method != http.MethodPost {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	agentID, action := parts[0], parts[1]
	var err error
	var eventType string
	switch action {
	case "pause":
		err = s.supervisor.Pause(r.Context(), agentID)
		eventType = "agent.paused"
	case "resume":
		err = s.supervisor.Resume(r.Context(), agentID)
		eventType = "agent.resumed"
	case "stop":
		err = s.supervisor.Stop(r.Context(), agentID)
		eventType = "agent.stopped"
	case "drain":
		err = s.supervisor.Drain(r.Context(), agentID)
		eventType = "agent.paused"
	case "heartbeat":
		err = s.supervisor.Heartbeat(r.Context(), agentID)
		eventType = "agent.heartbeat"
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	s.bus.Publish(eventType, map[string]any{"agentId": agentID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// -- /projects --

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		state := store.ProjectState(r.URL.Query().Get("state"))
		projects, err := s.store.ListProjects(r.Context(), s.workspaceID, state)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, projects)
	case http.MethodPost:
		var p store.Project
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		number, err := s.store.NextProjectNumber(r.Context(), s.workspaceID)
		if err != nil {
			writeErr(w, err)
			return
		}
		p.Number = number
		p.WorkspaceID = s.workspaceID
		p.State = store.ProjectQueued
		p.QueuedAt = time.Now()
		if err := s.store.CreateProject(r.Context(), s.workspaceID, &p); err != nil {
			writeErr(w, err)
			return
		}
		s.bus.Publish("project.created", map[string]any{"projectNumber": p.Number})
		s.bus.Publish("project.queued", map[string]any{"projectNumber": p.Number})
		writeJSON(w, http.StatusCreated, p)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// -- /projects/{number}/(pin|unpin|force-self-review) --

func (s *Server) handleProjectSub(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/projects/"), "/")
	if len(parts) != 2 || r.Method != http.MethodPost {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	number, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "invalid project number", http.StatusBadRequest)
		return
	}
	switch parts[1] {
	case "pin", "unpin":
		project, err := s.store.GetProject(r.Context(), s.workspaceID, number)
		if err != nil || project == nil {
			http.Error(w, "project not found", http.StatusNotFound)
			return
		}
		project.Pinned = parts[1] == "pin"
		if err := s.store.UpdateProject(r.Context(), s.workspaceID, project, 0); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, project)
	case "force-self-review":
		if err := s.review.ForceSelfReview(r.Context(), number); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
	}
}

// -- /events/project: external event ingress (§6) --

func (s *Server) handleEventIngress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
		http.Error(w, "invalid event", http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(req.Type, "project.") && !strings.HasPrefix(req.Type, "agent.") {
		http.Error(w, "unknown event type", http.StatusBadRequest)
		return
	}
	s.bus.Publish(req.Type, req.Data)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// -- /events/replay --

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	events, err := s.bus.ReplaySince(since, 1000)
	if _, ok := err.(eventbus.ErrGapTooLarge); ok {
		http.Error(w, "gap too large", http.StatusGone)
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// -- /audit-history --

func (s *Server) handleAuditHistory(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			since = parsed
		}
	}
	records, err := s.store.ListAudit(r.Context(), s.workspaceID, since, 500)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// -- /cost, /cost/export (D.5) --

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.governor.Snapshot())
}

func (s *Server) handleCostExport(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-30 * 24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			since = parsed
		}
	}
	entries, err := s.governor.Export(r.Context(), since)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// -- /ideation/weights (D.3) --

func (s *Server) handleIdeationWeights(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.ideation.Weights())
	case http.MethodPost:
		var req map[string]float64
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		for category, weight := range req {
			if err := s.ideation.SetWeight(category, weight); err != nil {
				writeErr(w, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, s.ideation.Weights())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
