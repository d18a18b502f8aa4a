// Package server exposes planning and plan execution over HTTP, with run
// progress streamed as server-sent events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/rahul/stepwise/internal/agent"
	"github.com/rahul/stepwise/internal/plan"
	"github.com/rahul/stepwise/internal/progress"
	"github.com/rahul/stepwise/internal/runstate"
	"github.com/rahul/stepwise/internal/tools"
)

const maxBodyBytes = 1 << 20

// Config wires a Server. Engine, Tools and Registry are required; without a
// Planner the plan endpoint and query-only execution return 503.
type Config struct {
	Engine   *agent.Engine
	Planner  *agent.Planner
	Tools    *tools.Registry
	Registry *runstate.Registry

	DefaultMaxIterations int
	// NewRunID names runs. Defaults to random UUIDs.
	NewRunID func() string
}

// Server is the HTTP front-end.
type Server struct {
	cfg    Config
	router chi.Router

	baseCtx context.Context
	cancel  context.CancelFunc
	runs    sync.WaitGroup
}

func New(cfg Config) *Server {
	if cfg.NewRunID == nil {
		cfg.NewRunID = uuid.NewString
	}
	if cfg.DefaultMaxIterations <= 0 {
		cfg.DefaultMaxIterations = agent.DefaultMaxIterations
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{cfg: cfg, baseCtx: ctx, cancel: cancel}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then stops accepting
// requests and cancels running plans.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Printf("Listening on %s", addr)

	select {
	case err := <-errCh:
		s.Shutdown()
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Shutdown()
	return err
}

// Shutdown cancels running plans and waits for them to finish.
func (s *Server) Shutdown() {
	s.cancel()
	s.runs.Wait()
}

// Wait blocks until every started run has finished.
func (s *Server) Wait() { s.runs.Wait() }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/tools", s.handleTools)
		r.Post("/plan", s.handlePlan)
		r.Post("/validate", s.handleValidate)
		r.Post("/execute", s.handleExecute)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleRunList)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.handleRunState)
				r.Post("/stop", s.handleRunStop)
				r.Get("/events", s.handleRunEvents)
			})
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "runs": s.cfg.Registry.Len()})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.cfg.Tools.Infos()})
}

type planRequest struct {
	Query string `json:"query"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "Query is required")
		return
	}
	if s.cfg.Planner == nil {
		writeError(w, http.StatusServiceUnavailable, "planning is not configured")
		return
	}

	doc, issues, err := s.cfg.Planner.Plan(r.Context(), req.Query)
	if err != nil {
		status := http.StatusInternalServerError
		var pe *agent.PlanError
		if errors.As(err, &pe) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]any{"error": err.Error(), "plan": doc, "issues": nonNilIssues(issues)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"plan":    doc,
		"query":   req.Query,
		"issues":  nonNilIssues(issues),
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	doc, err := plan.ParseDocument(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	issues := plan.Validate(doc)
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":  !plan.HasErrors(issues),
		"issues": nonNilIssues(issues),
	})
}

type executeRequest struct {
	Plan          *plan.Document `json:"plan,omitempty"`
	Query         string         `json:"query,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	doc := req.Plan
	if doc == nil {
		if strings.TrimSpace(req.Query) == "" {
			writeError(w, http.StatusBadRequest, "plan or query is required")
			return
		}
		if s.cfg.Planner == nil {
			writeError(w, http.StatusServiceUnavailable, "planning is not configured")
			return
		}
		var err error
		doc, _, err = s.cfg.Planner.Plan(r.Context(), req.Query)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	} else if issues := plan.Validate(doc); plan.HasErrors(issues) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "invalid plan: " + plan.JoinErrors(issues),
			"issues": issues,
		})
		return
	}

	p, err := doc.Build(s.cfg.DefaultMaxIterations)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	id := s.cfg.NewRunID()
	if _, err := s.cfg.Registry.Create(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		res := s.cfg.Engine.Run(s.baseCtx, p, agent.RunOptions{
			RunID:         id,
			MaxIterations: req.MaxIterations,
			Task:          req.Query,
			Sink:          s.cfg.Registry.Sink(id),
		})
		log.Printf("Run %s finished: %s", id, res.Status)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.cfg.Registry.List()})
}

func (s *Server) handleRunState(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.cfg.Registry.Get(chi.URLParam(r, "runID"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRunStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	if _, ok := s.cfg.Registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if !s.cfg.Registry.Stop(id) {
		writeError(w, http.StatusConflict, "run already finished")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "stopping": true})
}

// handleRunEvents replays the run's events and streams new ones until the
// run finishes or the client disconnects.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	history, events, unsubscribe, err := s.cfg.Registry.Subscribe(chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	for _, ev := range history {
		writeEvent(w, ev)
	}
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeEvent(w, ev)
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w io.Writer, ev progress.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("failed to encode event: %v", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func nonNilIssues(issues []*plan.ValidationError) []*plan.ValidationError {
	if issues == nil {
		return []*plan.ValidationError{}
	}
	return issues
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
