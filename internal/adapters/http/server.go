// Package http exposes the engine over a JSON REST surface.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aretw0/espalier/internal/presentation/graph"
	"github.com/aretw0/espalier/internal/runtime"
	"github.com/aretw0/espalier/pkg/domain"
)

// Engine defines the engine surface the HTTP layer depends on.
type Engine interface {
	Submit(ctx context.Context, intent domain.Intent) (*runtime.DispatchResult, error)
	ExecutionStatus(ctx context.Context, executionID string) (*domain.ExecutionRecord, error)
	Artifact(ctx context.Context, artifactID string) (*domain.Artifact, error)
	Lineage(ctx context.Context, artifactID string) (*domain.Lineage, error)
	Journey(ctx context.Context, journeyID string) (*domain.Journey, error)
}

// Server translates HTTP requests into engine calls.
type Server struct {
	engine Engine
	logger *slog.Logger
}

// NewHandler builds the router. Pass extra handlers (e.g. promhttp) via mount.
func NewHandler(engine Engine, logger *slog.Logger, mount func(r chi.Router)) http.Handler {
	s := &Server{engine: engine, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/intents", s.SubmitIntent)
	r.Get("/executions/{executionID}", s.GetExecution)
	r.Get("/artifacts/{artifactID}", s.GetArtifact)
	r.Get("/artifacts/{artifactID}/lineage", s.GetLineage)
	r.Get("/journeys/{journeyID}", s.GetJourney)
	r.Get("/healthz", s.Health)

	if mount != nil {
		mount(r)
	}
	return r
}

type intentRequest struct {
	IntentType string         `json:"intent_type"`
	TenantID   string         `json:"tenant_id"`
	SessionID  string         `json:"session_id,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type intentResponse struct {
	ExecutionID string   `json:"execution_id"`
	Status      string   `json:"status"`
	Replayed    bool     `json:"replayed"`
	Result      any      `json:"result,omitempty"`
	ArtifactIDs []string `json:"artifact_ids,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Class string `json:"error_class,omitempty"`
}

// SubmitIntent handles POST /intents.
//
// 202 new execution accepted, 200 answered from the ledger, 409 an identical
// intent is in flight, 403 policy denial, 400 validation failure.
func (s *Server) SubmitIntent(w http.ResponseWriter, r *http.Request) {
	var body intentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	res, err := s.engine.Submit(r.Context(), domain.Intent{
		Type:       body.IntentType,
		TenantID:   body.TenantID,
		SessionID:  body.SessionID,
		Parameters: body.Parameters,
	})
	if err != nil {
		s.writeSubmitError(w, res, err)
		return
	}

	status := http.StatusAccepted
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, intentResponse{
		ExecutionID: res.Record.ExecutionID,
		Status:      string(res.Record.Status),
		Replayed:    res.Replayed,
		Result:      res.Record.Result,
		ArtifactIDs: res.Record.ArtifactIDs,
	})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, res *runtime.DispatchResult, err error) {
	var ve *domain.ValidationError
	var he *domain.HandlerError

	switch {
	case errors.Is(err, domain.ErrInFlight):
		resp := intentResponse{Status: string(domain.ExecutionPending)}
		if res != nil && res.Record != nil {
			resp.ExecutionID = res.Record.ExecutionID
		}
		writeJSON(w, http.StatusConflict, resp)
	case errors.Is(err, domain.ErrPermissionDenied):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Error()})
	case errors.As(err, &he):
		// The execution failed but the submission itself was well-formed: the
		// failure is part of the resource, not a transport error.
		resp := intentResponse{Status: string(domain.ExecutionFailed)}
		if res != nil && res.Record != nil {
			resp.ExecutionID = res.Record.ExecutionID
			resp.Replayed = res.Replayed
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		s.logger.Error("intent submission failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// GetExecution handles GET /executions/{executionID}.
func (s *Server) GetExecution(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.ExecutionStatus(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.writeLookupError(w, err, domain.ErrExecutionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetArtifact handles GET /artifacts/{artifactID}.
func (s *Server) GetArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.engine.Artifact(r.Context(), chi.URLParam(r, "artifactID"))
	if err != nil {
		s.writeLookupError(w, err, domain.ErrArtifactNotFound)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

// GetLineage handles GET /artifacts/{artifactID}/lineage.
// Pass ?format=mermaid to get a rendered flowchart instead of JSON.
func (s *Server) GetLineage(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")
	lineage, err := s.engine.Lineage(r.Context(), artifactID)
	if err != nil {
		s.writeLookupError(w, err, domain.ErrArtifactNotFound)
		return
	}

	if r.URL.Query().Get("format") == "mermaid" {
		subject, err := s.engine.Artifact(r.Context(), artifactID)
		if err != nil {
			s.writeLookupError(w, err, domain.ErrArtifactNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(graph.GenerateMermaid(subject, lineage))); err != nil {
			s.logger.Warn("failed to write lineage graph", "err", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, lineage)
}

// GetJourney handles GET /journeys/{journeyID}.
func (s *Server) GetJourney(w http.ResponseWriter, r *http.Request) {
	journey, err := s.engine.Journey(r.Context(), chi.URLParam(r, "journeyID"))
	if err != nil {
		s.writeLookupError(w, err, domain.ErrJourneyNotFound)
		return
	}
	writeJSON(w, http.StatusOK, journey)
}

// Health handles GET /healthz.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error, notFound error) {
	if errors.Is(err, notFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	s.logger.Error("lookup failed", "err", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to encode response", "err", err)
	}
}
