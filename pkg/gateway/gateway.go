// Package gateway exposes pipeline runs over HTTP. Each request is an
// independent run; the gateway returns the complete goal artifact or a
// structured error, never a partial result.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zen-systems/storyloom/pkg/adapter"
	"github.com/zen-systems/storyloom/pkg/artifact"
	"github.com/zen-systems/storyloom/pkg/parse"
	"github.com/zen-systems/storyloom/pkg/pipeline"
	"github.com/zen-systems/storyloom/pkg/prompt"
)

// DefaultMaxBody bounds the request body size.
const DefaultMaxBody = 1 << 20

// Server runs a fixed pipeline for each incoming request.
type Server struct {
	runner  *pipeline.Runner
	pipe    *pipeline.Pipeline
	logger  *zap.Logger
	maxBody int64
}

// NewServer creates a Server. The pipeline is validated up front so
// definition bugs surface at startup, not per request.
func NewServer(runner *pipeline.Runner, p *pipeline.Pipeline, logger *zap.Logger) (*Server, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if p == nil {
		return nil, errors.New("pipeline is required")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		runner:  runner,
		pipe:    p,
		logger:  logger,
		maxBody: DefaultMaxBody,
	}, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runs", s.handleRun)
	mux.HandleFunc("GET /v1/healthz", s.handleHealthz)
	return mux
}

type runRequest struct {
	Content string `json:"content"`
}

type runResponse struct {
	RunID    string          `json:"run_id"`
	Pipeline string          `json:"pipeline"`
	Goal     string          `json:"goal"`
	Artifact artifactPayload `json:"artifact"`
	Stages   []stageSummary  `json:"stages"`
}

type artifactPayload struct {
	Stage      string                    `json:"stage"`
	Fields     map[string]artifact.Value `json:"fields"`
	Content    string                    `json:"content"`
	Hash       string                    `json:"hash"`
	CreatedAt  time.Time                 `json:"created_at"`
	Provenance []artifact.Ref            `json:"provenance,omitempty"`
}

type stageSummary struct {
	Name           string `json:"name"`
	Adapter        string `json:"adapter"`
	Model          string `json:"model"`
	DurationMillis int64  `json:"duration_ms"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
	Field   string `json:"field,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)
	logger := s.logger.With(zap.String("request_id", requestID))

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		logger.Warn("bad run request", zap.Error(err))
		writeJSON(w, status, errorBody{Error: errorDetail{
			Kind:    "request",
			Message: "invalid request body",
		}})
		return
	}

	start := time.Now()
	res, err := s.runner.Run(r.Context(), s.pipe, pipeline.NewInput(req.Content))
	if err != nil {
		detail, status := classify(err)
		logger.Warn("run failed",
			zap.String("kind", detail.Kind),
			zap.String("stage", detail.Stage),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		writeJSON(w, status, errorBody{Error: detail})
		return
	}

	logger.Info("run completed",
		zap.String("run_id", res.RunID),
		zap.String("pipeline", res.Record.Pipeline),
		zap.Int("stages", len(res.Stages)),
		zap.Duration("duration", time.Since(start)))

	writeJSON(w, http.StatusOK, buildResponse(res))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func buildResponse(res *pipeline.Result) runResponse {
	goal := res.Goal
	resp := runResponse{
		RunID:    res.RunID,
		Pipeline: res.Record.Pipeline,
		Goal:     goal.Stage,
		Artifact: artifactPayload{
			Stage:      goal.Stage,
			Fields:     goal.Fields,
			Content:    goal.Content,
			Hash:       goal.Hash,
			CreatedAt:  goal.CreatedAt,
			Provenance: goal.Provenance,
		},
	}
	for _, record := range res.Records {
		resp.Stages = append(resp.Stages, stageSummary{
			Name:           record.Stage,
			Adapter:        record.Adapter,
			Model:          record.Model,
			DurationMillis: record.DurationMillis,
		})
	}
	return resp
}

// classify maps a run failure to its error kind and HTTP status.
func classify(err error) (errorDetail, int) {
	detail := errorDetail{Message: err.Error()}

	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		detail.Stage = stageErr.Stage
	}

	var missing *pipeline.MissingDependencyError
	var parseErr *parse.Error
	var tmplErr *prompt.TemplateError
	switch {
	case errors.As(err, &missing):
		detail.Kind = "missing_dependency"
		if detail.Stage == "" {
			detail.Stage = missing.Stage
		}
		return detail, http.StatusInternalServerError
	case errors.As(err, &parseErr):
		detail.Kind = "parse"
		detail.Field = parseErr.Field
		detail.Snippet = parseErr.Snippet
		return detail, http.StatusUnprocessableEntity
	case errors.As(err, &tmplErr):
		detail.Kind = "template"
		detail.Field = tmplErr.Placeholder
		return detail, http.StatusBadRequest
	case adapter.IsTimeout(err):
		detail.Kind = "model_timeout"
		return detail, http.StatusGatewayTimeout
	case adapter.IsUnavailable(err):
		detail.Kind = "model_unavailable"
		return detail, http.StatusBadGateway
	default:
		detail.Kind = "internal"
		return detail, http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
