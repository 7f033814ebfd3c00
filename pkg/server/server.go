package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gcz-labs/gatekeeper/pkg/audit"
	"github.com/gcz-labs/gatekeeper/pkg/contracts"
	"github.com/gcz-labs/gatekeeper/pkg/drift"
	"github.com/gcz-labs/gatekeeper/pkg/freeze"
)

// Submitter is the slice of the change request service the API uses.
type Submitter interface {
	Submit(ctx context.Context, payload, plan string) (*contracts.ChangeRequest, error)
	Get(ctx context.Context, id int64) (*contracts.ChangeRequest, error)
}

// WebhookSink consumes raw inbound channel events. It never returns:
// the ingress acks unconditionally and failures stay internal.
type WebhookSink interface {
	HandleCallback(ctx context.Context, raw []byte)
}

// AuditQuerier serves post-hoc ledger review.
type AuditQuerier interface {
	Query(filter audit.QueryFilter) []*audit.Event
}

// Server is the HTTP surface of the control plane.
type Server struct {
	submitter Submitter
	webhook   WebhookSink
	freezer   *freeze.Controller
	auditor   AuditQuerier
	detector  *drift.Detector
	ledger    audit.Ledger
	logger    *slog.Logger
}

// New assembles the server. webhook, auditor and detector may be nil;
// the matching endpoints then answer 404.
func New(submitter Submitter, webhook WebhookSink, freezer *freeze.Controller,
	auditor AuditQuerier, detector *drift.Detector, ledger audit.Ledger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		submitter: submitter,
		webhook:   webhook,
		freezer:   freezer,
		auditor:   auditor,
		detector:  detector,
		ledger:    ledger,
		logger:    logger,
	}
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler(jwtSecret []byte, limiter *GlobalRateLimiter) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /webhook/telegram", s.handleWebhook)
	mux.HandleFunc("POST /api/v1/requests", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/requests/{id}", s.handleGetRequest)
	mux.HandleFunc("GET /api/v1/freeze", s.handleFreezeStatus)
	mux.HandleFunc("POST /api/v1/freeze", s.handleFreeze)
	mux.HandleFunc("POST /api/v1/unfreeze", s.handleUnfreeze)
	mux.HandleFunc("POST /api/v1/bypass", s.handleBypass)
	mux.HandleFunc("GET /api/v1/audit", s.handleAuditQuery)
	mux.HandleFunc("GET /api/v1/drift/history", s.handleDriftHistory)
	mux.HandleFunc("POST /api/v1/drift/rebaseline", s.handleRebaseline)

	var handler http.Handler = mux
	handler = JWTAuth(jwtSecret)(handler)
	if limiter != nil {
		handler = limiter.Middleware(handler)
	}
	return RequestID(handler)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook acks immediately and processes the update off the
// request goroutine. The channel redelivers on non-2xx, so any failure
// past this point is handled internally, never surfaced as a status
// code.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		// Still a 200: an oversized or torn body will not get better on
		// redelivery.
		s.logger.Warn("webhook body unreadable", "error", err)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	if s.webhook != nil {
		go s.webhook.HandleCallback(context.WithoutCancel(r.Context()), raw)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// SubmitRequest is the body of POST /api/v1/requests.
type SubmitRequest struct {
	Payload string `json:"payload"`
	Plan    string `json:"plan,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	record, err := s.submitter.Submit(r.Context(), req.Payload, req.Plan)
	if err != nil {
		if errors.Is(err, contracts.ErrValidation) {
			WriteBadRequest(w, err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "Request id must be an integer")
		return
	}
	record, err := s.submitter.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			WriteNotFound(w, "No such change request")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleFreezeStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.freezer.Snapshot())
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	s.freezer.SetFreeze(true)
	s.appendEvent(audit.EventFreezeToggle, map[string]any{"frozen": true, "via": "api", "subject": Subject(r.Context())})
	writeJSON(w, http.StatusOK, s.freezer.Snapshot())
}

func (s *Server) handleUnfreeze(w http.ResponseWriter, r *http.Request) {
	s.freezer.SetFreeze(false)
	s.appendEvent(audit.EventFreezeToggle, map[string]any{"frozen": false, "via": "api", "subject": Subject(r.Context())})
	writeJSON(w, http.StatusOK, s.freezer.Snapshot())
}

// BypassRequest is the body of POST /api/v1/bypass.
type BypassRequest struct {
	Minutes int `json:"minutes"`
}

func (s *Server) handleBypass(w http.ResponseWriter, r *http.Request) {
	var req BypassRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	until := s.freezer.GrantBypass(time.Duration(req.Minutes) * time.Minute)
	s.appendEvent(audit.EventBypassGranted, map[string]any{
		"until": until, "via": "api", "subject": Subject(r.Context()),
	})
	writeJSON(w, http.StatusOK, s.freezer.Snapshot())
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.auditor == nil {
		WriteNotFound(w, "Audit query is not enabled")
		return
	}
	filter := audit.QueryFilter{
		Type: audit.EventType(r.URL.Query().Get("type")),
	}
	if raw := r.URL.Query().Get("request_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			WriteBadRequest(w, "request_id must be an integer")
			return
		}
		filter.RequestID = id
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.MaxResults = limit
	}
	writeJSON(w, http.StatusOK, s.auditor.Query(filter))
}

func (s *Server) handleDriftHistory(w http.ResponseWriter, r *http.Request) {
	if s.detector == nil {
		WriteNotFound(w, "Drift detection is not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		WriteBadRequest(w, "path query parameter is required")
		return
	}
	entries, err := s.detector.History(path, 100)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// RebaselineRequest is the body of POST /api/v1/drift/rebaseline.
type RebaselineRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleRebaseline(w http.ResponseWriter, r *http.Request) {
	if s.detector == nil {
		WriteNotFound(w, "Drift detection is not enabled")
		return
	}
	var req RebaselineRequest
	if err := decodeJSON(r, &req); err != nil || req.Path == "" {
		WriteBadRequest(w, "path is required")
		return
	}
	hash, err := s.detector.Rebaseline(req.Path)
	if err != nil {
		if errors.Is(err, contracts.ErrValidation) {
			WriteBadRequest(w, err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"frozen_hash": hash})
}

func (s *Server) appendEvent(eventType audit.EventType, details map[string]any) {
	if s.ledger == nil {
		return
	}
	if _, err := s.ledger.Append(eventType, 0, details); err != nil {
		s.logger.Error("audit append failed", "event_type", eventType, "error", err)
	}
}
