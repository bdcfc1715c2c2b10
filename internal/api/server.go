// Package api exposes the list action orchestrator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"recruiter-outreach-scheduler/internal/listactions"
	"recruiter-outreach-scheduler/internal/models"
	"recruiter-outreach-scheduler/internal/ratelimit"
	"recruiter-outreach-scheduler/internal/telemetry"
)

// Orchestrator is the list action surface served by the API.
type Orchestrator interface {
	Add(ctx context.Context, p listactions.Principal, listID int64, applicants []int64) (listactions.Result, error)
	Remove(ctx context.Context, p listactions.Principal, listID int64, applicants []int64) (listactions.Result, error)
	Disable(ctx context.Context, p listactions.Principal, listID int64, applicants []int64) (listactions.Result, error)
	Send(ctx context.Context, p listactions.Principal, listID int64, applicants []int64, cfg listactions.SendConfig) (listactions.SendResult, error)
	Nudge(ctx context.Context, p listactions.Principal, listID int64, applicants []int64) (listactions.SendResult, error)
	Cancel(ctx context.Context, p listactions.Principal, listID, actionID int64) (listactions.ActionStatus, error)
	ListByList(ctx context.Context, p listactions.Principal, listID int64, status models.ActionStatus, t models.ActionType) ([]models.Action, error)
	Status(ctx context.Context, p listactions.Principal, listID, actionID int64) (listactions.ActionStatus, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the recruiter API.
type Server struct {
	basePath string
	actions  Orchestrator
	limiter  *ratelimit.TokenBucket
	health   []Pinger
}

// New constructs the API server. limiter may be nil.
func New(basePath string, actions Orchestrator, limiter *ratelimit.TokenBucket, health ...Pinger) *Server {
	if basePath == "" {
		basePath = "/api/v1"
	}
	return &Server{
		basePath: basePath,
		actions:  actions,
		limiter:  limiter,
		health:   health,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID, accessLog, recovery)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route(s.basePath+"/list-actions/{list_id}", func(r chi.Router) {
		r.Use(authenticate, rateLimit(s.limiter))
		r.Get("/", s.handleList)
		r.Post("/send", s.handleSend)
		r.Post("/nudge", s.handleNudge)
		r.Post("/add", s.membership(s.actions.Add))
		r.Post("/remove", s.membership(s.actions.Remove))
		r.Post("/disable", s.membership(s.actions.Disable))
		r.Get("/{action_id}/cancel", s.handleCancel)
		r.Get("/{action_id}/status", s.handleStatus)
	})
	return r
}

// actionBody accepts both {applicants, additional_config} and the same
// fields wrapped in {request: ...}.
type actionBody struct {
	Applicants       []int64                 `json:"applicants"`
	AdditionalConfig *listactions.SendConfig `json:"additional_config,omitempty"`
}

type actionRequest struct {
	actionBody
	Request *actionBody `json:"request,omitempty"`
}

func (a actionRequest) body() actionBody {
	if a.Request != nil {
		return *a.Request
	}
	return a.actionBody
}

// sendItem is the per-action entry returned by send and nudge.
type sendItem struct {
	ActionID  int64  `json:"action_id,string"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
}

func sendItems(res listactions.SendResult) []sendItem {
	return []sendItem{{ActionID: res.ActionID, Status: res.Status, StatusURL: res.StatusURL}}
}

type dataEnvelope struct {
	Data any `json:"data"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	for _, p := range s.health {
		if err := p.Ping(r.Context()); err != nil {
			loggerFrom(r).Warn().Err(err).Msg("health check")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type membershipFunc func(ctx context.Context, p listactions.Principal, listID int64, applicants []int64) (listactions.Result, error)

func (s *Server) membership(op membershipFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		listID, req, ok := decodeAction(w, r)
		if !ok {
			return
		}
		res, err := op(r.Context(), principalFrom(r), listID, req.Applicants)
		if err != nil {
			failErr(w, r, err)
			return
		}
		results := res.Results
		if results == nil {
			results = []models.StatusBucket{}
		}
		writeJSON(w, http.StatusOK, dataEnvelope{Data: results})
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	listID, req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	var cfg listactions.SendConfig
	if req.AdditionalConfig != nil {
		cfg = *req.AdditionalConfig
	}
	res, err := s.actions.Send(r.Context(), principalFrom(r), listID, req.Applicants, cfg)
	if err != nil {
		failErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, dataEnvelope{Data: sendItems(res)})
}

func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	listID, req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	res, err := s.actions.Nudge(r.Context(), principalFrom(r), listID, req.Applicants)
	if err != nil {
		failErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, dataEnvelope{Data: sendItems(res)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	listID, actionID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	res, err := s.actions.Cancel(r.Context(), principalFrom(r), listID, actionID)
	if err != nil {
		failErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dataEnvelope{Data: res.Details})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	listID, actionID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	res, err := s.actions.Status(r.Context(), principalFrom(r), listID, actionID)
	if err != nil {
		failErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dataEnvelope{Data: res})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	listID, ok := pathID(w, r, "list_id")
	if !ok {
		return
	}
	q := r.URL.Query()
	res, err := s.actions.ListByList(r.Context(), principalFrom(r), listID,
		models.ActionStatus(q.Get("status")), models.ActionType(q.Get("action")))
	if err != nil {
		failErr(w, r, err)
		return
	}
	if res == nil {
		res = []models.Action{}
	}
	writeJSON(w, http.StatusOK, dataEnvelope{Data: res})
}

func decodeAction(w http.ResponseWriter, r *http.Request) (int64, actionBody, bool) {
	listID, ok := pathID(w, r, "list_id")
	if !ok {
		return 0, actionBody{}, false
	}
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid json")
		return 0, actionBody{}, false
	}
	return listID, req.body(), true
}

func pathIDs(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	listID, ok := pathID(w, r, "list_id")
	if !ok {
		return 0, 0, false
	}
	actionID, ok := pathID(w, r, "action_id")
	return listID, actionID, ok
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		fail(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
