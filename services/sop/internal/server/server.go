package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"sopdesk/internal/metrics"
	"sopdesk/internal/ratelimit"
	"sopdesk/internal/util"
	"sopdesk/pkg/domain"
	"sopdesk/pkg/store"
	"sopdesk/services/sop/internal/app"
)

const (
	maxBodyBytes = 1 << 20
	rateWindow   = time.Minute
)

const (
	routeLookup      = "/lookup_employee"
	routeCount       = "/get_sop_count"
	routeHistory     = "/get_all_submissions"
	routeSubmit      = "/submit_sop"
	routeStatus      = "/update_status"
	routeAssignment  = "/update_assignment"
	routeHealth      = "/healthz"
	routeMetrics     = "/metrics"
	routeUnmatched   = "other"
	msgDBUnavailable = "Database connection error."
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                      *app.App
	Metrics                  *metrics.Metrics
	RedisAddr                string
	RedisPassword            string
	SubmitRateLimitPerMinute int
	LookupRateLimitPerMinute int
	TrustedProxyCIDRs        []string
}

// Server exposes the SOP request endpoints.
type Server struct {
	app           *app.App
	metrics       *metrics.Metrics
	mux           *http.ServeMux
	trusted       *util.TrustedProxies
	redis         *redis.Client
	submitLimiter *ratelimit.FixedWindowLimiter
	lookupLimiter *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured. Rate limiting is off
// unless a Redis address and a positive limit are configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:     cfg.App,
		metrics: cfg.Metrics,
		mux:     http.NewServeMux(),
		trusted: trusted,
	}
	if cfg.RedisAddr != "" && (cfg.SubmitRateLimitPerMinute > 0 || cfg.LookupRateLimitPerMinute > 0) {
		client, err := ratelimit.NewClient(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, err
		}
		s.redis = client
		newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
			if limit <= 0 {
				return nil, nil
			}
			limiter, err := ratelimit.NewFixedWindowLimiter(client, "sopdesk:ratelimit:"+name, limit, rateWindow)
			if err != nil {
				return nil, fmt.Errorf("init %s limiter: %w", name, err)
			}
			return limiter, nil
		}
		if s.submitLimiter, err = newLimiter("submit", cfg.SubmitRateLimitPerMinute); err != nil {
			_ = client.Close()
			return nil, err
		}
		if s.lookupLimiter, err = newLimiter("lookup", cfg.LookupRateLimitPerMinute); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	s.routes()
	return s, nil
}

// Close releases the rate limiter connection, if any.
func (s *Server) Close() error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Close()
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("sop", util.WithSecurityHeaders(util.WithCORS(s.mux)), s.observe))
}

func (s *Server) routes() {
	s.mux.HandleFunc(routeHealth, s.handleHealth)
	s.mux.Handle(routeMetrics, s.metrics.Handler())

	s.mux.HandleFunc(routeLookup, s.handleLookupEmployee)
	s.mux.HandleFunc(routeCount, s.handleCount)
	s.mux.HandleFunc(routeHistory, s.handleHistory)
	s.mux.HandleFunc(routeSubmit, s.handleSubmit)
	s.mux.HandleFunc(routeStatus, s.handleUpdateStatus)
	s.mux.HandleFunc(routeAssignment, s.handleUpdateAssignment)
}

// observe keeps metric label cardinality bounded to known routes.
func (s *Server) observe(path string, status int, elapsed time.Duration) {
	switch path {
	case routeLookup, routeCount, routeHistory, routeSubmit, routeStatus, routeAssignment, routeHealth, routeMetrics:
	default:
		path = routeUnmatched
	}
	s.metrics.ObserveRequest(path, status, elapsed)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLookupEmployee(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, false)
		return
	}
	if !s.allowRate(w, r, s.lookupLimiter, false) {
		return
	}
	var req lookupRequest
	if !readJSON(w, r, &req, false) {
		return
	}
	suggestions, err := s.app.SuggestEmployees(r.Context(), req.EmailPrefix)
	if err != nil {
		s.writeAppError(w, r, err, readErrors("Internal server error during DB query."))
		return
	}
	util.LoggerFromContext(r.Context()).Info("employee lookup", "matches", len(suggestions))
	if suggestions == nil {
		suggestions = []domain.Employee{}
	}
	writeJSON(w, http.StatusOK, suggestions)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, false)
		return
	}
	count, err := s.app.CountRequests(r.Context())
	if err != nil {
		s.writeAppError(w, r, err, readErrors("Internal server error during count query."))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, false)
		return
	}
	requests, err := s.app.RecentRequests(r.Context())
	if err != nil {
		s.writeAppError(w, r, err, readErrors("Internal server error during history query."))
		return
	}
	rows := make([]historyRow, 0, len(requests))
	for _, req := range requests {
		rows = append(rows, historyFromDomain(req))
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": rows})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, true)
		return
	}
	if !s.allowRate(w, r, s.submitLimiter, true) {
		return
	}
	var req submitRequest
	if !readJSON(w, r, &req, true) {
		return
	}
	if err := validate.Struct(req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Invalid submission: "+describeValidation(err), true)
		return
	}
	res, err := s.app.Submit(r.Context(), req.toDomain())
	if err != nil {
		s.writeAppError(w, r, err, writeErrors("Failed to process submission on the server."))
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		Success:   true,
		Message:   "SOP Request submitted successfully and saved to the database.",
		RequestID: res.Request.ID,
		CreatedAt: formatISO(res.Request.CreatedAt),
		EmailSent: res.EmailSent,
	})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, true)
		return
	}
	var req updateStatusRequest
	if !readJSON(w, r, &req, true) {
		return
	}
	if err := validate.Struct(req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Missing 'request_id', 'new_status', or 'reason'.", true)
		return
	}
	update, err := s.app.UpdateStatus(r.Context(), int64(req.RequestID), domain.RequestStatus(req.NewStatus), req.Reason)
	if err != nil {
		s.writeAppError(w, r, err, writeErrors("Failed to update status on the server."))
		return
	}
	resp := updateStatusResponse{
		Success:     true,
		Message:     "Status and reason updated successfully.",
		LastUpdated: formatISO(update.LastUpdated),
	}
	if update.CompletedOn != nil {
		resp.CompletedOn = formatISO(*update.CompletedOn)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateAssignment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, true)
		return
	}
	var req updateAssignmentRequest
	if !readJSON(w, r, &req, true) {
		return
	}
	if err := validate.Struct(req); err != nil {
		writeFailure(w, http.StatusBadRequest, "Missing 'request_id' or 'assigned_to'.", true)
		return
	}
	lastUpdated, err := s.app.UpdateAssignment(r.Context(), int64(req.RequestID), req.AssignedTo)
	if err != nil {
		s.writeAppError(w, r, err, writeErrors("Failed to update assignment on the server."))
		return
	}
	writeJSON(w, http.StatusOK, updateAssignmentResponse{
		Success:     true,
		Message:     fmt.Sprintf("Assigned to %s successfully.", req.AssignedTo),
		LastUpdated: formatISO(lastUpdated),
	})
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, write bool) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	if limiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(limiter.Window().Seconds())))
	writeFailure(w, http.StatusTooManyRequests, "too many requests", write)
	return false
}

// failure describes how an endpoint reports errors.
type failure struct {
	write    bool
	internal string
}

func readErrors(internal string) failure {
	return failure{internal: internal}
}

func writeErrors(internal string) failure {
	return failure{write: true, internal: internal}
}

// writeAppError logs the cause and answers with a generic message.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error, f failure) {
	logger := util.LoggerFromContext(r.Context()).With("path", r.URL.Path)
	var inputErr *app.InputError
	switch {
	case errors.As(err, &inputErr):
		writeFailure(w, http.StatusBadRequest, inputErr.Message, f.write)
	case errors.Is(err, app.ErrInvalidInput), errors.Is(err, store.ErrInvalidArgument):
		writeFailure(w, http.StatusBadRequest, "invalid request", f.write)
	case errors.Is(err, store.ErrNotFound):
		logger.Info("request not found", "err", err)
		writeFailure(w, http.StatusNotFound, "No record found with the provided request_id.", f.write)
	case errors.Is(err, store.ErrUnavailable):
		logger.Error("database unavailable", "err", err)
		msg := msgDBUnavailable
		if f.write {
			msg = "Database connection error. Check server logs."
		}
		writeFailure(w, http.StatusServiceUnavailable, msg, f.write)
	default:
		logger.Error("request failed", "err", err)
		writeFailure(w, http.StatusInternalServerError, f.internal, f.write)
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any, write bool) bool {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeFailure(w, http.StatusRequestEntityTooLarge, "request body too large", write)
			return false
		}
		writeFailure(w, http.StatusBadRequest, "invalid request body", write)
		return false
	}
	if err := decodeJSON(data, dst); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid JSON body", write)
		return false
	}
	return true
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid fields"
	}
	first := verrs[0]
	return fmt.Sprintf("field %s failed %s", first.Field(), first.Tag())
}

func methodNotAllowed(w http.ResponseWriter, write bool) {
	writeFailure(w, http.StatusMethodNotAllowed, "method not allowed", write)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error"`
}

// writeFailure adds "success": false on endpoints that mutate state.
func writeFailure(w http.ResponseWriter, status int, msg string, write bool) {
	resp := errorResponse{Error: msg}
	if write {
		success := false
		resp.Success = &success
	}
	writeJSON(w, status, resp)
}
