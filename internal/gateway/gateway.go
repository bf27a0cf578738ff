// Package gateway serves the HTTP API over the control core: approvals,
// alarms, hormone feedback, usage reporting, and a websocket stream of bus
// events.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/smolclaw/internal/alarm"
	"github.com/basket/smolclaw/internal/approval"
	"github.com/basket/smolclaw/internal/bus"
	"github.com/basket/smolclaw/internal/config"
	"github.com/basket/smolclaw/internal/control"
	"github.com/basket/smolclaw/internal/hormone"
	"github.com/basket/smolclaw/internal/otel"
	"github.com/basket/smolclaw/internal/shared"
)

// UsageRecorder is the budget source the LLM wrapper reports calls to.
type UsageRecorder interface {
	Record(ctx context.Context, agentID string, n int) error
	UsageStatus() (hormone.Usage, error)
}

// MetricsSource reports the current value of every metric instrument.
type MetricsSource interface {
	Snapshot(ctx context.Context) ([]otel.MetricPoint, error)
}

type Config struct {
	Core  *control.Core
	Bus   *bus.Bus
	Usage UsageRecorder

	// APIKeys are the bearer tokens accepted on every route but /healthz.
	APIKeys []string

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config exposed in /api/status.
	ConfigFingerprint string

	CORS         config.CORSConfig
	RateLimit    config.RateLimitConfig
	MaxBodyBytes int64

	Tracer   trace.Tracer
	Metrics  *otel.Metrics
	Counters MetricsSource
	Logger   *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	auth    *AuthMiddleware
	limiter *RateLimiter
	bodies  *bodyValidator
	started time.Time
}

func New(cfg Config) (*Server, error) {
	if cfg.Core == nil {
		return nil, errors.New("gateway: core is required")
	}
	bodies, err := newBodyValidator()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		auth:    NewAuthMiddleware(cfg.APIKeys),
		limiter: NewRateLimiter(cfg.RateLimit, logger),
		bodies:  bodies,
		started: time.Now(),
	}, nil
}

// StartEviction drops idle rate-limit buckets until ctx is done.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.StartEviction(ctx, 5*time.Minute, 15*time.Minute)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("GET /api/status", s.handleStatus)

	mux.HandleFunc("GET /api/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /api/approvals", s.handleEnqueue)
	mux.HandleFunc("GET /api/approvals/{id}", s.handleGetApproval)
	mux.HandleFunc("POST /api/approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/approvals/{id}/reject", s.handleReject)

	mux.HandleFunc("GET /api/agents/{agent}/hormones", s.handleHormones)
	mux.HandleFunc("POST /api/agents/{agent}/nudge", s.handleNudge)
	mux.HandleFunc("POST /api/agents/{agent}/sentiment", s.handleSentiment)
	mux.HandleFunc("GET /api/agents/{agent}/alarms", s.handleListAlarms)
	mux.HandleFunc("POST /api/agents/{agent}/alarms", s.handleAddAlarm)
	mux.HandleFunc("DELETE /api/agents/{agent}/alarms/{id}", s.handleRemoveAlarm)
	mux.HandleFunc("PUT /api/agents/{agent}/alarms/{id}/enabled", s.handleSetAlarmEnabled)

	mux.HandleFunc("GET /api/usage", s.handleUsage)
	mux.HandleFunc("POST /api/usage", s.handleRecordUsage)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)

	var h http.Handler = mux
	h = s.auth.Wrap(h)
	h = s.limiter.Wrap(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.CORS, s.cfg.AllowOrigins)(h)
	return s.instrument(h)
}

// statusRecorder captures the response code for metrics and logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes the websocket upgrade through to the underlying writer.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

// instrument attaches a trace id and server span to each request and
// records its duration.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := strings.TrimSpace(r.Header.Get("X-Trace-ID"))
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		route := metricRoute(r.URL.Path)
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx = shared.WithActor(ctx, "api")
		ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, "http "+r.Method+" "+route,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
		)
		defer span.End()

		w.Header().Set("X-Trace-ID", traceID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if rec.status >= 500 {
			otel.FailMsg(span, http.StatusText(rec.status))
		}
		elapsed := time.Since(start)
		s.cfg.Metrics.Request(ctx, route, rec.status, elapsed.Seconds())
		if route != "/healthz" {
			s.logger.DebugContext(ctx, "gateway: request", "method", r.Method, "path", r.URL.Path,
				"status", rec.status, "duration_ms", elapsed.Milliseconds())
		}
	})
}

// metricRoute keeps metric cardinality bounded: "/api/approvals/ab12cd34/approve"
// becomes "/api/approvals".
func metricRoute(path string) string {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	if len(parts) >= 2 && parts[0] == "api" {
		return "/api/" + parts[1]
	}
	return "/" + parts[0]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps a core error onto an HTTP status.
func writeFailure(w http.ResponseWriter, err error) {
	var (
		be *bodyError
		se *approval.StatusError
		ve *alarm.ValidationError
	)
	switch {
	case errors.As(err, &be):
		writeError(w, be.status, be.msg)
	case errors.As(err, &se):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "invalid_status", "status": string(se.Status)})
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Message, "kind": string(ve.Kind)})
	case errors.Is(err, approval.ErrNotFound), errors.Is(err, alarm.ErrNotFound), errors.Is(err, control.ErrUnknownAgent):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, approval.ErrUnsupported), errors.Is(err, approval.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, approval.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":        true,
		"agent_count":    len(s.cfg.Core.Agents().IDs()),
		"pending":        len(s.cfg.Core.Pending()),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"overview":    s.cfg.Core.Overview(),
		"config_hash": s.cfg.ConfigFingerprint,
		"time_unix":   time.Now().Unix(),
	}
	if s.cfg.Usage != nil {
		if u, err := s.cfg.Usage.UsageStatus(); err == nil {
			resp["usage"] = u
		} else {
			s.logger.Warn("gateway: usage status unavailable", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- approvals ---

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	var recs []approval.Record
	switch status := r.URL.Query().Get("status"); status {
	case "", string(approval.StatusPending):
		recs = s.cfg.Core.Pending()
	case "all":
		recs = s.cfg.Core.Queue().List()
	default:
		for _, rec := range s.cfg.Core.Queue().List() {
			if string(rec.Status) == status {
				recs = append(recs, rec)
			}
		}
	}
	if recs == nil {
		recs = []approval.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": recs})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID  string         `json:"agent_id"`
		Platform string         `json:"platform"`
		Action   string         `json:"action"`
		Text     string         `json:"text"`
		Meta     map[string]any `json:"meta"`
	}
	if err := s.bodies.decode(r, "enqueue", &body); err != nil {
		writeFailure(w, err)
		return
	}
	rec, err := s.cfg.Core.RequestPost(r.Context(), approval.Request{
		AgentID:  body.AgentID,
		Platform: strings.ToLower(body.Platform),
		Action:   approval.Action(body.Action),
		Text:     body.Text,
		Meta:     body.Meta,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.cfg.Core.Queue().Get(r.PathValue("id"))
	if !ok {
		writeFailure(w, approval.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Core.Approve(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Core.Reject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- agents ---

func (s *Server) agent(w http.ResponseWriter, r *http.Request) (*control.Agent, bool) {
	a, err := s.cfg.Core.Agent(r.PathValue("agent"))
	if err != nil {
		writeFailure(w, err)
		return nil, false
	}
	return a, true
}

func (s *Server) handleHormones(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": a.ID(),
		"status":   a.Status(),
		"params":   a.ControlParams(),
	})
}

func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	var body struct {
		Dopamine float64 `json:"dopamine"`
		Cortisol float64 `json:"cortisol"`
	}
	if err := s.bodies.decode(r, "nudge", &body); err != nil {
		writeFailure(w, err)
		return
	}
	res, err := a.Nudge(r.Context(), body.Dopamine, body.Cortisol)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSentiment(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	var body struct {
		Score float64 `json:"score"`
	}
	if err := s.bodies.decode(r, "sentiment", &body); err != nil {
		writeFailure(w, err)
		return
	}
	applied := a.ApplySentiment(r.Context(), body.Score)
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied, "status": a.Status()})
}

func (s *Server) handleListAlarms(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	list := a.ListAlarms()
	if list == nil {
		list = []alarm.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": a.ID(), "alarms": list})
}

func (s *Server) handleAddAlarm(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	var body struct {
		Schedule  string `json:"schedule"`
		Prompt    string `json:"prompt"`
		ChannelID string `json:"channel_id"`
		CreatedBy string `json:"created_by"`
		Timezone  string `json:"timezone"`
	}
	if err := s.bodies.decode(r, "alarm", &body); err != nil {
		writeFailure(w, err)
		return
	}
	if body.CreatedBy == "" {
		body.CreatedBy = "api"
	}
	e, err := a.AddAlarm(r.Context(), body.Schedule, body.Prompt, body.ChannelID, body.CreatedBy, body.Timezone)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleRemoveAlarm(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	removed, err := a.RemoveAlarm(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	if !removed {
		writeFailure(w, alarm.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetAlarmEnabled(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := s.bodies.decode(r, "enabled", &body); err != nil {
		writeFailure(w, err)
		return
	}
	id := r.PathValue("id")
	if err := a.SetAlarmEnabled(r.Context(), id, body.Enabled); err != nil {
		writeFailure(w, err)
		return
	}
	e, _ := a.Alarms().Get(id)
	writeJSON(w, http.StatusOK, e)
}

// --- usage ---

func (s *Server) handleUsage(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Usage == nil {
		writeError(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}
	u, err := s.cfg.Usage.UsageStatus()
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Counters == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics not configured")
		return
	}
	points, err := s.cfg.Counters.Snapshot(r.Context())
	if errors.Is(err, otel.ErrDisabled) {
		writeError(w, http.StatusServiceUnavailable, "telemetry disabled: set otel.enabled in config.yaml")
		return
	}
	if err != nil {
		s.logger.Error("gateway: metrics snapshot failed", "error", err)
		writeError(w, http.StatusInternalServerError, "metrics snapshot failed")
		return
	}
	if points == nil {
		points = []otel.MetricPoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": points})
}

// handleRecordUsage lets the LLM wrapper report model calls against the
// daily budget that drives energy.
func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Usage == nil {
		writeError(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}
	var body struct {
		AgentID string `json:"agent_id"`
		Calls   int    `json:"calls"`
	}
	if err := s.bodies.decode(r, "usage", &body); err != nil {
		writeFailure(w, err)
		return
	}
	if _, err := s.cfg.Core.Agent(body.AgentID); err != nil {
		writeFailure(w, err)
		return
	}
	if err := s.cfg.Usage.Record(r.Context(), body.AgentID, body.Calls); err != nil {
		writeFailure(w, err)
		return
	}
	u, err := s.cfg.Usage.UsageStatus()
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
