// Package httpapi exposes runs, sessions, keys and quota over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"llmarena/internal/apierror"
	"llmarena/internal/arena"
	"llmarena/internal/credentials"
	"llmarena/internal/engine"
	"llmarena/internal/history"
	"llmarena/internal/metrics"
	"llmarena/internal/providers"
	"llmarena/internal/providers/registry"
	"llmarena/internal/queue"
	"llmarena/internal/quota"
)

const (
	HeaderAccount = "X-Account-ID"
	HeaderSession = "X-Session-ID"
)

type KeyTester interface {
	Test(ctx context.Context, id providers.ID, key string) (credentials.Status, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.RunJob) (queue.RunJob, error)
}

type Config struct {
	Engine  *engine.Engine
	Catalog *registry.Catalog
	Keys    credentials.Store
	Tester  KeyTester
	History history.Store
	Quota   quota.Store
	// Queue is optional; async runs are refused without it.
	Queue       Enqueuer
	HealthPath  string
	MaxBodySize int64
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 1 << 20
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	return &Server{cfg: cfg}
}

// Router builds the chi router. Callers may mount more routes on it.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.logRequests)

	r.Get(s.cfg.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/providers", s.listProviders)
		r.Get("/providers/{provider}/models", s.listModels)

		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/{session}/runs", s.listRuns)
		r.Get("/sessions/{session}/runs/{run}", s.getRun)

		r.Group(func(r chi.Router) {
			r.Use(requireAccount)
			r.Get("/keys", s.listKeys)
			r.Put("/keys/{provider}", s.putKey)
			r.Post("/runs", s.createRun)
			r.Get("/quota/{provider}", s.quotaSeries)
		})
	})
	return r
}

type ctxKey struct{}

func requireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account := strings.TrimSpace(r.Header.Get(HeaderAccount))
		if account == "" {
			writeError(w, http.StatusUnauthorized, string(apierror.Unauthorized), HeaderAccount+" header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, account)))
	})
}

func accountFrom(r *http.Request) string {
	v, _ := r.Context().Value(ctxKey{}).(string)
	return v
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.cfg.Logger.Info().
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	})
}

type providerView struct {
	registry.ProviderMeta
	DeadlineMs int64 `json:"deadline_ms"`
}

func (s *Server) listProviders(w http.ResponseWriter, _ *http.Request) {
	metas := s.cfg.Catalog.Providers()
	out := make([]providerView, 0, len(metas))
	for _, m := range metas {
		out = append(out, providerView{ProviderMeta: m, DeadlineMs: m.Deadline.Milliseconds()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	id, ok := s.providerParam(w, r)
	if !ok {
		return
	}
	type model struct {
		Name    string            `json:"name"`
		Pricing *registry.Pricing `json:"pricing,omitempty"`
	}
	names := s.cfg.Catalog.Models(id)
	out := make([]model, 0, len(names))
	for _, n := range names {
		m := model{Name: n}
		if p, ok := s.cfg.Catalog.Pricing(id, n); ok {
			m.Pricing = &p
		}
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": id, "models": out})
}

func (s *Server) providerParam(w http.ResponseWriter, r *http.Request) (providers.ID, bool) {
	id, err := providers.ParseID(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, http.StatusNotFound, string(apierror.NotFound), err.Error())
		return "", false
	}
	if _, ok := s.cfg.Catalog.Provider(id); !ok {
		writeError(w, http.StatusNotFound, string(apierror.NotFound), "provider is not registered")
		return "", false
	}
	return id, true
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.cfg.Keys.List(r.Context(), accountFrom(r))
	if err != nil {
		s.internalError(w, r, "list keys", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

type putKeyRequest struct {
	APIKey string `json:"api_key"`
}

func (s *Server) putKey(w http.ResponseWriter, r *http.Request) {
	id, ok := s.providerParam(w, r)
	if !ok {
		return
	}
	var body putKeyRequest
	if !s.decode(w, r, &body) {
		return
	}
	key := strings.TrimSpace(body.APIKey)
	if key == "" {
		writeError(w, http.StatusBadRequest, string(apierror.InvalidRequest), "api_key is required")
		return
	}

	status, err := s.cfg.Tester.Test(r.Context(), id, key)
	if err != nil {
		s.cfg.Logger.Warn().Err(err).Str("provider", string(id)).Msg("key test failed")
		n := apierror.FromError(err)
		writeError(w, http.StatusBadGateway, string(n.Kind), n.Message)
		return
	}
	saved, err := s.cfg.Keys.SaveKey(r.Context(), accountFrom(r), id, key, status)
	if err != nil {
		s.internalError(w, r, "save key", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

type runRequest struct {
	arena.RunRequest
	DeadlineMs int64 `json:"deadline_ms,omitempty"`
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var body runRequest
	if !s.decode(w, r, &body) {
		return
	}
	account := accountFrom(r)
	sessionID := strings.TrimSpace(r.Header.Get(HeaderSession))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	w.Header().Set(HeaderSession, sessionID)
	deadline := time.Duration(body.DeadlineMs) * time.Millisecond

	if r.URL.Query().Get("async") == "true" {
		s.enqueueRun(w, r, account, sessionID, body.RunRequest, deadline)
		return
	}

	run, err := s.cfg.Engine.Run(r.Context(), engine.Spec{
		Account:   account,
		SessionID: sessionID,
		Request:   body.RunRequest,
		Deadline:  deadline,
	})
	if err != nil {
		s.runError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) enqueueRun(w http.ResponseWriter, r *http.Request, account, sessionID string, req arena.RunRequest, deadline time.Duration) {
	if s.cfg.Queue == nil {
		writeError(w, http.StatusNotImplemented, "unsupported", "async runs are not enabled")
		return
	}
	if err := s.cfg.Engine.Validate(req); err != nil {
		s.runError(w, r, err)
		return
	}
	if err := s.cfg.Engine.Admit(r.Context(), account); err != nil {
		s.runError(w, r, err)
		return
	}
	job, err := s.cfg.Queue.Enqueue(r.Context(), queue.RunJob{
		Account:   account,
		SessionID: sessionID,
		Request:   req,
		Deadline:  deadline,
	})
	if err != nil {
		s.internalError(w, r, "enqueue run", err)
		return
	}
	s.cfg.Metrics.EnqueuedJobs.Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":     job.JobID,
		"run_id":     job.RunID,
		"session_id": job.SessionID,
	})
}

func (s *Server) runError(w http.ResponseWriter, r *http.Request, err error) {
	var rl *engine.RateLimitError
	switch {
	case errors.Is(err, apierror.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, string(apierror.InvalidRequest), err.Error())
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", retryAfter(rl.ResetAt))
		writeError(w, http.StatusTooManyRequests, string(apierror.RateLimited), apierror.MsgRateLimited)
	case errors.Is(err, engine.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, string(apierror.RateLimited), apierror.MsgRateLimited)
	default:
		s.internalError(w, r, "run", err)
	}
}

func retryAfter(resetAt time.Time) string {
	secs := int64(time.Until(resetAt).Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.cfg.History.Sessions(r.Context())
	if err != nil {
		s.internalError(w, r, "list sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	h, err := history.Export(r.Context(), s.cfg.History, chi.URLParam(r, "session"))
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, string(apierror.NotFound), "session not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "export session", err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.cfg.History.Get(r.Context(), chi.URLParam(r, "session"), chi.URLParam(r, "run"))
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, string(apierror.NotFound), "run not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) quotaSeries(w http.ResponseWriter, r *http.Request) {
	id, ok := s.providerParam(w, r)
	if !ok {
		return
	}
	points, err := s.cfg.Quota.Series(r.Context(), accountFrom(r), id)
	if err != nil {
		s.internalError(w, r, "quota series", err)
		return
	}
	if points == nil {
		points = []arena.QuotaPoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": id, "points": points})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, string(apierror.InvalidRequest), "malformed JSON body")
		return false
	}
	return true
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.cfg.Logger.Error().Err(err).
		Str("request_id", chimiddleware.GetReqID(r.Context())).
		Str("op", op).
		Msg("request failed")
	writeError(w, http.StatusInternalServerError, string(apierror.Unknown), apierror.MsgUnknown)
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	var b errorBody
	b.Error.Kind = kind
	b.Error.Message = message
	writeJSON(w, status, b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
