// Package authority implements the server of record: the canonical record
// table with per-record versions, its HTTP contract, and a client for that
// contract.
//
// Writes use optimistic concurrency. A PATCH names the version it was based
// on; if that is no longer current the write is refused with 409 and the
// caller must refetch. Accepted writes are announced on the push hub.
package authority

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	gocache "github.com/patrickmn/go-cache"
	prom "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/metrics"
	"github.com/fieldsync/fieldsync/internal/push"
	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/syncerr"
)

// IdempotencyHeader carries the client op id.
const IdempotencyHeader = "Idempotency-Key"

// ReplayedHeader is set on responses served from the idempotency cache.
const ReplayedHeader = "Idempotent-Replayed"

// EventPublisher announces accepted writes. push.Publisher implements it.
type EventPublisher interface {
	RecordChanged(ctx context.Context, r *schema.Record)
	AssignmentChanged(ctx context.Context, r *schema.Record, assignee string)
	Notify(ctx context.Context, subject string, n push.Notification)
	ForceRefresh(ctx context.Context, scopes []string)
}

// Config holds server configuration.
type Config struct {
	// Verifier authenticates API callers. Required.
	Verifier push.TokenVerifier

	// Push is mounted at /ws when set.
	Push http.Handler

	// Events receives accepted writes and admin broadcasts. Optional.
	Events EventPublisher

	// IdempotencyTTL is how long responses are kept for replay.
	IdempotencyTTL time.Duration

	// AdminSubjects may call /admin routes. Empty allows any authenticated
	// subject.
	AdminSubjects []string

	// Registry is served at /metrics when set.
	Registry *prom.Registry

	RequestTimeout time.Duration

	Logger  *zap.Logger
	Metrics metrics.Recorder
}

// DefaultConfig returns sensible defaults. Verifier must still be set.
func DefaultConfig() Config {
	return Config{
		IdempotencyTTL: 24 * time.Hour,
		RequestTimeout: 30 * time.Second,
	}
}

// Server serves the authority HTTP contract.
type Server struct {
	store    *Store
	cfg      Config
	router   *chi.Mux
	validate *validator.Validate
	replay   *gocache.Cache
	inflight singleflight.Group
	logger   *zap.Logger
	metrics  metrics.Recorder
	admins   map[string]bool
}

// NewServer creates a server over store.
func NewServer(store *Store, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = def.IdempotencyTTL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	s := &Server{
		store:    store,
		cfg:      cfg,
		router:   chi.NewRouter(),
		validate: validator.New(),
		replay:   gocache.New(cfg.IdempotencyTTL, time.Minute),
		logger:   logging.OrNop(cfg.Logger).Named("authority"),
		metrics:  metrics.OrNoop(cfg.Metrics),
		admins:   make(map[string]bool),
	}
	for _, a := range cfg.AdminSubjects {
		s.admins[a] = true
	}
	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	if s.cfg.Registry != nil {
		s.router.Handle("/metrics", metrics.HTTPHandler(s.cfg.Registry))
	}
	if s.cfg.Push != nil {
		// No request timeout: the connection is long lived.
		s.router.Handle("/ws", s.cfg.Push)
	}

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		r.Use(s.authenticate)

		r.Get("/resource", s.handleList)
		r.Get("/resource/{id}", s.handleGet)
		r.Patch("/resource/{id}", s.handlePatch)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/admin/refresh", s.handleRefresh)
			r.Post("/admin/notify", s.handleNotify)
		})
	})
}

type identityKey struct{}

func identityFrom(ctx context.Context) push.Identity {
	id, _ := ctx.Value(identityKey{}).(push.Identity)
	return id
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.cfg.Verifier.Verify(push.TokenFromRequest(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.admins) > 0 && !s.admins[identityFrom(r.Context()).Subject] {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorBody{Error: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.Get(r.Context(), id)
	if errors.Is(err, syncerr.ErrNotFound) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		s.logger.Error("get failed", logging.RecordID(id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.List(r.Context(), r.URL.Query().Get("branch"))
	if err != nil {
		s.logger.Error("list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if records == nil {
		records = []*schema.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// cachedResponse is a PATCH outcome kept for idempotent replay.
type cachedResponse struct {
	Status int
	Body   []byte
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := r.Header.Get(IdempotencyHeader)

	var patch schema.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	if key == "" {
		resp := s.applyPatch(r.Context(), id, patch)
		writeCached(w, resp, false)
		return
	}

	cacheKey := identityFrom(r.Context()).Subject + "/" + key
	if v, ok := s.replay.Get(cacheKey); ok {
		s.logger.Debug("replaying idempotent response", logging.OpID(key), logging.RecordID(id))
		writeCached(w, v.(cachedResponse), true)
		return
	}

	v, _, shared := s.inflight.Do(cacheKey, func() (any, error) {
		if v, ok := s.replay.Get(cacheKey); ok {
			return v, nil
		}
		resp := s.applyPatch(r.Context(), id, patch)
		if resp.Status < 500 {
			s.replay.SetDefault(cacheKey, resp)
		}
		return resp, nil
	})
	writeCached(w, v.(cachedResponse), shared)
}

func writeCached(w http.ResponseWriter, resp cachedResponse, replayed bool) {
	w.Header().Set("Content-Type", "application/json")
	if replayed {
		w.Header().Set(ReplayedHeader, "true")
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func respond(code int, v any) cachedResponse {
	data, _ := json.Marshal(v)
	return cachedResponse{Status: code, Body: append(data, '\n')}
}

// applyPatch validates and commits one write, then announces it.
func (s *Server) applyPatch(ctx context.Context, id string, patch schema.Patch) cachedResponse {
	if err := s.validate.Struct(patch); err != nil {
		s.metrics.IncAuthorityWrite("invalid")
		return respond(http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	}
	if patch.IsEmpty() {
		s.metrics.IncAuthorityWrite("invalid")
		return respond(http.StatusUnprocessableEntity, errorBody{Error: "patch changes nothing"})
	}

	before, updated, err := s.store.Apply(ctx, id, patch)
	var conflict *syncerr.VersionConflict
	switch {
	case errors.Is(err, syncerr.ErrNotFound):
		s.metrics.IncAuthorityWrite("not_found")
		return respond(http.StatusNotFound, errorBody{Error: "record not found"})
	case errors.As(err, &conflict):
		s.metrics.IncAuthorityWrite("conflict")
		s.logger.Info("stale write refused",
			logging.RecordID(id), zap.Int64("expected_version", patch.ExpectedVersion))
		return respond(http.StatusConflict, errorBody{Error: conflict.Error()})
	case err != nil:
		s.metrics.IncAuthorityWrite("error")
		s.logger.Error("apply failed", logging.RecordID(id), zap.Error(err))
		return respond(http.StatusInternalServerError, errorBody{Error: "internal error"})
	}

	s.metrics.IncAuthorityWrite("accepted")
	s.logger.Info("write accepted", logging.RecordID(id), logging.Version(updated.Version))

	if s.cfg.Events != nil {
		// Detached so a cancelled request does not suppress the broadcast.
		pctx := context.WithoutCancel(ctx)
		s.cfg.Events.RecordChanged(pctx, updated)
		if a := updated.Assignee(); a != "" && a != before.Assignee() {
			s.cfg.Events.AssignmentChanged(pctx, updated, a)
		}
	}
	return respond(http.StatusOK, updated)
}

type refreshRequest struct {
	Scopes []string `json:"scopes,omitempty"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed body")
			return
		}
	}
	if s.cfg.Events != nil {
		s.cfg.Events.ForceRefresh(r.Context(), req.Scopes)
	}
	s.logger.Info("force refresh requested", zap.Strings("scopes", req.Scopes))
	writeJSON(w, http.StatusAccepted, req)
}

type notifyRequest struct {
	Subject  string `json:"subject" validate:"required"`
	Category string `json:"category" validate:"required"`
	Message  string `json:"message" validate:"required"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	n := push.Notification{ID: middleware.GetReqID(r.Context()), Category: req.Category, Message: req.Message}
	if s.cfg.Events != nil {
		s.cfg.Events.Notify(r.Context(), req.Subject, n)
	}
	writeJSON(w, http.StatusAccepted, n)
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("authority listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
