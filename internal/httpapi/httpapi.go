// Package httpapi is Conductor's thin operator-facing HTTP surface (spec
// §6): webhook ingress, manual task triggering, liveness/readiness, and
// Prometheus exposition.
//
// The router shape, the bearer-token authorization middleware, and the
// composite/lightweight health check split are generalized from the
// teacher's server/api.go (initRouter, MattermostAuthorizationRequired,
// handleHealthCheck) and server/healthcheck.go (handleHealthz), replacing
// "logged-in Mattermost user" with "possesses the configured operator
// token" and "Cursor API reachable" with "storage reachable".
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/queue"
	"github.com/conductor-dev/conductor/internal/store"
	"github.com/conductor-dev/conductor/internal/taskfsm"
)

// Dependencies wires httpapi to the rest of Conductor.
type Dependencies struct {
	Store          store.Store
	Queue          *queue.Queue
	Config         *config.Config
	Metrics        *metrics.Metrics
	WebhookHandler http.HandlerFunc
	Now            func() time.Time
	Log            zerolog.Logger
}

// NewRouter builds the full route table.
func NewRouter(deps Dependencies) *mux.Router {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	router := mux.NewRouter()
	router.Use(loggingMiddleware(deps.Log))

	router.HandleFunc("/webhooks", deps.WebhookHandler).Methods(http.MethodPost)

	router.HandleFunc("/health", handleHealth(deps)).Methods(http.MethodGet)
	router.HandleFunc("/health/live", handleLive(deps)).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", handleReady(deps)).Methods(http.MethodGet)

	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	limiter := newInMemoryRateLimiter(deps.Config.Server.RateLimitPerMinute, time.Minute, deps.Now)
	authed := router.NewRoute().Subrouter()
	authed.Use(requireBearerToken(deps.Config.Server.AuthToken))
	authed.Use(rateLimitMiddleware(limiter))
	authed.HandleFunc("/trigger", handleTrigger(deps)).Methods(http.MethodPost)

	return router
}

func loggingMiddleware(log zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("http request")
			next.ServeHTTP(w, r)
		})
	}
}

// requireBearerToken rejects requests lacking `Authorization: Bearer
// <token>` matching the configured operator token. An empty configured
// token disables the check, matching the teacher's permissive local-dev
// posture when no admin gate is configured.
func requireBearerToken(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			if header != "Bearer "+token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// --- rate limiting, generalized from the teacher's server/ratelimit.go
// inMemoryRateLimiter: per-user-id window there, per-client-address here.

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

type inMemoryRateLimiter struct {
	mutex       sync.Mutex
	requests    map[string]rateLimitEntry
	maxRequests int
	window      time.Duration
	now         func() time.Time
}

func newInMemoryRateLimiter(maxRequests int, window time.Duration, now func() time.Time) *inMemoryRateLimiter {
	if maxRequests <= 0 {
		maxRequests = 100
	}
	if now == nil {
		now = time.Now
	}
	return &inMemoryRateLimiter{
		requests:    make(map[string]rateLimitEntry),
		maxRequests: maxRequests,
		window:      window,
		now:         now,
	}
}

func (l *inMemoryRateLimiter) allow(key string) bool {
	if key == "" {
		return true
	}

	now := l.now()

	l.mutex.Lock()
	defer l.mutex.Unlock()

	entry, exists := l.requests[key]
	if !exists || now.Sub(entry.windowStart) >= l.window {
		l.requests[key] = rateLimitEntry{windowStart: now, count: 1}
		return true
	}
	if entry.count >= l.maxRequests {
		return false
	}
	entry.count++
	l.requests[key] = entry
	return true
}

func rateLimitMiddleware(limiter *inMemoryRateLimiter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(clientKey(r)) {
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	return r.RemoteAddr
}

// --- health (spec §6 GET /health, /health/live, /health/ready) ---

// HealthResponse is the composite health document, generalized from the
// teacher's HealthResponse/HealthStatus.
type HealthResponse struct {
	Healthy       bool         `json:"healthy"`
	Storage       HealthStatus `json:"storage"`
	Configuration HealthStatus `json:"configuration"`
}

// HealthStatus reports one subsystem's health.
type HealthStatus struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func handleHealth(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := HealthResponse{}

		if err := deps.Config.IsValid(); err != nil {
			response.Configuration = HealthStatus{OK: false, Message: err.Error()}
		} else {
			response.Configuration = HealthStatus{OK: true}
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := deps.Store.Ping(ctx); err != nil {
			response.Storage = HealthStatus{OK: false, Message: err.Error()}
		} else {
			response.Storage = HealthStatus{OK: true}
		}

		response.Healthy = response.Configuration.OK && response.Storage.OK

		w.Header().Set("Content-Type", "application/json")
		if !response.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(response); err != nil {
			deps.Log.Error().Err(err).Msg("failed to encode health response")
		}
	}
}

// handleLive is the unconditional "process is up" probe; it never touches
// the store, mirroring the teacher's handleHealthz.
func handleLive(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deps.Log, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// handleReady additionally verifies storage reachability, the narrower
// readiness signal a container orchestrator polls before routing traffic.
func handleReady(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := deps.Store.Ping(ctx); err != nil {
			writeJSON(w, deps.Log, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, deps.Log, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeJSON(w http.ResponseWriter, log zerolog.Logger, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// --- manual trigger (spec §6 POST /trigger) ---

// TriggerRequest is the POST /trigger request body.
type TriggerRequest struct {
	RepositoryFullName string `json:"repositoryFullName"`
	InstallationID     int64  `json:"installationId"`
	Title              string `json:"title"`
	Description        string `json:"description,omitempty"`
}

// TriggerResponse is the POST /trigger 201 response body.
type TriggerResponse struct {
	TaskID string           `json:"taskId"`
	Status model.TaskStatus `json:"status"`
}

func handleTrigger(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TriggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.RepositoryFullName == "" || req.Title == "" {
			http.Error(w, "repositoryFullName and title are required", http.StatusBadRequest)
			return
		}

		task := &model.Task{
			RepositoryFullName: req.RepositoryFullName,
			InstallationID:     req.InstallationID,
			Title:              req.Title,
			Description:        req.Description,
			Status:             model.TaskPending,
		}
		ctx := r.Context()
		if err := deps.Store.InsertTask(ctx, task); err != nil {
			deps.Log.Error().Err(err).Msg("failed to insert task from manual trigger")
			http.Error(w, "failed to create task", http.StatusInternalServerError)
			return
		}

		jobID := "decompose-" + task.ID
		payload := taskfsm.Payload{TaskID: task.ID, Action: taskfsm.ActionDecompose}
		if err := deps.Queue.EnqueueNow(ctx, jobID, queue.Tasks, payload); err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
			deps.Log.Error().Err(err).Str("task", task.ID).Msg("failed to enqueue decompose job for triggered task")
			http.Error(w, "failed to enqueue task", http.StatusInternalServerError)
			return
		}

		writeJSON(w, deps.Log, http.StatusCreated, TriggerResponse{TaskID: task.ID, Status: task.Status})
	}
}
