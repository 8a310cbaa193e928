package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"identity-session/internal/circuitbreaker"
	"identity-session/internal/common/logging"
	"identity-session/internal/middleware"
)

// SessionStatus is the body served by GET /session. It never carries the
// signed token itself.
type SessionStatus struct {
	SignedIn       bool       `json:"signed_in"`
	SessionID      string     `json:"session_id,omitempty"`
	OrganizationID string     `json:"organization_id,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	Polling        bool       `json:"polling"`
}

// breakerReporter is implemented by fetchers guarded by a circuit breaker.
type breakerReporter interface {
	BreakerState() circuitbreaker.State
}

// Routes builds the status router.
func (app *App) Routes() http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.Logging(logging.Component("status")))

	router.HandleFunc("/healthz", app.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/session", app.handleSession).Methods(http.MethodGet)
	router.HandleFunc("/session/refresh", app.handleRefresh).Methods(http.MethodPost)

	return router
}

func (app *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK

	if app.RedisClient != nil {
		if err := app.RedisClient.Health(r.Context()); err != nil {
			status["status"] = "degraded"
			status["redis"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	if reporter, ok := app.Fetcher.(breakerReporter); ok {
		state := reporter.BreakerState()
		status["token_endpoint"] = state.String()
		if state == circuitbreaker.StateOpen {
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, status)
}

func (app *App) handleSession(w http.ResponseWriter, r *http.Request) {
	resp := SessionStatus{Polling: app.Poller.Running()}

	if active := app.Sessions.Active(); active != nil {
		resp.SignedIn = true
		resp.SessionID = active.ID
		resp.OrganizationID = active.LastActiveOrganizationID
		if !active.LastActiveToken.IsEmpty() {
			exp := active.LastActiveToken.Claims().ExpiresAt
			resp.TokenExpiresAt = &exp
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh queues a refresh the same way a visibility event does.
func (app *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	app.NotifyVisible()
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
