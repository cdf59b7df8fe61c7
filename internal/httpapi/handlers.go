// Package httpapi exposes the game server over HTTP: the JSON RPC surface the
// browsers call, plus the operational endpoints (health, metrics, trace dumps
// and the join QR code).
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"ngi/plangame/internal/directory"
	"ngi/plangame/internal/logging"
)

// StatsProvider exposes the operational counters behind readiness and metrics.
type StatsProvider interface {
	Snapshot() directory.Stats
}

// TraceDumper flushes open trace bundles and returns the artefact location.
type TraceDumper interface {
	DumpTraces(ctx context.Context) (string, error)
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Stats       StatsProvider
	Traces      TraceDumper
	AdminToken  string
	RateLimiter RateLimiter
	BaseURL     string
	TimeSource  func() time.Time
}

// HandlerSet bundles the operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	stats       StatsProvider
	traces      TraceDumper
	adminToken  string
	rateLimiter RateLimiter
	baseURL     string
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		stats:       opts.Stats,
		traces:      opts.Traces,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		baseURL:     strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		now:         now,
	}
}

// Register attaches all operational handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/trace/dump", h.TraceDumpHandler())
	mux.HandleFunc("/qr", h.QRHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports readiness with client and session counts.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status          string  `json:"status"`
		UptimeSeconds   float64 `json:"uptime_seconds"`
		Clients         int     `json:"clients"`
		PendingRemovals int     `json:"pending_removals"`
		Sessions        int     `json:"sessions"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := response{Status: "ok"}
		if h.stats != nil {
			stats := h.stats.Snapshot()
			resp.Clients = stats.Clients
			resp.PendingRemovals = stats.PendingRemovals
			resp.Sessions = len(stats.Sessions)
			resp.UptimeSeconds = stats.UptimeSeconds
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.stats == nil {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
			return
		}
		stats := h.stats.Snapshot()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP plangame_uptime_seconds Server uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE plangame_uptime_seconds gauge\n")
		fmt.Fprintf(w, "plangame_uptime_seconds %.0f\n", stats.UptimeSeconds)

		fmt.Fprintf(w, "# HELP plangame_clients Currently connected clients.\n")
		fmt.Fprintf(w, "# TYPE plangame_clients gauge\n")
		fmt.Fprintf(w, "plangame_clients %d\n", stats.Clients)

		fmt.Fprintf(w, "# HELP plangame_pending_removals Clients inside their reconnect grace period.\n")
		fmt.Fprintf(w, "# TYPE plangame_pending_removals gauge\n")
		fmt.Fprintf(w, "plangame_pending_removals %d\n", stats.PendingRemovals)

		fmt.Fprintf(w, "# HELP plangame_sessions Running game sessions.\n")
		fmt.Fprintf(w, "# TYPE plangame_sessions gauge\n")
		fmt.Fprintf(w, "plangame_sessions %d\n", len(stats.Sessions))

		fmt.Fprintf(w, "# HELP plangame_events_fired_total Events queued into client mailboxes.\n")
		fmt.Fprintf(w, "# TYPE plangame_events_fired_total counter\n")
		fmt.Fprintf(w, "plangame_events_fired_total %d\n", stats.EventsFired)

		fmt.Fprintf(w, "# HELP plangame_events_drained_total Events drained by client polls.\n")
		fmt.Fprintf(w, "# TYPE plangame_events_drained_total counter\n")
		fmt.Fprintf(w, "plangame_events_drained_total %d\n", stats.EventsDrained)

		fmt.Fprintf(w, "# HELP plangame_session_players Joined players per session.\n")
		fmt.Fprintf(w, "# TYPE plangame_session_players gauge\n")
		for _, info := range stats.Sessions {
			fmt.Fprintf(w, "plangame_session_players{game=%q} %d\n", info.GameID, info.Players)
		}

		fmt.Fprintf(w, "# HELP plangame_session_round Current plan round per session.\n")
		fmt.Fprintf(w, "# TYPE plangame_session_round gauge\n")
		for _, info := range stats.Sessions {
			fmt.Fprintf(w, "plangame_session_round{game=%q} %d\n", info.GameID, info.Round)
		}
	}
}

// TraceDumpHandler authorises and triggers a flush of open trace bundles.
func (h *HandlerSet) TraceDumpHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "trace_dump"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("trace dump denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("trace dump denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("trace dump denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.traces == nil {
			reqLogger.Warn("trace dump denied: tracing unavailable")
			http.Error(w, "tracing is unavailable", http.StatusServiceUnavailable)
			return
		}
		location, err := h.traces.DumpTraces(r.Context())
		if err != nil {
			reqLogger.Error("trace dump failed", logging.Error(err))
			http.Error(w, "failed to dump traces", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("trace dump triggered")
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: location})
	}
}

// QRHandler renders a QR code pointing a phone browser at the join page for
// the requested game.
func (h *HandlerSet) QRHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.baseURL == "" {
			http.Error(w, "base url not configured", http.StatusServiceUnavailable)
			return
		}
		gameID := strings.TrimSpace(r.URL.Query().Get("game"))
		if gameID == "" {
			http.Error(w, "game parameter required", http.StatusBadRequest)
			return
		}
		target := fmt.Sprintf("%s/?game=%s", h.baseURL, url.QueryEscape(gameID))
		png, err := qrcode.Encode(target, qrcode.Medium, 256)
		if err != nil {
			h.logger.Error("qr encoding failed", logging.Error(err))
			http.Error(w, "failed to render qr code", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
