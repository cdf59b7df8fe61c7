// Package livefeed pushes session events over a websocket so score boards and
// server managers see updates without polling. The feed is read-only: it
// drains the client's mailbox on a short cadence and streams each batch out.
package livefeed

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"ngi/plangame/internal/auth"
	"ngi/plangame/internal/directory"
	"ngi/plangame/internal/game"
	"ngi/plangame/internal/logging"
)

const (
	// DefaultPollInterval is how often the feed drains the mailbox.
	DefaultPollInterval = 250 * time.Millisecond
	// pingInterval keeps intermediaries from closing an idle feed.
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// Option configures optional Feed behaviour.
type Option func(*Feed)

// WithPollInterval overrides the mailbox polling cadence.
func WithPollInterval(interval time.Duration) Option {
	return func(f *Feed) {
		if interval > 0 {
			f.poll = interval
		}
	}
}

// WithLogger overrides the feed logger.
func WithLogger(logger *logging.Logger) Option {
	return func(f *Feed) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// Feed upgrades observer connections and streams their mailbox events.
type Feed struct {
	dir      *directory.Directory
	guard    *auth.TokenGuard
	logger   *logging.Logger
	poll     time.Duration
	upgrader websocket.Upgrader
}

// New constructs a feed. The token guard is optional; without it any client
// that can name a connected observer ID may attach. Allowed origins are
// matched against the Origin header; an empty list admits same-host only.
func New(dir *directory.Directory, guard *auth.TokenGuard, allowedOrigins []string, opts ...Option) *Feed {
	f := &Feed{
		dir:    dir,
		guard:  guard,
		logger: logging.L(),
		poll:   DefaultPollInterval,
	}
	f.upgrader = websocket.Upgrader{
		CheckOrigin: originChecker(allowedOrigins),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Handler serves GET /feed?client_id=...&token=... as a websocket.
func (f *Feed) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
		if clientID == "" {
			http.Error(w, "client_id parameter required", http.StatusBadRequest)
			return
		}
		if f.guard != nil {
			claims, err := f.guard.Verify(r.URL.Query().Get("token"))
			if err != nil {
				f.logger.Warn("feed token rejected",
					logging.String("client_id", clientID), logging.Error(err))
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if claims.ClientID != clientID {
				http.Error(w, "token does not match client", http.StatusForbidden)
				return
			}
		}
		client, err := f.dir.Registry().Get(clientID)
		if err != nil {
			http.Error(w, "unknown client", http.StatusNotFound)
			return
		}
		//1.- Only passive observers may attach; players and managers poll so
		// their mailbox drains stay tied to their RPC cycle.
		if client.Type != game.ClientScoreBoard && client.Type != game.ClientServerManager {
			http.Error(w, "client type cannot attach to the feed", http.StatusForbidden)
			return
		}

		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			f.logger.Warn("feed upgrade failed",
				logging.String("client_id", clientID), logging.Error(err))
			return
		}
		f.logger.Info("feed attached", logging.String("client_id", clientID))
		go f.stream(conn, clientID)
	}
}

// stream owns the connection: it drains the mailbox on a ticker and writes
// each batch as one JSON text message, interleaving pings.
func (f *Feed) stream(conn *websocket.Conn, clientID string) {
	done := make(chan struct{})

	// reader, solely to observe the close
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	poll := time.NewTicker(f.poll)
	ping := time.NewTicker(pingInterval)
	defer func() {
		poll.Stop()
		ping.Stop()
		_ = conn.Close()
		f.logger.Info("feed detached", logging.String("client_id", clientID))
	}()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case <-poll.C:
			events, err := f.dir.Listen(clientID)
			if err != nil {
				//2.- The client was removed; tell the browser and stop.
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "client removed"))
				return
			}
			if len(events) == 0 {
				continue
			}
			payload, err := json.Marshal(map[string][]game.Event{"events": events})
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// originChecker admits listed origins, or same-host requests when the list is
// empty. A single "*" entry admits everything.
func originChecker(allowed []string) func(r *http.Request) bool {
	cleaned := make([]string, 0, len(allowed))
	for _, origin := range allowed {
		if origin = strings.TrimSpace(origin); origin != "" {
			cleaned = append(cleaned, strings.TrimRight(origin, "/"))
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if len(cleaned) == 0 {
			return strings.Contains(origin, r.Host)
		}
		normalized := strings.TrimRight(origin, "/")
		for _, candidate := range cleaned {
			if candidate == "*" || strings.EqualFold(candidate, normalized) {
				return true
			}
		}
		return false
	}
}
