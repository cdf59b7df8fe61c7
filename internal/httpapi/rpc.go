package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ngi/plangame/internal/auth"
	"ngi/plangame/internal/directory"
	"ngi/plangame/internal/game"
	"ngi/plangame/internal/logging"
	"ngi/plangame/internal/plan"
	"ngi/plangame/internal/session"
)

// DefaultFeedTokenLifetime bounds how long an issued live-feed token is valid.
const DefaultFeedTokenLifetime = 12 * time.Hour

// maxBodyBytes caps RPC request bodies; plan changes are small JSON deltas.
const maxBodyBytes = 1 << 20

// API serves the JSON RPC surface the browser clients call.
type API struct {
	dir    *directory.Directory
	guard  *auth.TokenGuard
	logger *logging.Logger
}

// NewAPI constructs the RPC handler set around the session directory. The
// token guard is optional; without it the feed token endpoint is disabled.
func NewAPI(dir *directory.Directory, guard *auth.TokenGuard, logger *logging.Logger) *API {
	if logger == nil {
		logger = logging.L()
	}
	return &API{dir: dir, guard: guard, logger: logger}
}

// Register attaches every RPC endpoint to the mux.
func (a *API) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/api/connect", a.post(a.handleConnect))
	mux.HandleFunc("/api/reconnect", a.post(a.handleReconnect))
	mux.HandleFunc("/api/disconnect", a.post(a.handleDisconnect))
	mux.HandleFunc("/api/closing", a.post(a.handleClosing))
	mux.HandleFunc("/api/listen", a.post(a.handleListen))
	mux.HandleFunc("/api/game/join", a.post(a.handleJoin))
	mux.HandleFunc("/api/client/restore", a.post(a.handleRestore))

	mux.HandleFunc("/api/game/start", a.post(a.handleStartGame))
	mux.HandleFunc("/api/game/plan-round", a.post(a.handleStartPlanRound))
	mux.HandleFunc("/api/game/portfolio", a.post(a.handleAssignPortfolio))
	mux.HandleFunc("/api/game/state", a.post(a.handleForceGameState))
	mux.HandleFunc("/api/game/client-state", a.post(a.handleForceClientState))
	mux.HandleFunc("/api/execute/start", a.post(a.handleStartExecute))
	mux.HandleFunc("/api/execute/pending", a.post(a.handleSubmitPending))
	mux.HandleFunc("/api/execute/stop", a.post(a.handleStopExecute))

	mux.HandleFunc("/api/plan/suggest", a.post(a.handleSuggest))
	mux.HandleFunc("/api/plan/change", a.post(a.handlePlanChange))
	mux.HandleFunc("/api/plan/submit", a.post(a.handleSubmitPlan))
	mux.HandleFunc("/api/plan/accept", a.post(a.handleAcceptPlan))
	mux.HandleFunc("/api/reassign/ack", a.post(a.handleAckReassign))

	mux.HandleFunc("/api/server/create", a.post(a.handleCreateServer))
	mux.HandleFunc("/api/server/list", a.post(a.handleListServers))
	mux.HandleFunc("/api/server/restart", a.post(a.handleRestartServer))
	mux.HandleFunc("/api/server/end", a.post(a.handleEndServer))
	mux.HandleFunc("/api/server/clients", a.post(a.handleListClients))
	mux.HandleFunc("/api/server/reassign", a.post(a.handleReassign))
	mux.HandleFunc("/api/server/kick", a.post(a.handleKick))
	mux.HandleFunc("/api/server/disconnect-all", a.post(a.handleDisconnectAll))

	mux.HandleFunc("/api/feed/token", a.post(a.handleFeedToken))
}

// post wraps a handler with method and body-size enforcement.
func (a *API) post(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		handler(w, r)
	}
}

func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientType string `json:"client_type"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	clientType, ok := game.ParseClientType(req.ClientType)
	if !ok {
		a.fail(w, r, game.Faultf(game.CodeInvalidClientType, "unknown client type %q", req.ClientType))
		return
	}
	client, err := a.dir.Connect(clientType)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"client": client})
}

func (a *API) handleReconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID   string `json:"client_id"`
		ClientType string `json:"client_type"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	clientType, ok := game.ParseClientType(req.ClientType)
	if !ok {
		a.fail(w, r, game.Faultf(game.CodeInvalidClientType, "unknown client type %q", req.ClientType))
		return
	}
	client, err := a.dir.Reconnect(req.ClientID, clientType)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"client": client})
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.dir.Disconnect(req.ClientID); err != nil {
		a.fail(w, r, err)
		return
	}
	a.ok(w)
}

func (a *API) handleClosing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.dir.Closing(req.ClientID); err != nil {
		a.fail(w, r, err)
		return
	}
	a.ok(w)
}

func (a *API) handleListen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	events, err := a.dir.Listen(req.ClientID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if events == nil {
		events = []game.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *API) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID   string `json:"client_id"`
		GameID     string `json:"game_id"`
		PlayerName string `json:"player_name"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	result, err := a.dir.JoinGame(req.ClientID, req.GameID, req.PlayerName)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	snap, err := a.dir.RestoreClient(req.ClientID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleStartGame(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	sess, err := a.manage(w, r, req.ClientID)
	if sess == nil || err != nil {
		return
	}
	if err := sess.StartGame(); err != nil {
		a.fail(w, r, err)
		return
	}
	a.ok(w)
}

func (a *API) handleStartPlanRound(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	sess, err := a.manage(w, r, req.ClientID)
	if sess == nil || err != nil {
		return
	}
	if err := sess.StartPlanRound(); err != nil {
		a.fail(w, r, err)
		return
	}
	a.ok(w)
}

func (a *API) handleAssignPortfolio(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID  string `json:"client_id"`
		TargetID  string `json:"target_id"`
		Portfolio string `json:"portfolio"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	sess, err := a.manage(w, r, req.ClientID)
	if sess == nil || err != nil {
		return
	}
	if err := sess.AssignPortfolio(req.TargetID, req.Portfolio); err != nil {
		a.fail(w, r, err)
		return
	}
	a.ok(w)
}

func (a *API) handleForceGameState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
		State    string `json:"state"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	sess, err := a.manage(w, r, req.ClientID)
	if sess == nil || err != nil {
		return
	}
	if err := sess.ForceGameState(game.GameState(req.State), req.ClientID); err != nil {
		a.fail(w, r, err)
		return
	}
	a.ok(w)
}

func (a *API) handleForceClientState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
		TargetID string `json:"target_id"`
		State    string `json:"state"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	sess, err := a.manage(w, r, req.ClientID)
	if sess == nil || err != nil {
		return
	}
	if err := sess.ForceClientState(req.TargetID, game.ClientState(req.State), req.ClientID); err != nil {
		a.fail(w, r, err)
		return
	}
	a.ok(w)
}

func (a *API) handleStartExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
		Mode     string `json:"mode"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	sess, err := a.manage(w, r, req.ClientID)
	if sess == nil || err != nil {
		return
	}
	pending, err := sess.StartExecute(plan.ExecutionInfo{Mode: plan.ExecutionMode(req.Mode)})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (a *API) handleSubmitPending(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string          `json:"client_id"`
		Result   plan.StepResult `json:"result"`
		Stop     bool            `json:"stop"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	sess, err := a.manage(w, r, req.ClientID)
	if sess == nil || err != nil {
		return
	}
	next, err := sess.SubmitPending(req.Result, req.Stop)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": next, "state": sess.State()})
}

func (a *API) handleStopExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	sess, err := a.manage(w, r, req.ClientID)
	if sess == nil || err != nil {
		return
	}
	if err := sess.StopExecute(); err != nil {
		a.fail(w, r, err)
		return
	}
	a.ok(w)
}

func (a *API) handleSuggest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	sess, _, err := a.dir.SessionFor(req.ClientID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	change, err := sess.Suggest(req.ClientID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestion": change})
}

func (a *API) handlePlanChange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string      `json:"client_id"`
		Change   plan.Change `json:"change"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	sess, _, err := a.dir.SessionFor(req.ClientID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := sess.PlanChange(req.ClientID, req.Change); err != nil {
		a.fail(w, r, err)
		return
	}
	a.ok(w)
}

func (a *API) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	sess, _, err := a.dir.SessionFor(req.ClientID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := sess.SubmitPlan(req.ClientID); err != nil {
		a.fail(w, r, err)
		return
	}
	a.ok(w)
}

func (a *API) handleAcceptPlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
		Accept   bool   `json:"accept"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	sess, _, err := a.dir.SessionFor(req.ClientID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := sess.AcceptPlan(req.ClientID, req.Accept); err != nil {
		a.fail(w, r, err)
		return
	}
	a.ok(w)
}

func (a *API) handleAckReassign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.dir.AckReassign(req.ClientID); err != nil {
		a.fail(w, r, err)
		return
	}
	a.ok(w)
}

func (a *API) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config session.Config `json:"config"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	sess, err := a.dir.CreateSession(req.Config)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (a *API) handleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"servers": a.dir.List()})
}

func (a *API) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GameID string `json:"game_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.dir.Restart(req.GameID); err != nil {
		a.fail(w, r, err)
		return
	}
	a.ok(w)
}

func (a *API) handleEndServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GameID string `json:"game_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.dir.End(req.GameID); err != nil {
		a.fail(w, r, err)
		return
	}
	a.ok(w)
}

func (a *API) handleListClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"clients": a.dir.Clients()})
}

func (a *API) handleReassign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromID string `json:"from_id"`
		ToID   string `json:"to_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.dir.Reassign(req.FromID, req.ToID); err != nil {
		a.fail(w, r, err)
		return
	}
	a.ok(w)
}

func (a *API) handleKick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.dir.Kick(req.ClientID); err != nil {
		a.fail(w, r, err)
		return
	}
	a.ok(w)
}

func (a *API) handleDisconnectAll(w http.ResponseWriter, r *http.Request) {
	removed := a.dir.DisconnectAll()
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// handleFeedToken mints a short-lived token granting websocket feed access.
func (a *API) handleFeedToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if a.guard == nil {
		http.Error(w, "feed tokens are not configured", http.StatusServiceUnavailable)
		return
	}
	if _, _, err := a.dir.SessionFor(req.ClientID); err != nil {
		a.fail(w, r, err)
		return
	}
	token, err := a.guard.Issue(req.ClientID, DefaultFeedTokenLifetime)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

// manage resolves the caller's session and checks that the caller is the
// game manager. It writes the error response itself on failure.
func (a *API) manage(w http.ResponseWriter, r *http.Request, clientID string) (*session.Session, error) {
	sess, client, err := a.dir.SessionFor(clientID)
	if err != nil {
		a.fail(w, r, err)
		return nil, err
	}
	if client.Type != game.ClientGameManager {
		err := game.Faultf(game.CodeInvalidClientType, "%s clients cannot manage games", client.Type)
		a.fail(w, r, err)
		return nil, err
	}
	return sess, nil
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
			Code:    string(game.CodeConfig),
			Message: "malformed request body: " + err.Error(),
		}})
		return false
	}
	return true
}

func (a *API) ok(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorDetail struct {
	Code        string          `json:"code"`
	Message     string          `json:"message"`
	GameState   string          `json:"game_state,omitempty"`
	ClientState string          `json:"client_state,omitempty"`
	Conflicts   []plan.Conflict `json:"conflicts,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

// fail maps domain errors onto HTTP statuses and a structured error body.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	detail := errorDetail{Code: string(game.CodeGameServer), Message: err.Error()}
	status := http.StatusConflict

	var invalid *plan.ValidationError
	var fault *game.Fault
	switch {
	case errors.As(err, &invalid):
		detail.Code = string(game.CodeInvalidPlan)
		detail.Conflicts = invalid.Conflicts
		status = http.StatusUnprocessableEntity
	case errors.As(err, &fault):
		detail.Code = string(fault.Code)
		detail.GameState = string(fault.GameState)
		detail.ClientState = string(fault.ClientState)
		status = statusOf(fault.Code)
	default:
		status = http.StatusInternalServerError
	}

	logging.FromContext(r.Context()).Debug("request rejected",
		logging.String("path", r.URL.Path),
		logging.String("code", detail.Code),
		logging.Error(err))
	writeJSON(w, status, errorBody{Error: detail})
}

func statusOf(code game.Code) int {
	switch code {
	case game.CodeClientNotConnected, game.CodeClientNotInGame,
		game.CodeNoServer, game.CodeNoSuchGameServer, game.CodeEvent:
		return http.StatusNotFound
	case game.CodeSessionExpired:
		return http.StatusGone
	case game.CodeInvalidClientType:
		return http.StatusForbidden
	case game.CodeInvalidGameState, game.CodeInvalidClientState, game.CodeGameServer:
		return http.StatusConflict
	case game.CodeInvalidPlan:
		return http.StatusUnprocessableEntity
	case game.CodeConfig:
		return http.StatusBadRequest
	case game.CodeEventTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
