// Package directory is the process-wide registry of running game sessions
// together with the shared client registry and event mailbox. Every RPC
// handler resolves state through an explicitly passed *Directory; there is no
// ambient singleton.
package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"ngi/plangame/internal/game"
	"ngi/plangame/internal/logging"
	"ngi/plangame/internal/mailbox"
	"ngi/plangame/internal/registry"
	"ngi/plangame/internal/session"
	"ngi/plangame/internal/trace"
)

// shutdownNotifyWait bounds how long restart/end waits for clients to drain
// their final notification before the mailboxes go away.
const shutdownNotifyWait = 2 * time.Second

// Option configures optional Directory behaviour.
type Option func(*Directory)

// WithClock injects a deterministic time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(d *Directory) {
		if clock != nil {
			d.now = clock
		}
	}
}

// WithLogger overrides the directory logger.
func WithLogger(logger *logging.Logger) Option {
	return func(d *Directory) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithTraceDir enables trace bundles for sessions created with tracing on.
func WithTraceDir(dir string) Option {
	return func(d *Directory) { d.traceDir = dir }
}

// WithGracePeriod overrides the registry grace period.
func WithGracePeriod(grace time.Duration) Option {
	return func(d *Directory) { d.grace = grace }
}

// WithNotifyWait overrides how long restart/end block on final notifications.
func WithNotifyWait(wait time.Duration) Option {
	return func(d *Directory) {
		if wait > 0 {
			d.notifyWait = wait
		}
	}
}

// Directory holds all live sessions plus the shared registry and mailbox.
type Directory struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	tracers  map[string]*trace.Recorder

	registry *registry.Registry
	mailbox  *mailbox.Mailbox

	logger     *logging.Logger
	traceDir   string
	grace      time.Duration
	notifyWait time.Duration
	now        func() time.Time
	startedAt  time.Time
}

// New wires the registry, mailbox and session table together. The registry's
// removal sweep feeds back into the directory so a reclaimed client loses its
// mailbox and is marked disconnected in its session.
func New(opts ...Option) *Directory {
	d := &Directory{
		sessions:   make(map[string]*session.Session),
		tracers:    make(map[string]*trace.Recorder),
		logger:     logging.L(),
		notifyWait: shutdownNotifyWait,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.startedAt = d.now()
	d.mailbox = mailbox.New(mailbox.WithClock(d.now))
	regOpts := []registry.Option{
		registry.WithClock(d.now),
		registry.WithLogger(d.logger),
		registry.WithRemovedFunc(d.onReclaimed),
	}
	if d.grace > 0 {
		regOpts = append(regOpts, registry.WithGracePeriod(d.grace))
	}
	d.registry = registry.New(regOpts...)
	return d
}

// Registry exposes the shared client registry (for the sweep loop and tests).
func (d *Directory) Registry() *registry.Registry { return d.registry }

// Mailbox exposes the shared event mailbox.
func (d *Directory) Mailbox() *mailbox.Mailbox { return d.mailbox }

// Uptime reports how long the directory has been serving.
func (d *Directory) Uptime() time.Duration { return d.now().Sub(d.startedAt) }

// onReclaimed runs on the sweep goroutine for every client whose grace period
// expired without a reconnect.
func (d *Directory) onReclaimed(client registry.Client) {
	_ = d.mailbox.RemoveClient(client.ID)
	if client.GameID == "" {
		return
	}
	if sess, err := d.Resolve(client.GameID); err == nil {
		sess.MarkDisconnected(client.ID)
	}
}

// mailboxNotifier adapts the mailbox to the session's Notifier port.
type mailboxNotifier struct{ mb *mailbox.Mailbox }

func (n mailboxNotifier) Notify(senderID string, clientIDs []string, event game.Event) int {
	return n.mb.Broadcast(senderID, clientIDs, event)
}

// Connect registers a new client of the requested type and opens its mailbox.
func (d *Directory) Connect(t game.ClientType) (registry.Client, error) {
	client, err := d.registry.NewClient(t)
	if err != nil {
		return registry.Client{}, err
	}
	d.mailbox.AddClient(client.ID)
	d.logger.Info("client connected",
		logging.String("client_id", client.ID),
		logging.String("client_type", string(t)))
	return client, nil
}

// Reconnect restores a previously issued identity, cancelling any pending
// grace-period removal.
func (d *Directory) Reconnect(clientID string, t game.ClientType) (registry.Client, error) {
	client, err := d.registry.Restore(clientID, t)
	if err != nil {
		return registry.Client{}, err
	}
	d.mailbox.AddClient(client.ID)
	return client, nil
}

// Disconnect removes the client immediately.
func (d *Directory) Disconnect(clientID string) error {
	client, err := d.registry.Remove(clientID)
	if err != nil {
		return err
	}
	_ = d.mailbox.RemoveClient(clientID)
	if client.GameID != "" {
		if sess, err := d.Resolve(client.GameID); err == nil {
			sess.MarkDisconnected(clientID)
		}
	}
	return nil
}

// Closing flags the client for grace-period removal; a reconnect before the
// deadline keeps all game state.
func (d *Directory) Closing(clientID string) error {
	return d.registry.FlagRemoval(clientID)
}

// Listen drains and returns the client's pending events.
func (d *Directory) Listen(clientID string) ([]game.Event, error) {
	if _, err := d.registry.Get(clientID); err != nil {
		return nil, err
	}
	return d.mailbox.Listen(clientID)
}

// JoinResult is what a successful join reports back to the browser.
type JoinResult struct {
	Client      registry.Client  `json:"client"`
	ServerInfo  session.Config   `json:"server_info"`
	ServerState game.GameState   `json:"server_state"`
	ClientState game.ClientState `json:"client_state,omitempty"`
}

// JoinGame attaches a connected client to a session according to its type.
func (d *Directory) JoinGame(clientID, gameID, playerName string) (JoinResult, error) {
	client, err := d.registry.Get(clientID)
	if err != nil {
		return JoinResult{}, err
	}
	sess, err := d.Resolve(gameID)
	if err != nil {
		return JoinResult{}, err
	}

	var state game.ClientState
	switch client.Type {
	case game.ClientServiceProvider:
		state, err = sess.Join(clientID, playerName)
		if err != nil {
			return JoinResult{}, err
		}
	case game.ClientGameManager:
		sess.AttachGameManager(clientID)
	case game.ClientScoreBoard:
		sess.AttachScoreBoard(clientID)
	default:
		return JoinResult{}, game.Faultf(game.CodeInvalidClientType, "%s clients cannot join games", client.Type)
	}
	if err := d.registry.AssignGame(clientID, gameID); err != nil {
		return JoinResult{}, err
	}
	client.GameID = gameID
	return JoinResult{
		Client:      client,
		ServerInfo:  sess.Config(),
		ServerState: sess.State(),
		ClientState: state,
	}, nil
}

// RestoreClient rebuilds a reconnecting client's view of its session.
func (d *Directory) RestoreClient(clientID string) (session.RestoreSnapshot, error) {
	client, err := d.registry.Get(clientID)
	if err != nil {
		return session.RestoreSnapshot{}, err
	}
	if client.GameID == "" {
		return session.RestoreSnapshot{}, game.Faultf(game.CodeClientNotInGame, "client %s is not attached to a game", clientID)
	}
	sess, err := d.Resolve(client.GameID)
	if err != nil {
		return session.RestoreSnapshot{}, err
	}
	_ = d.registry.UnflagRemoval(clientID)
	return sess.Restore(clientID)
}

// SessionFor resolves the session a client is attached to.
func (d *Directory) SessionFor(clientID string) (*session.Session, registry.Client, error) {
	client, err := d.registry.Get(clientID)
	if err != nil {
		return nil, registry.Client{}, err
	}
	if client.GameID == "" {
		return nil, registry.Client{}, game.Faultf(game.CodeClientNotInGame, "client %s is not attached to a game", clientID)
	}
	sess, err := d.Resolve(client.GameID)
	if err != nil {
		return nil, registry.Client{}, err
	}
	return sess, client, nil
}

// CreateSession starts a new game server.
func (d *Directory) CreateSession(cfg session.Config) (*session.Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.sessions[cfg.GameID]; exists {
		return nil, game.Faultf(game.CodeConfig, "game %s already exists", cfg.GameID)
	}

	opts := []session.Option{
		session.WithClock(d.now),
		session.WithLogger(d.logger),
	}
	if cfg.Tracing && d.traceDir != "" {
		recorder, _, err := trace.NewRecorder(d.traceDir, cfg.GameID, d.now)
		if err != nil {
			d.logger.Error("trace recorder unavailable, continuing without",
				logging.String("game_id", cfg.GameID), logging.Error(err))
		} else {
			d.tracers[cfg.GameID] = recorder
			opts = append(opts, session.WithTracer(recorder))
		}
	}
	sess, err := session.New(cfg, mailboxNotifier{mb: d.mailbox}, opts...)
	if err != nil {
		return nil, err
	}
	d.sessions[cfg.GameID] = sess
	d.logger.Info("session created",
		logging.String("game_id", cfg.GameID),
		logging.Int("max_players", cfg.MaxPlayers),
		logging.Bool("single_decline", cfg.SingleDecline))
	return sess, nil
}

// Resolve looks up a running session by game ID.
func (d *Directory) Resolve(gameID string) (*session.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, ok := d.sessions[gameID]
	if !ok {
		return nil, game.Faultf(game.CodeNoSuchGameServer, "no game server %s", gameID)
	}
	return sess, nil
}

// List reports a summary of every running session, sorted by game ID.
func (d *Directory) List() []session.Info {
	d.mu.Lock()
	sessions := make([]*session.Session, 0, len(d.sessions))
	for _, sess := range d.sessions {
		sessions = append(sessions, sess)
	}
	d.mu.Unlock()

	infos := make([]session.Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].GameID < infos[j].GameID })
	return infos
}

// Restart resets a session in place: all joined clients are kicked and told
// so, and their mailboxes flushed of stale updates from the previous run.
func (d *Directory) Restart(gameID string) error {
	sess, err := d.Resolve(gameID)
	if err != nil {
		return err
	}
	kicked := sess.Restart()
	d.notifyAndWait(kicked, game.Event{Type: game.EventRestart, GameID: gameID})
	for _, clientID := range kicked {
		d.mailbox.Flush(clientID)
		_ = d.registry.AssignGame(clientID, "")
	}
	return nil
}

// End tears a session down for good, disconnecting every attached client.
func (d *Directory) End(gameID string) error {
	sess, err := d.Resolve(gameID)
	if err != nil {
		return err
	}
	attached := sess.End()
	//1.- Give clients one poll cycle to see the end notice before their
	// mailboxes disappear.
	d.notifyAndWait(attached, game.Event{Type: game.EventEnd, GameID: gameID})
	for _, clientID := range attached {
		_, _ = d.registry.Remove(clientID)
		_ = d.mailbox.RemoveClient(clientID)
	}
	d.mu.Lock()
	delete(d.sessions, gameID)
	recorder := d.tracers[gameID]
	delete(d.tracers, gameID)
	d.mu.Unlock()
	if recorder != nil {
		if err := recorder.Close(); err != nil {
			d.logger.Error("closing trace bundle failed",
				logging.String("game_id", gameID), logging.Error(err))
		}
	}
	return nil
}

// notifyAndWait fires the event at every client and blocks until each has
// drained it or the per-directory wait elapses. Timeouts are logged only;
// a client that never polls again must not wedge an admin operation.
func (d *Directory) notifyAndWait(clientIDs []string, event game.Event) {
	var wg sync.WaitGroup
	for _, clientID := range clientIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := d.mailbox.FireAndWait("", id, event, d.notifyWait); err != nil {
				d.logger.Warn("client missed shutdown notice",
					logging.String("client_id", id),
					logging.String("event", string(event.Type)),
					logging.Error(err))
			}
		}(clientID)
	}
	wg.Wait()
}

// Kick forcibly disconnects one client.
func (d *Directory) Kick(clientID string) error {
	return d.Disconnect(clientID)
}

// DisconnectAll removes every connected client; running sessions stay up.
func (d *Directory) DisconnectAll() int {
	clients := d.registry.List()
	for _, client := range clients {
		_ = d.Disconnect(client.ID)
	}
	return len(clients)
}

// Clients lists every connected client for the server-manager view.
func (d *Directory) Clients() []registry.Client { return d.registry.List() }

// Reassign hands one client's portfolio and session seat to another client.
func (d *Directory) Reassign(fromID, toID string) error {
	from, err := d.registry.Get(fromID)
	if err != nil {
		return err
	}
	to, err := d.registry.Get(toID)
	if err != nil {
		return err
	}
	if to.Type != game.ClientServiceProvider {
		return game.Faultf(game.CodeInvalidClientType, "client %s cannot take over a portfolio", toID)
	}
	if from.GameID == "" {
		return game.Faultf(game.CodeClientNotInGame, "client %s is not attached to a game", fromID)
	}
	sess, err := d.Resolve(from.GameID)
	if err != nil {
		return err
	}
	if err := sess.Reassign(fromID, toID); err != nil {
		return err
	}
	_ = d.registry.AssignGame(toID, from.GameID)
	_ = d.registry.AssignGame(fromID, "")
	if from.Player != nil {
		_ = d.registry.AssignPlayer(toID, *from.Player)
	}
	return nil
}

// AckReassign confirms a portfolio handover.
func (d *Directory) AckReassign(clientID string) error {
	sess, _, err := d.SessionFor(clientID)
	if err != nil {
		return err
	}
	return sess.AckReassign(clientID)
}

// DumpTraces flushes every open trace bundle and returns the trace root.
func (d *Directory) DumpTraces(ctx context.Context) (string, error) {
	if d.traceDir == "" {
		return "", game.Faultf(game.CodeConfig, "tracing is not configured")
	}
	d.mu.Lock()
	recorders := make([]*trace.Recorder, 0, len(d.tracers))
	for _, recorder := range d.tracers {
		recorders = append(recorders, recorder)
	}
	d.mu.Unlock()
	for _, recorder := range recorders {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := recorder.Flush(); err != nil {
			return "", err
		}
	}
	return d.traceDir, nil
}

// Stats is the directory's operational snapshot for readiness and metrics.
type Stats struct {
	Clients         int
	PendingRemovals int
	Sessions        []session.Info
	EventsFired     uint64
	EventsDrained   uint64
	UptimeSeconds   float64
}

// Snapshot gathers current operational counters.
func (d *Directory) Snapshot() Stats {
	clients, pending := d.registry.Counts()
	fired, drained := d.mailbox.Counts()
	return Stats{
		Clients:         clients,
		PendingRemovals: pending,
		Sessions:        d.List(),
		EventsFired:     fired,
		EventsDrained:   drained,
		UptimeSeconds:   d.Uptime().Seconds(),
	}
}

// Shutdown ends every session and disconnects everything. Called once at
// process teardown.
func (d *Directory) Shutdown() {
	for _, info := range d.List() {
		if err := d.End(info.GameID); err != nil {
			d.logger.Error("ending session failed",
				logging.String("game_id", info.GameID), logging.Error(err))
		}
	}
	d.DisconnectAll()
	d.logger.Info("directory shut down")
}
