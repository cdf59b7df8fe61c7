// Package session implements the per-game state machine: the joint plan, the
// joined players, and the round lifecycle from planning through acceptance to
// execution. All mutations on one session are linearised by a single mutex.
package session

import (
	"sort"
	"sync"
	"time"

	"ngi/plangame/internal/game"
	"ngi/plangame/internal/logging"
	"ngi/plangame/internal/plan"
)

// DefaultRounds is the plan horizon used when the creating request omits one.
const DefaultRounds = 12

// Config captures the server-manager supplied settings for one game.
type Config struct {
	GameID          string      `json:"game_id"`
	MaxPlayers      int         `json:"max_players"`
	SingleDecline   bool        `json:"single_decline"`
	Tracing         bool        `json:"tracing"`
	ScoreLiveUpdate bool        `json:"score_live_update"`
	Rounds          int         `json:"rounds"`
	Tasks           []plan.Task `json:"tasks,omitempty"`
}

// Validate rejects configurations the session cannot run with.
func (c Config) Validate() error {
	if c.GameID == "" {
		return game.Faultf(game.CodeConfig, "game id must not be empty")
	}
	if c.MaxPlayers <= 0 {
		return game.Faultf(game.CodeConfig, "max players must be positive, got %d", c.MaxPlayers)
	}
	if c.Rounds < 0 {
		return game.Faultf(game.CodeConfig, "rounds must be non-negative, got %d", c.Rounds)
	}
	return nil
}

// Notifier delivers events into client mailboxes. The session never talks to
// the mailbox directly so tests can capture traffic.
type Notifier interface {
	Notify(senderID string, clientIDs []string, event game.Event) int
}

// Tracer records session activity for the offline trace bundle.
type Tracer interface {
	Event(event game.Event)
	PlanSnapshot(round int, snap plan.Snapshot)
	Close() error
}

// participant is one joined service provider.
type participant struct {
	clientID string
	player   game.Player
	state    game.ClientState
	resume   game.ClientState // round state parked while in a side state
	vote     *bool
	reassign bool             // awaiting AckReassign after a portfolio handover
}

// effective returns the participant's position in the round, looking through
// connection side states.
func (p *participant) effective() game.ClientState {
	if p.state.Side() {
		return p.resume
	}
	return p.state
}

// Option configures optional Session behaviour.
type Option func(*Session)

// WithClock injects a deterministic time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithTracer attaches a trace recorder to the session.
func WithTracer(tracer Tracer) Option {
	return func(s *Session) { s.tracer = tracer }
}

// WithLogger overrides the session logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Session is one running game.
type Session struct {
	mu sync.Mutex

	cfg          Config
	state        game.GameState
	participants map[string]*participant
	order        []string
	gameManager  string
	scoreBoard   string

	plan    *plan.JointPlan
	exec    *plan.ExecutionInfo
	pending *plan.StepPending

	notifier Notifier
	tracer   Tracer
	logger   *logging.Logger
	now      func() time.Time
}

// New constructs a session. Initialisation is synchronous, so the session is
// already in the starting state when this returns.
func New(cfg Config, notifier Notifier, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Rounds == 0 {
		cfg.Rounds = DefaultRounds
	}
	s := &Session{
		cfg:          cfg,
		state:        game.GameStarting,
		participants: make(map[string]*participant),
		plan:         plan.New(cfg.Rounds, cfg.Tasks),
		notifier:     notifier,
		logger:       logging.L(),
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.With(logging.String("game_id", cfg.GameID))
	return s, nil
}

// Config returns the session configuration.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// State returns the current game state.
func (s *Session) State() game.GameState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AttachGameManager records the game-manager client driving this session.
func (s *Session) AttachGameManager(clientID string) {
	s.mu.Lock()
	s.gameManager = clientID
	s.mu.Unlock()
}

// AttachScoreBoard records the score-board client observing this session.
func (s *Session) AttachScoreBoard(clientID string) {
	s.mu.Lock()
	s.scoreBoard = clientID
	s.mu.Unlock()
}

// Join registers a service provider with the session. A client joining before
// a portfolio is assigned lands in awaiting_portfolio; re-joining is a no-op
// that reports the current state.
func (s *Session) Join(clientID, playerName string) (game.ClientState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return "", game.WrongGameState(s.state, "join")
	}
	if p, ok := s.participants[clientID]; ok {
		return p.state, nil
	}
	if len(s.participants) >= s.cfg.MaxPlayers {
		return "", game.Faultf(game.CodeGameServer, "game %s already has %d players", s.cfg.GameID, s.cfg.MaxPlayers)
	}

	p := &participant{
		clientID: clientID,
		player:   game.Player{Name: playerName},
		state:    game.StateAwaitingPortfolio,
	}
	s.participants[clientID] = p
	s.order = append(s.order, clientID)

	s.fireLocked(clientID, s.recipientsLocked(clientID, true, true),
		game.Event{Type: game.EventJoin}.MarshalPayload(map[string]string{
			"client_id": clientID, "player_name": playerName,
		}))
	return p.state, nil
}

// AssignPortfolio hands a portfolio to a joined client and moves it into the
// waiting room (or straight into the round when the game already started).
func (s *Session) AssignPortfolio(clientID, portfolio string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[clientID]
	if !ok {
		return game.Faultf(game.CodeClientNotInGame, "client %s has not joined game %s", clientID, s.cfg.GameID)
	}
	p.player.Portfolio = portfolio
	if p.effective() == game.StateAwaitingPortfolio {
		next := game.StateWaitingToStart
		if s.state != game.GameStarting {
			next = game.StateIdle
		}
		s.setClientStateLocked(p, next)
	}
	s.fireLocked(s.gameManager, []string{clientID},
		game.Event{Type: game.EventPortfolio}.MarshalPayload(p.player))
	return nil
}

// StartGame forces the session out of the waiting room: the game state moves
// to idle and every waiting client follows.
func (s *Session) StartGame() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != game.GameStarting {
		return game.WrongGameState(s.state, "start game")
	}
	s.state = game.GameIdle
	for _, p := range s.eachLocked() {
		if !p.effective().Terminal() {
			s.setClientStateLocked(p, game.StateIdle)
		}
	}
	s.broadcastGameStateLocked(s.gameManager)
	return nil
}

// StartPlanRound opens a planning round: every joined client moves from idle
// into planning and previous submissions and votes are forgotten.
func (s *Session) StartPlanRound() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != game.GameIdle {
		return game.WrongGameState(s.state, "start plan round")
	}
	s.resetToPlanningLocked(s.gameManager)
	return nil
}

// Suggest builds a conflict-free placement proposal for the client's next
// backlog task.
func (s *Session) Suggest(clientID string) (*plan.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != game.GamePlanning {
		return nil, game.WrongGameState(s.state, "get suggestion")
	}
	p, ok := s.participants[clientID]
	if !ok {
		return nil, game.Faultf(game.CodeClientNotInGame, "client %s has not joined game %s", clientID, s.cfg.GameID)
	}
	return s.plan.Suggest(s.planPlayerLocked(p)), nil
}

// PlanChange validates the proposed delta against the joint plan and applies
// it atomically. Validation failures surface as *plan.ValidationError with
// the complete conflict list.
func (s *Session) PlanChange(clientID string, change plan.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != game.GamePlanning {
		return game.WrongGameState(s.state, "plan change")
	}
	p, ok := s.participants[clientID]
	if !ok {
		return game.Faultf(game.CodeClientNotInGame, "client %s has not joined game %s", clientID, s.cfg.GameID)
	}
	if p.effective() != game.StateInPlanning {
		return game.WrongClientState(p.state, "plan change")
	}
	//1.- The caller's seat owns the whole delta; placements inherit it so
	// ownership checks never trust client-supplied player fields.
	owner := s.planPlayerLocked(p)
	change.Player = owner
	for i := range change.Place {
		change.Place[i].Player = owner
	}
	if err := s.plan.Apply(change); err != nil {
		return err
	}
	s.fireLocked(clientID, s.recipientsLocked(clientID, true, s.cfg.ScoreLiveUpdate),
		game.Event{Type: game.EventPlanChange}.MarshalPayload(change))
	s.snapshotTraceLocked()
	return nil
}

// SubmitPlan marks the client's local plan as done. Once every joined client
// has submitted, the session advances to the accept phase on its own.
func (s *Session) SubmitPlan(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != game.GamePlanning {
		return game.WrongGameState(s.state, "submit plan")
	}
	p, ok := s.participants[clientID]
	if !ok {
		return game.Faultf(game.CodeClientNotInGame, "client %s has not joined game %s", clientID, s.cfg.GameID)
	}
	if p.effective() != game.StateInPlanning {
		return game.WrongClientState(p.state, "submit plan")
	}
	s.setClientStateLocked(p, game.StateSubmitted)

	//1.- The round advances only when no active client is still planning.
	if s.allEffectiveLocked(game.StateSubmitted) {
		s.state = game.GameAccept
		for _, q := range s.eachLocked() {
			if q.effective() == game.StateSubmitted {
				q.vote = nil
				s.setClientStateLocked(q, game.StateAccepting)
			}
		}
		s.broadcastGameStateLocked(clientID)
	}
	return nil
}

// AcceptPlan records the client's vote on the joint plan. With the
// single-decline policy enabled, one decline immediately returns the whole
// session to planning, discarding every vote from the round.
func (s *Session) AcceptPlan(clientID string, accept bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != game.GameAccept {
		return game.WrongGameState(s.state, "accept plan")
	}
	p, ok := s.participants[clientID]
	if !ok {
		return game.Faultf(game.CodeClientNotInGame, "client %s has not joined game %s", clientID, s.cfg.GameID)
	}
	if p.effective() != game.StateAccepting {
		return game.WrongClientState(p.state, "accept plan")
	}
	vote := accept
	p.vote = &vote
	if accept {
		s.setClientStateLocked(p, game.StateAccepted)
	} else {
		s.setClientStateLocked(p, game.StateDeclined)
	}

	if !accept && s.cfg.SingleDecline {
		//1.- Fail fast: one decline reopens planning rather than deadlocking
		// on a minority veto.
		s.logger.Info("single decline reopened planning", logging.String("client_id", clientID))
		s.resetToPlanningLocked(clientID)
		return nil
	}

	//2.- Otherwise wait for the full tally before moving anywhere.
	if !s.allVotedLocked() {
		return nil
	}
	if s.anyDeclinedLocked() {
		s.resetToPlanningLocked(clientID)
		return nil
	}
	s.state = game.GameExecuting
	for _, q := range s.eachLocked() {
		if q.effective() == game.StateAccepted {
			s.setClientStateLocked(q, game.StateExecuting)
		}
	}
	s.broadcastGameStateLocked(clientID)
	return nil
}

// StartExecute begins stepping the accepted plan and returns the first batch
// of tasks whose outcome the game manager must report.
func (s *Session) StartExecute(info plan.ExecutionInfo) (plan.StepPending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != game.GameExecuting {
		return plan.StepPending{}, game.WrongGameState(s.state, "start execute")
	}
	if s.exec != nil {
		return plan.StepPending{}, game.Faultf(game.CodeGameServer, "execution already running for game %s", s.cfg.GameID)
	}
	if !info.Mode.Valid() {
		return plan.StepPending{}, game.Faultf(game.CodeConfig, "unknown execution mode %q", info.Mode)
	}
	info.StartRound = s.plan.Round
	s.exec = &info
	s.pending = &plan.StepPending{Round: s.plan.Round, Tasks: s.plan.Due(s.plan.Round)}
	s.fireLocked(s.gameManager, s.recipientsLocked("", false, s.cfg.ScoreLiveUpdate),
		game.Event{Type: game.EventExecutionResult}.MarshalPayload(s.pending))
	return *s.pending, nil
}

// SubmitPending applies the game manager's verdict for the outstanding
// execution round. Completed tasks are committed, delayed tasks slip one
// round without losing finished work, and the next pending batch (if any) is
// announced. Returns the next batch, or nil when execution has stopped.
func (s *Session) SubmitPending(result plan.StepResult, stop bool) (*plan.StepPending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != game.GameExecuting {
		return nil, game.WrongGameState(s.state, "submit pending")
	}
	if s.exec == nil || s.pending == nil {
		return nil, game.Faultf(game.CodeGameServer, "no execution step is outstanding for game %s", s.cfg.GameID)
	}
	if result.Round != s.pending.Round {
		return nil, game.Faultf(game.CodeGameServer, "result is for round %d, expected %d", result.Round, s.pending.Round)
	}

	s.plan.MarkExecuted(result.Completed)
	s.plan.MarkDelayed(result.Delayed)
	s.plan.Round++

	recipients := s.recipientsLocked("", true, s.cfg.ScoreLiveUpdate)
	s.fireLocked(s.gameManager, recipients,
		game.Event{Type: game.EventExecutionResult}.MarshalPayload(result))
	if s.cfg.ScoreLiveUpdate && s.scoreBoard != "" {
		s.fireLocked(s.gameManager, []string{s.scoreBoard},
			game.Event{Type: game.EventScoreUpdate}.MarshalPayload(s.plan.Snapshot()))
	}
	s.snapshotTraceLocked()

	//1.- A fully executed plan ends the game outright.
	if s.plan.Exhausted() || s.plan.Round >= s.plan.Horizon {
		s.finishLocked()
		return nil, nil
	}
	//2.- Otherwise the mode decides whether control returns to the manager.
	halt := stop || s.exec.Mode == plan.ModeOneRound ||
		(s.exec.Mode == plan.ModeUntilEvent && len(result.Delayed) > 0)
	if halt {
		s.backToIdleLocked()
		return nil, nil
	}
	next := &plan.StepPending{Round: s.plan.Round, Tasks: s.plan.Due(s.plan.Round)}
	s.pending = next
	s.fireLocked(s.gameManager, s.recipientsLocked("", false, false),
		game.Event{Type: game.EventExecutionResult}.MarshalPayload(next))
	out := *next
	return &out, nil
}

// StopExecute aborts the running execution and returns the session to idle.
func (s *Session) StopExecute() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != game.GameExecuting {
		return game.WrongGameState(s.state, "stop execute")
	}
	s.backToIdleLocked()
	return nil
}

// ForceGameState is the game manager's administrative override. It bypasses
// transition validation and is always logged.
func (s *Session) ForceGameState(target game.GameState, actor string) error {
	if !target.Valid() {
		return game.Faultf(game.CodeInvalidGameState, "unknown game state %q", target)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Warn("game state forced",
		logging.String("actor", actor),
		logging.String("from", string(s.state)),
		logging.String("to", string(target)))
	s.state = target
	s.broadcastGameStateLocked(actor)
	return nil
}

// ForceClientState overrides one client's state, bypassing validation.
func (s *Session) ForceClientState(clientID string, target game.ClientState, actor string) error {
	if !target.Valid() {
		return game.Faultf(game.CodeInvalidClientState, "unknown client state %q", target)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[clientID]
	if !ok {
		return game.Faultf(game.CodeClientNotInGame, "client %s has not joined game %s", clientID, s.cfg.GameID)
	}
	s.logger.Warn("client state forced",
		logging.String("actor", actor),
		logging.String("client_id", clientID),
		logging.String("from", string(p.state)),
		logging.String("to", string(target)))
	s.setClientStateLocked(p, target)
	return nil
}

func (s *Session) planPlayerLocked(p *participant) string {
	if p.player.Portfolio != "" {
		return p.player.Portfolio
	}
	return p.clientID
}

func (s *Session) resetToPlanningLocked(actor string) {
	s.state = game.GamePlanning
	for _, p := range s.eachLocked() {
		if p.effective().Terminal() {
			continue
		}
		p.vote = nil
		s.setClientStateLocked(p, game.StateInPlanning)
	}
	s.broadcastGameStateLocked(actor)
}

func (s *Session) backToIdleLocked() {
	s.exec = nil
	s.pending = nil
	s.state = game.GameIdle
	for _, p := range s.eachLocked() {
		if !p.effective().Terminal() {
			s.setClientStateLocked(p, game.StateIdle)
		}
	}
	s.broadcastGameStateLocked(s.gameManager)
}

func (s *Session) finishLocked() {
	s.exec = nil
	s.pending = nil
	s.state = game.GameFinished
	for _, p := range s.eachLocked() {
		s.setClientStateLocked(p, game.StateFinished)
	}
	s.broadcastGameStateLocked(s.gameManager)
}

// setClientStateLocked updates a participant, parking the round state in
// resume when the participant is currently disconnected.
func (s *Session) setClientStateLocked(p *participant, target game.ClientState) {
	if p.state.Side() && !target.Side() {
		p.resume = target
		return
	}
	p.state = target
	s.fireLocked("", []string{p.clientID},
		game.Event{Type: game.EventClientState}.MarshalPayload(map[string]string{
			"client_id": p.clientID, "state": string(target),
		}))
}

func (s *Session) broadcastGameStateLocked(actor string) {
	s.fireLocked(actor, s.recipientsLocked("", true, true),
		game.Event{Type: game.EventGameState}.MarshalPayload(map[string]string{
			"state": string(s.state),
		}))
}

// recipientsLocked lists broadcast targets: every joined service provider
// plus, optionally, the attached manager and score board.
func (s *Session) recipientsLocked(exclude string, includeGM, includeSB bool) []string {
	out := make([]string, 0, len(s.order)+2)
	for _, id := range s.order {
		if id != exclude {
			out = append(out, id)
		}
	}
	if includeGM && s.gameManager != "" && s.gameManager != exclude {
		out = append(out, s.gameManager)
	}
	if includeSB && s.scoreBoard != "" && s.scoreBoard != exclude {
		out = append(out, s.scoreBoard)
	}
	return out
}

func (s *Session) fireLocked(sender string, recipients []string, event game.Event) {
	event.GameID = s.cfg.GameID
	if s.tracer != nil {
		s.tracer.Event(event)
	}
	if s.notifier == nil || len(recipients) == 0 {
		return
	}
	notified := s.notifier.Notify(sender, recipients, event)
	if notified < len(recipients) {
		//1.- Partial broadcast failure is tolerated but must stay visible.
		s.logger.Warn("partial broadcast",
			logging.String("event", string(event.Type)),
			logging.Int("recipients", len(recipients)),
			logging.Int("notified", notified))
	}
}

func (s *Session) snapshotTraceLocked() {
	if s.tracer != nil {
		s.tracer.PlanSnapshot(s.plan.Round, s.plan.Snapshot())
	}
}

// eachLocked iterates participants in join order.
func (s *Session) eachLocked() []*participant {
	out := make([]*participant, 0, len(s.order))
	for _, id := range s.order {
		if p, ok := s.participants[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (s *Session) allEffectiveLocked(want game.ClientState) bool {
	for _, p := range s.eachLocked() {
		if p.effective().Terminal() {
			continue
		}
		if p.effective() != want {
			return false
		}
	}
	return len(s.participants) > 0
}

func (s *Session) allVotedLocked() bool {
	for _, p := range s.eachLocked() {
		if p.effective().Terminal() {
			continue
		}
		if p.vote == nil {
			return false
		}
	}
	return len(s.participants) > 0
}

func (s *Session) anyDeclinedLocked() bool {
	for _, p := range s.eachLocked() {
		if p.vote != nil && !*p.vote {
			return true
		}
	}
	return false
}

// sortedParticipantIDs is used by snapshots; join order is already stable but
// admin listings want lexical order.
func (s *Session) sortedParticipantIDs() []string {
	ids := make([]string, 0, len(s.participants))
	for id := range s.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
