package session

import (
	"ngi/plangame/internal/game"
	"ngi/plangame/internal/logging"
	"ngi/plangame/internal/plan"
)

// PlayerInfo is the public view of one joined participant.
type PlayerInfo struct {
	ClientID string           `json:"client_id"`
	Player   game.Player      `json:"player"`
	State    game.ClientState `json:"state"`
}

// Info summarises the session for admin listings.
type Info struct {
	GameID     string         `json:"game_id"`
	State      game.GameState `json:"state"`
	Players    int            `json:"players"`
	MaxPlayers int            `json:"max_players"`
	Round      int            `json:"round"`
}

// RestoreSnapshot is everything a reconnecting browser needs to rebuild its
// view without replaying history.
type RestoreSnapshot struct {
	ServerInfo  Config              `json:"server_info"`
	ServerState game.GameState      `json:"server_state"`
	ClientState game.ClientState    `json:"client_state,omitempty"`
	Players     []PlayerInfo        `json:"players"`
	JointPlan   plan.Snapshot       `json:"joint_plan"`
	Execution   *plan.ExecutionInfo `json:"execution,omitempty"`
	Pending     *plan.StepPending   `json:"pending,omitempty"`
}

// Info reports the session summary.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		GameID:     s.cfg.GameID,
		State:      s.state,
		Players:    len(s.participants),
		MaxPlayers: s.cfg.MaxPlayers,
		Round:      s.plan.Round,
	}
}

// ClientStateOf reports one participant's current state.
func (s *Session) ClientStateOf(clientID string) (game.ClientState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[clientID]
	if !ok {
		return "", game.Faultf(game.CodeClientNotInGame, "client %s has not joined game %s", clientID, s.cfg.GameID)
	}
	return p.state, nil
}

// Has reports whether the client participates in (or observes) this session.
func (s *Session) Has(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[clientID]; ok {
		return true
	}
	return clientID == s.gameManager || clientID == s.scoreBoard
}

// MarkDisconnected parks a participant in the disconnected side state without
// aborting the round; its round position is retained for a later reconnect.
func (s *Session) MarkDisconnected(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[clientID]
	if !ok {
		return
	}
	if !p.state.Side() {
		p.resume = p.state
	}
	p.state = game.StateDisconnected
	s.fireLocked(clientID, s.recipientsLocked(clientID, true, true),
		game.Event{Type: game.EventDisconnect}.MarshalPayload(map[string]string{
			"client_id": clientID,
		}))
}

// Restore resumes a reconnecting participant at its retained round state and
// returns the snapshot its browser needs to rebuild the view.
func (s *Session) Restore(clientID string) (RestoreSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := RestoreSnapshot{
		ServerInfo:  s.cfg,
		ServerState: s.state,
		JointPlan:   s.plan.Snapshot(),
	}
	if s.exec != nil {
		info := *s.exec
		snap.Execution = &info
	}
	if s.pending != nil {
		pend := *s.pending
		snap.Pending = &pend
	}
	for _, id := range s.sortedParticipantIDs() {
		p := s.participants[id]
		snap.Players = append(snap.Players, PlayerInfo{ClientID: id, Player: p.player, State: p.state})
	}

	if p, ok := s.participants[clientID]; ok {
		if p.state == game.StateDisconnected {
			//1.- Pass through the transient reconnecting state, then resume.
			p.state = game.StateReconnecting
			p.state = p.resume
		}
		snap.ClientState = p.state
	}
	return snap, nil
}

// Reassign hands a participant's portfolio and round state over to another
// connected client. The target must acknowledge before it may act.
func (s *Session) Reassign(fromID, toID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[fromID]
	if !ok {
		return game.Faultf(game.CodeClientNotInGame, "client %s has not joined game %s", fromID, s.cfg.GameID)
	}
	if _, taken := s.participants[toID]; taken {
		return game.Faultf(game.CodeGameServer, "client %s already participates in game %s", toID, s.cfg.GameID)
	}
	delete(s.participants, fromID)
	for i, id := range s.order {
		if id == fromID {
			s.order[i] = toID
			break
		}
	}
	p.clientID = toID
	p.reassign = true
	s.participants[toID] = p

	s.logger.Info("portfolio reassigned",
		logging.String("from", fromID), logging.String("to", toID))
	s.fireLocked(fromID, []string{toID},
		game.Event{Type: game.EventReassign}.MarshalPayload(PlayerInfo{
			ClientID: toID, Player: p.player, State: p.state,
		}))
	return nil
}

// AckReassign confirms that the target client picked up a reassigned
// portfolio.
func (s *Session) AckReassign(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[clientID]
	if !ok {
		return game.Faultf(game.CodeClientNotInGame, "client %s has not joined game %s", clientID, s.cfg.GameID)
	}
	if !p.reassign {
		return game.Faultf(game.CodeGameServer, "client %s has no pending reassignment", clientID)
	}
	p.reassign = false
	return nil
}

// Restart resets the session in place: every participant is kicked, the plan
// is rebuilt, and the game returns to the starting state. The removed client
// IDs are returned so the caller can flush their mailboxes.
func (s *Session) Restart() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	//1.- The caller announces the restart and flushes mailboxes; firing here
	// would race with the flush and lose the notification.
	kicked := append([]string(nil), s.order...)
	s.participants = make(map[string]*participant)
	s.order = nil
	s.plan = plan.New(s.cfg.Rounds, s.cfg.Tasks)
	s.exec = nil
	s.pending = nil
	s.state = game.GameStarting
	s.logger.Info("session restarted", logging.Int("kicked", len(kicked)))
	return kicked
}

// End shuts the session down for good and returns every attached client ID so
// the caller can disconnect them.
func (s *Session) End() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	attached := s.recipientsLocked("", true, true)
	s.state = game.GameFinished
	if s.tracer != nil {
		if err := s.tracer.Close(); err != nil {
			s.logger.Error("closing trace recorder failed", logging.Error(err))
		}
		s.tracer = nil
	}
	s.logger.Info("session ended", logging.Int("clients", len(attached)))
	return attached
}
