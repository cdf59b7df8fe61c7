package session

import (
	"errors"
	"sync"
	"testing"

	"ngi/plangame/internal/game"
	"ngi/plangame/internal/plan"
)

// recorder captures every event the session fires, keyed by recipient.
type recorder struct {
	mu     sync.Mutex
	events map[string][]game.Event
}

func newRecorder() *recorder {
	return &recorder{events: make(map[string][]game.Event)}
}

func (r *recorder) Notify(senderID string, clientIDs []string, event game.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range clientIDs {
		r.events[id] = append(r.events[id], event)
	}
	return len(clientIDs)
}

func (r *recorder) typesFor(clientID string) []game.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]game.EventType, 0, len(r.events[clientID]))
	for _, event := range r.events[clientID] {
		out = append(out, event.Type)
	}
	return out
}

func (r *recorder) has(clientID string, want game.EventType) bool {
	for _, got := range r.typesFor(clientID) {
		if got == want {
			return true
		}
	}
	return false
}

func testConfig() Config {
	return Config{
		GameID:     "G1",
		MaxPlayers: 2,
		Rounds:     6,
		Tasks: []plan.Task{
			{ID: "t1", Asset: "pump", Duration: 1},
			{ID: "t2", Asset: "valve", Duration: 1},
		},
	}
}

func newTestSession(t *testing.T, cfg Config) (*Session, *recorder) {
	t.Helper()
	rec := newRecorder()
	sess, err := New(cfg, rec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess.AttachGameManager("GM-0001")
	return sess, rec
}

// readySession joins both providers, assigns portfolios and starts the game.
func readySession(t *testing.T, cfg Config) (*Session, *recorder) {
	t.Helper()
	sess, rec := newTestSession(t, cfg)
	for id, portfolio := range map[string]string{"SP-0001": "north", "SP-0002": "south"} {
		if _, err := sess.Join(id, "player "+id); err != nil {
			t.Fatalf("Join %s: %v", id, err)
		}
		if err := sess.AssignPortfolio(id, portfolio); err != nil {
			t.Fatalf("AssignPortfolio %s: %v", id, err)
		}
	}
	if err := sess.StartGame(); err != nil {
		t.Fatalf("StartGame: %v", err)
	}
	return sess, rec
}

// planAndAccept drives both providers through one full planning round.
func planAndAccept(t *testing.T, sess *Session) {
	t.Helper()
	if err := sess.StartPlanRound(); err != nil {
		t.Fatalf("StartPlanRound: %v", err)
	}
	if err := sess.PlanChange("SP-0001", plan.Change{Place: []plan.Placement{
		{TaskID: "t1", Asset: "pump", Start: 0, Duration: 1},
	}}); err != nil {
		t.Fatalf("PlanChange SP-0001: %v", err)
	}
	if err := sess.PlanChange("SP-0002", plan.Change{Place: []plan.Placement{
		{TaskID: "t2", Asset: "valve", Start: 0, Duration: 1},
	}}); err != nil {
		t.Fatalf("PlanChange SP-0002: %v", err)
	}
	for _, id := range []string{"SP-0001", "SP-0002"} {
		if err := sess.SubmitPlan(id); err != nil {
			t.Fatalf("SubmitPlan %s: %v", id, err)
		}
	}
	if got := sess.State(); got != game.GameAccept {
		t.Fatalf("state after all submissions = %s, want %s", got, game.GameAccept)
	}
	for _, id := range []string{"SP-0001", "SP-0002"} {
		if err := sess.AcceptPlan(id, true); err != nil {
			t.Fatalf("AcceptPlan %s: %v", id, err)
		}
	}
	if got := sess.State(); got != game.GameExecuting {
		t.Fatalf("state after unanimous accept = %s, want %s", got, game.GameExecuting)
	}
}

func TestJoinLandsInAwaitingPortfolio(t *testing.T) {
	sess, rec := newTestSession(t, testConfig())
	state, err := sess.Join("SP-0001", "alice")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if state != game.StateAwaitingPortfolio {
		t.Fatalf("join state = %s, want %s", state, game.StateAwaitingPortfolio)
	}
	if !rec.has("GM-0001", game.EventJoin) {
		t.Fatalf("manager never saw the join: %v", rec.typesFor("GM-0001"))
	}

	//1.- Re-joining is idempotent and reports the current state.
	again, err := sess.Join("SP-0001", "alice")
	if err != nil || again != game.StateAwaitingPortfolio {
		t.Fatalf("re-join = %s, %v", again, err)
	}
}

func TestJoinRejectsWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPlayers = 1
	sess, _ := newTestSession(t, cfg)
	if _, err := sess.Join("SP-0001", "alice"); err != nil {
		t.Fatalf("first join: %v", err)
	}
	_, err := sess.Join("SP-0002", "bob")
	if game.CodeOf(err) != game.CodeGameServer {
		t.Fatalf("overflow join: %v", err)
	}
}

func TestPortfolioMovesClientToWaitingRoom(t *testing.T) {
	sess, _ := newTestSession(t, testConfig())
	_, _ = sess.Join("SP-0001", "alice")
	if err := sess.AssignPortfolio("SP-0001", "north"); err != nil {
		t.Fatalf("AssignPortfolio: %v", err)
	}
	state, err := sess.ClientStateOf("SP-0001")
	if err != nil {
		t.Fatalf("ClientStateOf: %v", err)
	}
	if state != game.StateWaitingToStart {
		t.Fatalf("state = %s, want %s", state, game.StateWaitingToStart)
	}
}

func TestLateJoinerSkipsWaitingRoom(t *testing.T) {
	sess, _ := readySession(t, Config{GameID: "G1", MaxPlayers: 3, Rounds: 6})
	if _, err := sess.Join("SP-0003", "carol"); err != nil {
		t.Fatalf("late join: %v", err)
	}
	if err := sess.AssignPortfolio("SP-0003", "west"); err != nil {
		t.Fatalf("AssignPortfolio: %v", err)
	}
	//1.- The game already started, so the new player lands in idle directly.
	state, _ := sess.ClientStateOf("SP-0003")
	if state != game.StateIdle {
		t.Fatalf("late joiner state = %s, want %s", state, game.StateIdle)
	}
}

func TestOutOfPhaseOperationsRejected(t *testing.T) {
	sess, _ := newTestSession(t, testConfig())
	_, _ = sess.Join("SP-0001", "alice")

	err := sess.StartPlanRound()
	var fault *game.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected a fault, got %v", err)
	}
	if fault.Code != game.CodeInvalidGameState || fault.GameState != game.GameStarting {
		t.Fatalf("fault = %+v", fault)
	}

	if err := sess.SubmitPlan("SP-0001"); game.CodeOf(err) != game.CodeInvalidGameState {
		t.Fatalf("submit before planning: %v", err)
	}
	if err := sess.AcceptPlan("SP-0001", true); game.CodeOf(err) != game.CodeInvalidGameState {
		t.Fatalf("accept before planning: %v", err)
	}
}

func TestPlanChangeRequiresInPlanning(t *testing.T) {
	sess, _ := readySession(t, testConfig())
	if err := sess.StartPlanRound(); err != nil {
		t.Fatalf("StartPlanRound: %v", err)
	}
	if err := sess.SubmitPlan("SP-0001"); err != nil {
		t.Fatalf("SubmitPlan: %v", err)
	}
	//1.- After submitting, further changes are rejected by client state.
	err := sess.PlanChange("SP-0001", plan.Change{Place: []plan.Placement{
		{TaskID: "t1", Asset: "pump", Start: 0, Duration: 1},
	}})
	var fault *game.Fault
	if !errors.As(err, &fault) || fault.Code != game.CodeInvalidClientState {
		t.Fatalf("change after submit: %v", err)
	}
	if fault.ClientState != game.StateSubmitted {
		t.Fatalf("fault carries state %s, want %s", fault.ClientState, game.StateSubmitted)
	}
}

func TestPlanChangeSurfacesAllConflicts(t *testing.T) {
	sess, _ := readySession(t, testConfig())
	_ = sess.StartPlanRound()
	if err := sess.PlanChange("SP-0001", plan.Change{Place: []plan.Placement{
		{TaskID: "t1", Asset: "pump", Start: 0, Duration: 1},
	}}); err != nil {
		t.Fatalf("first change: %v", err)
	}

	err := sess.PlanChange("SP-0002", plan.Change{Place: []plan.Placement{
		{TaskID: "t1", Asset: "pump", Start: 0, Duration: 1}, // foreign re-plan
		{TaskID: "t2", Asset: "pump", Start: 0, Duration: 9}, // overlaps t1, exceeds horizon
	}})
	var invalid *plan.ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected validation error, got %v", err)
	}
	kinds := make(map[plan.ConflictKind]bool, len(invalid.Conflicts))
	for _, conflict := range invalid.Conflicts {
		kinds[conflict.Kind] = true
	}
	for _, want := range []plan.ConflictKind{plan.TaskAlreadyPlanned, plan.Overlap, plan.UnableToComplete} {
		if !kinds[want] {
			t.Fatalf("conflict list %v is missing %s", invalid.Conflicts, want)
		}
	}
}

func TestPlanChangeBindsOwnershipToCaller(t *testing.T) {
	sess, _ := readySession(t, testConfig())
	_ = sess.StartPlanRound()
	if err := sess.PlanChange("SP-0001", plan.Change{Place: []plan.Placement{
		{TaskID: "t1", Asset: "pump", Start: 0, Duration: 1},
	}}); err != nil {
		t.Fatalf("first change: %v", err)
	}

	//1.- A second provider moving the task keeps colliding with the recorded
	// owner even when the request leaves every player field blank.
	err := sess.PlanChange("SP-0002", plan.Change{Place: []plan.Placement{
		{TaskID: "t1", Asset: "pump", Start: 2, Duration: 1},
	}})
	var invalid *plan.ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("foreign re-plan accepted: %v", err)
	}
	if len(invalid.Conflicts) != 1 || invalid.Conflicts[0].Kind != plan.TaskAlreadyPlanned {
		t.Fatalf("conflicts = %v, want a single %s", invalid.Conflicts, plan.TaskAlreadyPlanned)
	}

	//2.- The owner can still move their own task freely.
	if err := sess.PlanChange("SP-0001", plan.Change{Place: []plan.Placement{
		{TaskID: "t1", Asset: "pump", Start: 2, Duration: 1},
	}}); err != nil {
		t.Fatalf("owner re-plan rejected: %v", err)
	}
	snap, err := sess.Restore("SP-0001")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(snap.JointPlan.Entries) != 1 || snap.JointPlan.Entries[0].Player != "north" {
		t.Fatalf("entries = %+v, want t1 owned by north", snap.JointPlan.Entries)
	}
}

func TestSingleDeclineReopensPlanning(t *testing.T) {
	cfg := testConfig()
	cfg.SingleDecline = true
	sess, _ := readySession(t, cfg)
	_ = sess.StartPlanRound()
	for _, id := range []string{"SP-0001", "SP-0002"} {
		if err := sess.SubmitPlan(id); err != nil {
			t.Fatalf("SubmitPlan %s: %v", id, err)
		}
	}
	if err := sess.AcceptPlan("SP-0001", false); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if got := sess.State(); got != game.GamePlanning {
		t.Fatalf("state after single decline = %s, want %s", got, game.GamePlanning)
	}
	//1.- Votes from the aborted round are discarded for everyone.
	for _, id := range []string{"SP-0001", "SP-0002"} {
		state, _ := sess.ClientStateOf(id)
		if state != game.StateInPlanning {
			t.Fatalf("%s state = %s, want %s", id, state, game.StateInPlanning)
		}
	}
}

func TestFullTallyDeclineReopensPlanning(t *testing.T) {
	sess, _ := readySession(t, testConfig())
	_ = sess.StartPlanRound()
	for _, id := range []string{"SP-0001", "SP-0002"} {
		_ = sess.SubmitPlan(id)
	}
	if err := sess.AcceptPlan("SP-0001", false); err != nil {
		t.Fatalf("decline: %v", err)
	}
	//1.- Without single-decline the session waits for the full tally.
	if got := sess.State(); got != game.GameAccept {
		t.Fatalf("state after first vote = %s, want %s", got, game.GameAccept)
	}
	if err := sess.AcceptPlan("SP-0002", true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got := sess.State(); got != game.GamePlanning {
		t.Fatalf("state after full tally = %s, want %s", got, game.GamePlanning)
	}
}

func TestExecutionOneRoundReturnsToIdle(t *testing.T) {
	cfg := testConfig()
	// leave t2 unplanned so the plan is not exhausted after one round
	cfg.Tasks = []plan.Task{
		{ID: "t1", Asset: "pump", Duration: 1},
		{ID: "t2", Asset: "valve", Duration: 4},
	}
	sess, _ := readySession(t, cfg)
	if err := sess.StartPlanRound(); err != nil {
		t.Fatalf("StartPlanRound: %v", err)
	}
	if err := sess.PlanChange("SP-0001", plan.Change{Place: []plan.Placement{
		{TaskID: "t1", Asset: "pump", Start: 0, Duration: 1},
	}}); err != nil {
		t.Fatalf("PlanChange: %v", err)
	}
	for _, id := range []string{"SP-0001", "SP-0002"} {
		if err := sess.SubmitPlan(id); err != nil {
			t.Fatalf("SubmitPlan %s: %v", id, err)
		}
	}
	for _, id := range []string{"SP-0001", "SP-0002"} {
		if err := sess.AcceptPlan(id, true); err != nil {
			t.Fatalf("AcceptPlan %s: %v", id, err)
		}
	}

	pending, err := sess.StartExecute(plan.ExecutionInfo{Mode: plan.ModeOneRound})
	if err != nil {
		t.Fatalf("StartExecute: %v", err)
	}
	if pending.Round != 0 || len(pending.Tasks) != 1 || pending.Tasks[0] != "t1" {
		t.Fatalf("pending = %+v", pending)
	}

	next, err := sess.SubmitPending(plan.StepResult{Round: 0, Completed: []string{"t1"}}, false)
	if err != nil {
		t.Fatalf("SubmitPending: %v", err)
	}
	if next != nil {
		t.Fatalf("one-round mode continued: %+v", next)
	}
	if got := sess.State(); got != game.GameIdle {
		t.Fatalf("state after one round = %s, want %s", got, game.GameIdle)
	}
}

func TestExecutionFinishesWhenExhausted(t *testing.T) {
	sess, rec := readySession(t, testConfig())
	planAndAccept(t, sess)

	if _, err := sess.StartExecute(plan.ExecutionInfo{Mode: plan.ModeContinuous}); err != nil {
		t.Fatalf("StartExecute: %v", err)
	}
	next, err := sess.SubmitPending(plan.StepResult{Round: 0, Completed: []string{"t1", "t2"}}, false)
	if err != nil {
		t.Fatalf("SubmitPending: %v", err)
	}
	if next != nil {
		t.Fatalf("finished game still pending: %+v", next)
	}
	if got := sess.State(); got != game.GameFinished {
		t.Fatalf("state = %s, want %s", got, game.GameFinished)
	}
	for _, id := range []string{"SP-0001", "SP-0002"} {
		state, _ := sess.ClientStateOf(id)
		if state != game.StateFinished {
			t.Fatalf("%s state = %s, want %s", id, state, game.StateFinished)
		}
	}
	if !rec.has("SP-0002", game.EventGameState) {
		t.Fatalf("players never saw a game state broadcast")
	}
}

func TestExecutionUntilEventHaltsOnDelay(t *testing.T) {
	cfg := testConfig()
	cfg.Tasks = []plan.Task{
		{ID: "t1", Asset: "pump", Duration: 1},
		{ID: "t2", Asset: "valve", Duration: 1},
		{ID: "t3", Asset: "crane", Duration: 4},
	}
	sess, _ := readySession(t, cfg)
	planAndAccept(t, sess)

	if _, err := sess.StartExecute(plan.ExecutionInfo{Mode: plan.ModeUntilEvent}); err != nil {
		t.Fatalf("StartExecute: %v", err)
	}
	//1.- A delayed task is the halting event; control returns to the manager.
	next, err := sess.SubmitPending(plan.StepResult{Round: 0, Completed: []string{"t1"}, Delayed: []string{"t2"}}, false)
	if err != nil {
		t.Fatalf("SubmitPending: %v", err)
	}
	if next != nil {
		t.Fatalf("until-event mode ignored the delay: %+v", next)
	}
	if got := sess.State(); got != game.GameIdle {
		t.Fatalf("state = %s, want %s", got, game.GameIdle)
	}
}

func TestSubmitPendingRejectsWrongRound(t *testing.T) {
	sess, _ := readySession(t, testConfig())
	planAndAccept(t, sess)
	if _, err := sess.StartExecute(plan.ExecutionInfo{Mode: plan.ModeOneRound}); err != nil {
		t.Fatalf("StartExecute: %v", err)
	}
	_, err := sess.SubmitPending(plan.StepResult{Round: 3}, false)
	if game.CodeOf(err) != game.CodeGameServer {
		t.Fatalf("wrong round accepted: %v", err)
	}
}

func TestStopExecuteReturnsToIdle(t *testing.T) {
	sess, _ := readySession(t, testConfig())
	planAndAccept(t, sess)
	if _, err := sess.StartExecute(plan.ExecutionInfo{Mode: plan.ModeContinuous}); err != nil {
		t.Fatalf("StartExecute: %v", err)
	}
	if err := sess.StopExecute(); err != nil {
		t.Fatalf("StopExecute: %v", err)
	}
	if got := sess.State(); got != game.GameIdle {
		t.Fatalf("state = %s, want %s", got, game.GameIdle)
	}
	//1.- A fresh execution can start from the accept flow again.
	if _, err := sess.StartExecute(plan.ExecutionInfo{Mode: plan.ModeOneRound}); game.CodeOf(err) != game.CodeInvalidGameState {
		t.Fatalf("execute from idle: %v", err)
	}
}

func TestDisconnectParksAndRestoreResumes(t *testing.T) {
	sess, rec := readySession(t, testConfig())
	_ = sess.StartPlanRound()

	sess.MarkDisconnected("SP-0001")
	state, _ := sess.ClientStateOf("SP-0001")
	if state != game.StateDisconnected {
		t.Fatalf("state = %s, want %s", state, game.StateDisconnected)
	}
	if !rec.has("GM-0001", game.EventDisconnect) {
		t.Fatalf("manager never saw the disconnect")
	}

	//1.- The round waits for the parked player; no auto-advance on its behalf.
	if err := sess.SubmitPlan("SP-0002"); err != nil {
		t.Fatalf("SubmitPlan: %v", err)
	}
	if got := sess.State(); got != game.GamePlanning {
		t.Fatalf("round advanced past a disconnected player: %s", got)
	}

	snap, err := sess.Restore("SP-0001")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if snap.ClientState != game.StateInPlanning {
		t.Fatalf("restored state = %s, want %s", snap.ClientState, game.StateInPlanning)
	}
	if snap.ServerState != game.GamePlanning {
		t.Fatalf("restored server state = %s", snap.ServerState)
	}
	if len(snap.Players) != 2 {
		t.Fatalf("snapshot players = %d, want 2", len(snap.Players))
	}

	//2.- The restored player can finish the round.
	if err := sess.SubmitPlan("SP-0001"); err != nil {
		t.Fatalf("SubmitPlan after restore: %v", err)
	}
	if got := sess.State(); got != game.GameAccept {
		t.Fatalf("state = %s, want %s", got, game.GameAccept)
	}
}

func TestReassignHandsOverSeat(t *testing.T) {
	sess, rec := readySession(t, testConfig())
	_ = sess.StartPlanRound()

	if err := sess.Reassign("SP-0001", "SP-0099"); err != nil {
		t.Fatalf("Reassign: %v", err)
	}
	if sess.Has("SP-0001") {
		t.Fatalf("old seat still present")
	}
	state, err := sess.ClientStateOf("SP-0099")
	if err != nil {
		t.Fatalf("new seat missing: %v", err)
	}
	if state != game.StateInPlanning {
		t.Fatalf("seat state = %s, want %s", state, game.StateInPlanning)
	}
	if !rec.has("SP-0099", game.EventReassign) {
		t.Fatalf("target never notified of the handover")
	}

	//1.- Acting before acknowledging is an explicit protocol step.
	if err := sess.AckReassign("SP-0099"); err != nil {
		t.Fatalf("AckReassign: %v", err)
	}
	if err := sess.AckReassign("SP-0099"); game.CodeOf(err) != game.CodeGameServer {
		t.Fatalf("double ack accepted: %v", err)
	}
}

func TestRestartKicksEveryoneAndResets(t *testing.T) {
	sess, _ := readySession(t, testConfig())
	_ = sess.StartPlanRound()

	kicked := sess.Restart()
	if len(kicked) != 2 {
		t.Fatalf("kicked %v, want both providers", kicked)
	}
	if got := sess.State(); got != game.GameStarting {
		t.Fatalf("state = %s, want %s", got, game.GameStarting)
	}
	if sess.Has("SP-0001") {
		t.Fatalf("participant survived the restart")
	}
	//1.- The session is immediately joinable again.
	if _, err := sess.Join("SP-0005", "dave"); err != nil {
		t.Fatalf("join after restart: %v", err)
	}
}

func TestForceGameStateIsLoggedOverride(t *testing.T) {
	sess, _ := readySession(t, testConfig())
	if err := sess.ForceGameState(game.GameState("warp"), "GM-0001"); game.CodeOf(err) != game.CodeInvalidGameState {
		t.Fatalf("unknown state accepted: %v", err)
	}
	if err := sess.ForceGameState(game.GamePlanning, "GM-0001"); err != nil {
		t.Fatalf("ForceGameState: %v", err)
	}
	if got := sess.State(); got != game.GamePlanning {
		t.Fatalf("state = %s, want %s", got, game.GamePlanning)
	}
}
