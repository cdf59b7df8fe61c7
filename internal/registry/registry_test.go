package registry

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"ngi/plangame/internal/game"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestNewClientAssignsTypedIdentifier(t *testing.T) {
	r := New(WithRand(rand.New(rand.NewSource(1))))
	client, err := r.NewClient(game.ClientServiceProvider)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if len(client.ID) != 7 || client.ID[:3] != "SP-" {
		t.Fatalf("unexpected identifier %q", client.ID)
	}
	if _, err := r.Get(client.ID); err != nil {
		t.Fatalf("freshly issued client not retrievable: %v", err)
	}
}

func TestNewClientRejectsUnknownType(t *testing.T) {
	r := New()
	if _, err := r.NewClient(game.ClientType("observer")); err == nil {
		t.Fatalf("expected rejection of unknown client type")
	} else if game.CodeOf(err) != game.CodeInvalidClientType {
		t.Fatalf("unexpected code %s", game.CodeOf(err))
	}
}

func TestRestoreWithinGracePeriodKeepsClient(t *testing.T) {
	clock := newFakeClock()
	r := New(WithClock(clock.Now), WithGracePeriod(300*time.Second))

	client, err := r.NewClient(game.ClientServiceProvider)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := r.FlagRemoval(client.ID); err != nil {
		t.Fatalf("FlagRemoval: %v", err)
	}

	//1.- Just short of the deadline the client must still be restorable.
	clock.Advance(299 * time.Second)
	if removed := r.SweepOnce(); len(removed) != 0 {
		t.Fatalf("sweep reclaimed %v before the grace period elapsed", removed)
	}
	restored, err := r.Restore(client.ID, game.ClientServiceProvider)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.ID != client.ID {
		t.Fatalf("restored %q, want %q", restored.ID, client.ID)
	}

	//2.- The restore cancelled the removal; the old deadline must not fire.
	clock.Advance(10 * time.Second)
	if removed := r.SweepOnce(); len(removed) != 0 {
		t.Fatalf("sweep reclaimed a restored client: %v", removed)
	}
}

func TestSweepReclaimsAfterGracePeriod(t *testing.T) {
	clock := newFakeClock()
	var reclaimed []Client
	r := New(
		WithClock(clock.Now),
		WithGracePeriod(300*time.Second),
		WithRemovedFunc(func(c Client) { reclaimed = append(reclaimed, c) }),
	)

	client, err := r.NewClient(game.ClientGameManager)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := r.FlagRemoval(client.ID); err != nil {
		t.Fatalf("FlagRemoval: %v", err)
	}

	clock.Advance(301 * time.Second)
	removed := r.SweepOnce()
	if len(removed) != 1 || removed[0].ID != client.ID {
		t.Fatalf("sweep removed %v, want %s", removed, client.ID)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != client.ID {
		t.Fatalf("removal callback saw %v", reclaimed)
	}
	if _, err := r.Get(client.ID); game.CodeOf(err) != game.CodeClientNotConnected {
		t.Fatalf("reclaimed client still resolvable: %v", err)
	}
	if _, err := r.Restore(client.ID, game.ClientGameManager); game.CodeOf(err) != game.CodeSessionExpired {
		t.Fatalf("restore after reclamation: %v, want session expired", err)
	}
}

func TestReflagMovesDeadlineForward(t *testing.T) {
	clock := newFakeClock()
	r := New(WithClock(clock.Now), WithGracePeriod(100*time.Second))

	client, _ := r.NewClient(game.ClientServiceProvider)
	if err := r.FlagRemoval(client.ID); err != nil {
		t.Fatalf("FlagRemoval: %v", err)
	}
	clock.Advance(50 * time.Second)
	//1.- A second closing resets the clock; the first deadline goes stale.
	if err := r.FlagRemoval(client.ID); err != nil {
		t.Fatalf("re-flagging: %v", err)
	}
	clock.Advance(60 * time.Second)
	if removed := r.SweepOnce(); len(removed) != 0 {
		t.Fatalf("stale heap entry reclaimed the client: %v", removed)
	}
	clock.Advance(50 * time.Second)
	if removed := r.SweepOnce(); len(removed) != 1 {
		t.Fatalf("renewed deadline never fired: %v", removed)
	}
}

func TestRestoreTypeMismatchReadsAsExpired(t *testing.T) {
	r := New()
	client, _ := r.NewClient(game.ClientServiceProvider)
	_, err := r.Restore(client.ID, game.ClientGameManager)
	if game.CodeOf(err) != game.CodeSessionExpired {
		t.Fatalf("type mismatch returned %v, want session expired", err)
	}
	//1.- The mismatch must not disturb the stored client.
	if _, err := r.Restore(client.ID, game.ClientServiceProvider); err != nil {
		t.Fatalf("legitimate restore failed: %v", err)
	}
}

func TestAssignPlayerOnlyForServiceProviders(t *testing.T) {
	r := New()
	manager, _ := r.NewClient(game.ClientGameManager)
	if err := r.AssignPlayer(manager.ID, game.Player{Name: "x"}); game.CodeOf(err) != game.CodeInvalidClientType {
		t.Fatalf("manager accepted a portfolio: %v", err)
	}

	provider, _ := r.NewClient(game.ClientServiceProvider)
	if err := r.AssignPlayer(provider.ID, game.Player{Name: "alice", Portfolio: "north"}); err != nil {
		t.Fatalf("AssignPlayer: %v", err)
	}
	got, _ := r.Get(provider.ID)
	if got.Player == nil || got.Player.Portfolio != "north" {
		t.Fatalf("portfolio not recorded: %+v", got.Player)
	}
}

func TestCounts(t *testing.T) {
	clock := newFakeClock()
	r := New(WithClock(clock.Now))
	a, _ := r.NewClient(game.ClientServiceProvider)
	_, _ = r.NewClient(game.ClientScoreBoard)
	if clients, pending := r.Counts(); clients != 2 || pending != 0 {
		t.Fatalf("counts = %d/%d, want 2/0", clients, pending)
	}
	_ = r.FlagRemoval(a.ID)
	if clients, pending := r.Counts(); clients != 2 || pending != 1 {
		t.Fatalf("counts = %d/%d, want 2/1", clients, pending)
	}
}
