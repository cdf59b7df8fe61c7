// Package registry tracks every connected browser client and implements the
// grace-period disconnect protocol that lets a page refresh reconnect without
// losing game state.
package registry

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"ngi/plangame/internal/game"
	"ngi/plangame/internal/logging"
)

// DefaultGracePeriod is how long a client flagged as closing survives before
// the sweep reclaims it.
const DefaultGracePeriod = 300 * time.Second

// DefaultSweepInterval is the cadence of the background removal sweep.
const DefaultSweepInterval = 500 * time.Millisecond

// idSpace bounds the per-type numeric identifier space.
const idSpace = 10000

// Client is one connected browser view.
type Client struct {
	ID          string          `json:"id"`
	Type        game.ClientType `json:"type"`
	GameID      string          `json:"game_id,omitempty"`
	Player      *game.Player    `json:"player,omitempty"`
	ConnectedAt time.Time       `json:"connected_at"`
}

// RemovedFunc is invoked for every client reclaimed by the removal sweep.
type RemovedFunc func(client Client)

// Option configures optional Registry behaviour at construction time.
type Option func(*Registry)

// WithClock injects a deterministic time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithGracePeriod overrides the closing-to-removal grace period.
func WithGracePeriod(grace time.Duration) Option {
	return func(r *Registry) {
		if grace > 0 {
			r.grace = grace
		}
	}
}

// WithRand injects a deterministic identifier source for tests.
func WithRand(rng *rand.Rand) Option {
	return func(r *Registry) {
		if rng != nil {
			r.rand = rng
		}
	}
}

// WithRemovedFunc registers the callback fired when the sweep reclaims a client.
func WithRemovedFunc(fn RemovedFunc) Option {
	return func(r *Registry) { r.onRemoved = fn }
}

// WithLogger overrides the logger used by the background sweep.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Registry owns the client table and the pending-removal schedule.
type Registry struct {
	mu        sync.Mutex
	clients   map[string]*Client
	flagged   map[string]time.Time
	deadlines removalHeap

	grace     time.Duration
	now       func() time.Time
	rand      *rand.Rand
	onRemoved RemovedFunc
	logger    *logging.Logger
}

// New constructs an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		clients: make(map[string]*Client),
		flagged: make(map[string]time.Time),
		grace:   DefaultGracePeriod,
		now:     time.Now,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:  logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// NewClient allocates a fresh identity of the requested type.
func (r *Registry) NewClient(t game.ClientType) (Client, error) {
	if !t.Valid() {
		return Client{}, game.Faultf(game.CodeInvalidClientType, "unknown client type %q", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	//1.- Sample the bounded ID space until an unused identifier turns up.
	var id string
	for {
		id = fmt.Sprintf("%s-%04d", t.Prefix(), r.rand.Intn(idSpace))
		if _, taken := r.clients[id]; !taken {
			break
		}
	}
	client := &Client{ID: id, Type: t, ConnectedAt: r.now()}
	r.clients[id] = client
	return *client, nil
}

// Restore resolves a previously registered client. A missing entry, or one
// whose stored type differs from the requested type, reads as an expired
// session so a stale or hostile ID can never hijack another view's state.
func (r *Registry) Restore(clientID string, t game.ClientType) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[clientID]
	if !ok || client.Type != t {
		return Client{}, game.Faultf(game.CodeSessionExpired, "no %s session for %s", t, clientID)
	}
	//1.- A successful restore cancels any pending grace-period removal.
	delete(r.flagged, clientID)
	return *client, nil
}

// Get looks up a connected client by ID.
func (r *Registry) Get(clientID string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[clientID]
	if !ok {
		return Client{}, game.Faultf(game.CodeClientNotConnected, "client %s is not connected", clientID)
	}
	return *client, nil
}

// Remove deregisters a client unconditionally.
func (r *Registry) Remove(clientID string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[clientID]
	if !ok {
		return Client{}, game.Faultf(game.CodeClientNotConnected, "client %s is not connected", clientID)
	}
	delete(r.clients, clientID)
	delete(r.flagged, clientID)
	return *client, nil
}

// FlagRemoval schedules the client for removal once the grace period elapses,
// unless a reconnect clears the flag first.
func (r *Registry) FlagRemoval(clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[clientID]; !ok {
		return game.Faultf(game.CodeClientNotConnected, "client %s is not connected", clientID)
	}
	deadline := r.now().Add(r.grace)
	r.flagged[clientID] = deadline
	//1.- Stale heap entries are tolerated; the sweep cross-checks the flag map.
	heap.Push(&r.deadlines, removal{clientID: clientID, deadline: deadline})
	return nil
}

// UnflagRemoval cancels a scheduled removal.
func (r *Registry) UnflagRemoval(clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[clientID]; !ok {
		return game.Faultf(game.CodeClientNotConnected, "client %s is not connected", clientID)
	}
	delete(r.flagged, clientID)
	return nil
}

// AssignGame records which session the client is attached to.
func (r *Registry) AssignGame(clientID, gameID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[clientID]
	if !ok {
		return game.Faultf(game.CodeClientNotConnected, "client %s is not connected", clientID)
	}
	client.GameID = gameID
	return nil
}

// AssignPlayer records the portfolio carried by a service provider client.
func (r *Registry) AssignPlayer(clientID string, player game.Player) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[clientID]
	if !ok {
		return game.Faultf(game.CodeClientNotConnected, "client %s is not connected", clientID)
	}
	if client.Type != game.ClientServiceProvider {
		return game.Faultf(game.CodeInvalidClientType, "client %s cannot carry a portfolio", clientID)
	}
	clone := player
	client.Player = &clone
	return nil
}

// List returns a stable snapshot of every connected client.
func (r *Registry) List() []Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Client, 0, len(r.clients))
	for _, client := range r.clients {
		out = append(out, *client)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts reports the connected client total and the number of pending removals.
func (r *Registry) Counts() (clients, pending int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients), len(r.flagged)
}

// SweepOnce reclaims every flagged client whose grace period has elapsed and
// returns them. Exposed so tests can drive the sweep with a fake clock.
func (r *Registry) SweepOnce() []Client {
	r.mu.Lock()
	now := r.now()
	var removed []Client
	for r.deadlines.Len() > 0 {
		next := r.deadlines[0]
		if next.deadline.After(now) {
			break
		}
		heap.Pop(&r.deadlines)
		//1.- Skip entries invalidated by an unflag or a newer flag deadline.
		current, stillFlagged := r.flagged[next.clientID]
		if !stillFlagged || !current.Equal(next.deadline) {
			continue
		}
		if client, ok := r.clients[next.clientID]; ok {
			removed = append(removed, *client)
			delete(r.clients, next.clientID)
		}
		delete(r.flagged, next.clientID)
	}
	r.mu.Unlock()

	//2.- Fire callbacks outside the lock; they reach back into other components.
	for _, client := range removed {
		if r.onRemoved != nil {
			r.onRemoved(client)
		}
		r.logger.Info("client reclaimed after grace period",
			logging.String("client_id", client.ID),
			logging.String("client_type", string(client.Type)))
	}
	return removed
}

// Run drives the removal sweep until the context is cancelled. Sweep errors
// never propagate; nobody is waiting on this loop.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce()
		}
	}
}

// removal is one scheduled reclamation keyed by its deadline.
type removal struct {
	clientID string
	deadline time.Time
}

type removalHeap []removal

func (h removalHeap) Len() int           { return len(h) }
func (h removalHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h removalHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *removalHeap) Push(x any)        { *h = append(*h, x.(removal)) }
func (h *removalHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
