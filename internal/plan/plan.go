// Package plan holds the joint maintenance schedule shared by every player in
// a session. The plan is a passive data structure; the owning session is
// responsible for serialising access to it.
package plan

import (
	"fmt"
	"sort"
)

// Task describes a unit of maintenance work still waiting to be scheduled.
type Task struct {
	ID       string `json:"id"`
	Asset    string `json:"asset"`
	Duration int    `json:"duration"`
}

// PlannedTask is a task placed on the joint schedule. Start and Duration are
// expressed in round indices.
type PlannedTask struct {
	TaskID   string `json:"task_id"`
	Asset    string `json:"asset"`
	Player   string `json:"player"`
	Start    int    `json:"start"`
	Duration int    `json:"duration"`
	Executed bool   `json:"executed"`
	Delayed  bool   `json:"delayed"`
}

func (t PlannedTask) end() int { return t.Start + t.Duration }

// Placement proposes scheduling (or re-scheduling) one task.
type Placement struct {
	TaskID   string `json:"task_id"`
	Asset    string `json:"asset"`
	Player   string `json:"player"`
	Start    int    `json:"start"`
	Duration int    `json:"duration"`
}

// Change is a proposed delta against the joint plan. It is validated as a
// whole and applied atomically.
type Change struct {
	Player string      `json:"player"`
	Place  []Placement `json:"place,omitempty"`
	Remove []string    `json:"remove,omitempty"`
}

// JointPlan is the authoritative shared schedule for one session.
type JointPlan struct {
	Horizon int
	Round   int

	entries map[string]*PlannedTask
	backlog []Task
}

// New constructs an empty joint plan spanning the given number of rounds and
// seeded with the unscheduled task backlog.
func New(horizon int, backlog []Task) *JointPlan {
	return &JointPlan{
		Horizon: horizon,
		entries: make(map[string]*PlannedTask),
		backlog: append([]Task(nil), backlog...),
	}
}

// Snapshot captures a stable, deterministic view of the plan for clients.
type Snapshot struct {
	Horizon int           `json:"horizon"`
	Round   int           `json:"round"`
	Entries []PlannedTask `json:"entries"`
	Backlog []Task        `json:"backlog,omitempty"`
}

// Snapshot returns a copy of the current schedule with entries in task order.
func (p *JointPlan) Snapshot() Snapshot {
	snap := Snapshot{Horizon: p.Horizon, Round: p.Round}
	if len(p.backlog) > 0 {
		snap.Backlog = append([]Task(nil), p.backlog...)
	}
	if len(p.entries) == 0 {
		return snap
	}
	snap.Entries = make([]PlannedTask, 0, len(p.entries))
	for _, entry := range p.entries {
		snap.Entries = append(snap.Entries, *entry)
	}
	//1.- Sort by task ID so payloads are stable for consumers and tests.
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].TaskID < snap.Entries[j].TaskID })
	return snap
}

// Validate checks the change against the current schedule and returns every
// conflict found, never stopping at the first one.
func (p *JointPlan) Validate(change Change) []Conflict {
	var conflicts []Conflict

	//1.- Removals may only touch tasks that exist and have not run yet.
	for _, id := range change.Remove {
		entry, ok := p.entries[id]
		if !ok {
			continue
		}
		if entry.Executed {
			conflicts = append(conflicts, Conflict{Kind: Executed, TaskID: id, Detail: "cannot remove an executed task"})
		}
	}
	removed := make(map[string]bool, len(change.Remove))
	for _, id := range change.Remove {
		removed[id] = true
	}

	for i, place := range change.Place {
		//2.- Window checks are independent of the existing schedule.
		if place.Start < p.Round {
			conflicts = append(conflicts, Conflict{Kind: PlanInPast, TaskID: place.TaskID, Detail: fmt.Sprintf("start %d is before round %d", place.Start, p.Round)})
		}
		if place.Duration <= 0 || place.Start+place.Duration > p.Horizon {
			conflicts = append(conflicts, Conflict{Kind: UnableToComplete, TaskID: place.TaskID, Detail: fmt.Sprintf("window %d+%d exceeds horizon %d", place.Start, place.Duration, p.Horizon)})
		}

		//3.- Re-placements must agree with the recorded task and its owner.
		if existing, ok := p.entries[place.TaskID]; ok && !removed[place.TaskID] {
			if existing.Executed {
				conflicts = append(conflicts, Conflict{Kind: Executed, TaskID: place.TaskID, Detail: "task already executed"})
			}
			if existing.Player != place.Player {
				conflicts = append(conflicts, Conflict{Kind: TaskAlreadyPlanned, TaskID: place.TaskID, Detail: fmt.Sprintf("planned by %s", existing.Player)})
			}
			if existing.Asset != place.Asset {
				conflicts = append(conflicts, Conflict{Kind: DifferentTasks, TaskID: place.TaskID, Detail: fmt.Sprintf("recorded asset %s, proposed %s", existing.Asset, place.Asset)})
			}
			if existing.Delayed && place.Start <= existing.Start {
				conflicts = append(conflicts, Conflict{Kind: AlreadyDelayed, TaskID: place.TaskID, Detail: "delayed task must move forward"})
			}
		}

		//4.- The same asset must never be worked on by two overlapping tasks.
		for id, entry := range p.entries {
			if id == place.TaskID || removed[id] || entry.Asset != place.Asset {
				continue
			}
			if overlaps(place.Start, place.Duration, entry.Start, entry.Duration) {
				conflicts = append(conflicts, Conflict{Kind: Overlap, TaskID: place.TaskID, Detail: fmt.Sprintf("overlaps %s on asset %s", id, place.Asset)})
			}
		}
		for j := 0; j < i; j++ {
			other := change.Place[j]
			if other.TaskID == place.TaskID || other.Asset != place.Asset {
				continue
			}
			if overlaps(place.Start, place.Duration, other.Start, other.Duration) {
				conflicts = append(conflicts, Conflict{Kind: Overlap, TaskID: place.TaskID, Detail: fmt.Sprintf("overlaps %s within the same change", other.TaskID)})
			}
		}
	}
	return conflicts
}

// Apply validates the change and mutates the schedule only when it is free of
// conflicts, returning a *ValidationError carrying the full conflict list
// otherwise.
func (p *JointPlan) Apply(change Change) error {
	if conflicts := p.Validate(change); len(conflicts) > 0 {
		return &ValidationError{Conflicts: conflicts}
	}
	for _, id := range change.Remove {
		if entry, ok := p.entries[id]; ok {
			//1.- Removed work returns to the backlog so it can be re-planned later.
			p.backlog = append(p.backlog, Task{ID: entry.TaskID, Asset: entry.Asset, Duration: entry.Duration})
			delete(p.entries, id)
		}
	}
	for _, place := range change.Place {
		_, replanned := p.entries[place.TaskID]
		p.entries[place.TaskID] = &PlannedTask{
			TaskID:   place.TaskID,
			Asset:    place.Asset,
			Player:   place.Player,
			Start:    place.Start,
			Duration: place.Duration,
		}
		if !replanned {
			p.dropFromBacklog(place.TaskID)
		}
	}
	return nil
}

// Due lists tasks that would finish by the end of the given round and have
// not been executed yet.
func (p *JointPlan) Due(round int) []string {
	var due []string
	for id, entry := range p.entries {
		if entry.Executed {
			continue
		}
		if entry.end() <= round+1 {
			due = append(due, id)
		}
	}
	sort.Strings(due)
	return due
}

// MarkExecuted flags tasks as completed; unknown IDs are ignored.
func (p *JointPlan) MarkExecuted(ids []string) {
	for _, id := range ids {
		if entry, ok := p.entries[id]; ok {
			entry.Executed = true
			entry.Delayed = false
		}
	}
}

// MarkDelayed pushes tasks one round forward and flags them, so the delay is
// visible to planners in the next round.
func (p *JointPlan) MarkDelayed(ids []string) {
	for _, id := range ids {
		if entry, ok := p.entries[id]; ok && !entry.Executed {
			entry.Start++
			entry.Delayed = true
		}
	}
}

// Exhausted reports whether every scheduled task has been executed and no
// backlog remains.
func (p *JointPlan) Exhausted() bool {
	if len(p.backlog) > 0 {
		return false
	}
	for _, entry := range p.entries {
		if !entry.Executed {
			return false
		}
	}
	return true
}

// Suggest proposes a conflict-free placement of the next backlog task for the
// given player, or nil when nothing useful can be suggested.
func (p *JointPlan) Suggest(player string) *Change {
	for _, task := range p.backlog {
		//1.- Walk the remaining rounds and take the first window free on the asset.
		for start := p.Round; start+task.Duration <= p.Horizon; start++ {
			place := Placement{TaskID: task.ID, Asset: task.Asset, Player: player, Start: start, Duration: task.Duration}
			change := Change{Player: player, Place: []Placement{place}}
			if len(p.Validate(change)) == 0 {
				return &change
			}
		}
	}
	return nil
}

func (p *JointPlan) dropFromBacklog(taskID string) {
	for i, task := range p.backlog {
		if task.ID == taskID {
			p.backlog = append(p.backlog[:i], p.backlog[i+1:]...)
			return
		}
	}
}

func overlaps(aStart, aDur, bStart, bDur int) bool {
	return aStart < bStart+bDur && bStart < aStart+aDur
}
