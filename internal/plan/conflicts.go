package plan

import (
	"fmt"
	"strings"
)

// ConflictKind enumerates the ways a proposed change can clash with the
// current joint plan.
type ConflictKind string

const (
	AlreadyDelayed     ConflictKind = "already_delayed"
	DifferentTasks     ConflictKind = "different_tasks"
	Executed           ConflictKind = "executed"
	Overlap            ConflictKind = "overlap"
	PlanInPast         ConflictKind = "plan_in_past"
	TaskAlreadyPlanned ConflictKind = "task_already_planned"
	UnableToComplete   ConflictKind = "unable_to_complete"
)

// Conflict pins one validation failure to the task that caused it.
type Conflict struct {
	Kind   ConflictKind `json:"kind"`
	TaskID string       `json:"task_id"`
	Detail string       `json:"detail,omitempty"`
}

// ValidationError carries every conflict found while validating a change, so
// callers can report all of them at once instead of just the first.
type ValidationError struct {
	Conflicts []Conflict
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e == nil || len(e.Conflicts) == 0 {
		return "plan change rejected"
	}
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("%s(%s)", c.Kind, c.TaskID))
	}
	return "plan change rejected: " + strings.Join(parts, ", ")
}
