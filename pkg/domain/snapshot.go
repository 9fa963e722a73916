package domain

import "time"

// GoalSnapshot is the materialized current state of one goal aggregate,
// the fold of all its events so far. It only exists as plaintext in
// memory; at rest it is persisted as ciphertext bound to the aggregate
// id and version.
type GoalSnapshot struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Notes    string     `json:"notes,omitempty"`
	Category string     `json:"category"`
	Priority string     `json:"priority,omitempty"`
	Month    string     `json:"month"` // YYYY-MM
	Version  int64      `json:"version"`
	// ArchivedAt is the tombstone timestamp; nil while the goal is active.
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

// Active reports whether the goal has not been archived.
func (s *GoalSnapshot) Active() bool {
	return s != nil && s.ArchivedAt == nil
}

// Clone returns a deep copy of the snapshot.
func (s *GoalSnapshot) Clone() *GoalSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	if s.ArchivedAt != nil {
		at := *s.ArchivedAt
		c.ArchivedAt = &at
	}
	return &c
}

// Reduce applies one domain event to a prior snapshot and returns the
// next snapshot. It is a pure function: prev is never mutated.
//
// A nil prev with anything but a create event returns nil, meaning the
// event cannot be materialized (e.g., a mutation that arrived for an
// aggregate with no recorded creation). Callers still count such events
// toward cursor advancement. Unknown event kinds pass the snapshot
// through unchanged but still advance the version.
func Reduce(prev *GoalSnapshot, event DomainEvent, aggregateID string, version int64) *GoalSnapshot {
	switch e := event.(type) {
	case GoalCreated:
		return &GoalSnapshot{
			ID:       aggregateID,
			Title:    e.Title,
			Notes:    e.Notes,
			Category: e.Category,
			Priority: e.Priority,
			Month:    e.Month,
			Version:  version,
		}

	case GoalUpdated:
		if prev == nil {
			return nil
		}
		next := prev.Clone()
		next.Title = e.Title
		next.Notes = e.Notes
		next.Category = e.Category
		next.Priority = e.Priority
		next.Month = e.Month
		next.Version = version
		return next

	case GoalFieldChanged:
		if prev == nil {
			return nil
		}
		next := prev.Clone()
		switch e.Field {
		case "title":
			next.Title = e.Value
		case "notes":
			next.Notes = e.Value
		case "category":
			next.Category = e.Value
		case "priority":
			next.Priority = e.Value
		case "month":
			next.Month = e.Value
		}
		next.Version = version
		return next

	case GoalArchived:
		if prev == nil {
			return nil
		}
		next := prev.Clone()
		at := time.UnixMilli(e.ArchivedAt)
		next.ArchivedAt = &at
		next.Version = version
		return next

	case UnknownEvent:
		if prev == nil {
			return nil
		}
		next := prev.Clone()
		next.Version = version
		return next
	}

	return prev.Clone()
}
