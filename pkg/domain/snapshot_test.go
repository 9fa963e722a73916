package domain_test

import (
	"testing"
	"time"

	"github.com/plaenen/goalstore/pkg/domain"
)

func TestReduce(t *testing.T) {
	created := domain.GoalCreated{
		Title:    "Ship the release",
		Notes:    "cut branch friday",
		Category: "work",
		Priority: "high",
		Month:    "2026-03",
	}

	t.Run("CreateFromNil", func(t *testing.T) {
		s := domain.Reduce(nil, created, "goal-1", 1)
		if s == nil {
			t.Fatal("expected snapshot, got nil")
		}
		if s.ID != "goal-1" || s.Title != "Ship the release" || s.Version != 1 {
			t.Errorf("unexpected snapshot: %+v", s)
		}
		if !s.Active() {
			t.Error("new goal should be active")
		}
	})

	t.Run("UpdateReplacesFields", func(t *testing.T) {
		prev := domain.Reduce(nil, created, "goal-1", 1)
		next := domain.Reduce(prev, domain.GoalUpdated{
			Title:    "Ship the release v2",
			Category: "work",
			Month:    "2026-04",
		}, "goal-1", 2)

		if next.Title != "Ship the release v2" || next.Month != "2026-04" || next.Version != 2 {
			t.Errorf("unexpected snapshot: %+v", next)
		}
		if prev.Title != "Ship the release" || prev.Version != 1 {
			t.Errorf("prev was mutated: %+v", prev)
		}
	})

	t.Run("FieldChange", func(t *testing.T) {
		prev := domain.Reduce(nil, created, "goal-1", 1)
		next := domain.Reduce(prev, domain.GoalFieldChanged{Field: "priority", Value: "low"}, "goal-1", 2)
		if next.Priority != "low" || next.Title != prev.Title || next.Version != 2 {
			t.Errorf("unexpected snapshot: %+v", next)
		}
	})

	t.Run("FieldChangeUnknownFieldAdvancesVersion", func(t *testing.T) {
		prev := domain.Reduce(nil, created, "goal-1", 1)
		next := domain.Reduce(prev, domain.GoalFieldChanged{Field: "color", Value: "red"}, "goal-1", 2)
		if next.Version != 2 || next.Title != prev.Title {
			t.Errorf("unexpected snapshot: %+v", next)
		}
	})

	t.Run("Archive", func(t *testing.T) {
		prev := domain.Reduce(nil, created, "goal-1", 1)
		at := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
		next := domain.Reduce(prev, domain.GoalArchived{ArchivedAt: at.UnixMilli()}, "goal-1", 2)
		if next.Active() {
			t.Error("archived goal should not be active")
		}
		if !next.ArchivedAt.Equal(at) {
			t.Errorf("expected archive time %v, got %v", at, next.ArchivedAt)
		}
	})

	t.Run("MutationWithoutCreateReturnsNil", func(t *testing.T) {
		if s := domain.Reduce(nil, domain.GoalUpdated{Title: "x"}, "goal-1", 3); s != nil {
			t.Errorf("expected nil, got %+v", s)
		}
		if s := domain.Reduce(nil, domain.GoalArchived{}, "goal-1", 3); s != nil {
			t.Errorf("expected nil, got %+v", s)
		}
	})

	t.Run("UnknownEventPassesThrough", func(t *testing.T) {
		prev := domain.Reduce(nil, created, "goal-1", 1)
		next := domain.Reduce(prev, domain.UnknownEvent{EventType: "goal.Starred"}, "goal-1", 2)
		if next.Title != prev.Title || next.Version != 2 {
			t.Errorf("unexpected snapshot: %+v", next)
		}
	})
}

func TestSnapshotClone(t *testing.T) {
	at := time.Now()
	s := &domain.GoalSnapshot{ID: "g", Title: "t", ArchivedAt: &at, Version: 3}
	c := s.Clone()

	c.Title = "other"
	*c.ArchivedAt = at.Add(time.Hour)

	if s.Title != "t" || !s.ArchivedAt.Equal(at) {
		t.Errorf("clone shares state with original: %+v", s)
	}

	var nilSnapshot *domain.GoalSnapshot
	if nilSnapshot.Clone() != nil {
		t.Error("nil clone should be nil")
	}
	if nilSnapshot.Active() {
		t.Error("nil snapshot should not be active")
	}
}
