package domain_test

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/plaenen/goalstore/pkg/domain"
)

func TestDiff(t *testing.T) {
	active := func(month, category string) *domain.GoalSnapshot {
		return &domain.GoalSnapshot{ID: "g", Month: month, Category: category}
	}
	at := time.Now()
	archived := func(month, category string) *domain.GoalSnapshot {
		s := active(month, category)
		s.ArchivedAt = &at
		return s
	}

	t.Run("NewActiveAddsOnly", func(t *testing.T) {
		sub, add := domain.Diff(nil, active("2026-01", "health"))
		if sub != nil {
			t.Errorf("unexpected sub %+v", sub)
		}
		if add == nil || add.Month != "2026-01" || add.Category != "health" {
			t.Errorf("unexpected add %+v", add)
		}
	})

	t.Run("SameBucketIsNoop", func(t *testing.T) {
		sub, add := domain.Diff(active("2026-01", "health"), active("2026-01", "health"))
		if sub != nil || add != nil {
			t.Errorf("expected no deltas, got sub=%+v add=%+v", sub, add)
		}
	})

	t.Run("BucketMoveEmitsBoth", func(t *testing.T) {
		sub, add := domain.Diff(active("2026-01", "health"), active("2026-02", "health"))
		if sub == nil || sub.Month != "2026-01" {
			t.Errorf("unexpected sub %+v", sub)
		}
		if add == nil || add.Month != "2026-02" {
			t.Errorf("unexpected add %+v", add)
		}
	})

	t.Run("ArchiveSubtractsOnly", func(t *testing.T) {
		sub, add := domain.Diff(active("2026-01", "health"), archived("2026-01", "health"))
		if sub == nil || add != nil {
			t.Errorf("expected sub only, got sub=%+v add=%+v", sub, add)
		}
	})
}

func TestApplyRemovesZeroCells(t *testing.T) {
	r := domain.NewRollups()
	b := domain.Bucket{Month: "2026-05", Category: "work"}

	r.Apply(b, 1)
	if r.Monthly["2026-05"]["work"] != 1 || r.Yearly["2026"]["work"] != 1 {
		t.Fatalf("unexpected rollups after add: %+v", r)
	}

	r.Apply(b, -1)
	if len(r.Monthly) != 0 || len(r.Yearly) != 0 {
		t.Errorf("zero cells should be removed: %+v", r)
	}
}

// TestRollupsDeltaMatchesRecompute drives a randomized sequence of goal
// lifecycles through incremental deltas and checks the result against a
// recomputation from scratch after every step.
func TestRollupsDeltaMatchesRecompute(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	months := []string{"2025-11", "2025-12", "2026-01", "2026-02"}
	categories := []string{"health", "work", "learning"}

	rollups := domain.NewRollups()
	state := make(map[string]*domain.GoalSnapshot)

	for step := 0; step < 500; step++ {
		id := fmt.Sprintf("goal-%d", rng.Intn(40))
		prev := state[id]

		var next *domain.GoalSnapshot
		switch {
		case prev == nil || !prev.Active():
			next = &domain.GoalSnapshot{
				ID:       id,
				Month:    months[rng.Intn(len(months))],
				Category: categories[rng.Intn(len(categories))],
			}
		case rng.Intn(4) == 0:
			at := time.Now()
			next = prev.Clone()
			next.ArchivedAt = &at
		default:
			next = prev.Clone()
			next.Month = months[rng.Intn(len(months))]
			next.Category = categories[rng.Intn(len(categories))]
		}

		sub, add := domain.Diff(prev, next)
		if sub != nil {
			rollups.Apply(*sub, -1)
		}
		if add != nil {
			rollups.Apply(*add, 1)
		}
		state[id] = next

		var all []*domain.GoalSnapshot
		for _, s := range state {
			all = append(all, s)
		}
		want := domain.RecomputeRollups(all)
		if !reflect.DeepEqual(rollups, want) {
			t.Fatalf("step %d: drift between deltas and recompute:\n got %+v\nwant %+v", step, rollups, want)
		}
	}
}
