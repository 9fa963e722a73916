package domain

// Rollups holds the analytic aggregations derived from active goal
// snapshots: counts per (month, category) and per (year, category).
// They are maintained by signed deltas computed from snapshot diffs and
// must always equal a from-scratch recomputation over active snapshots.
type Rollups struct {
	// Monthly maps "YYYY-MM" -> category -> count
	Monthly map[string]map[string]int64 `json:"monthly"`

	// Yearly maps "YYYY" -> category -> count
	Yearly map[string]map[string]int64 `json:"yearly"`
}

// NewRollups returns empty rollups.
func NewRollups() *Rollups {
	return &Rollups{
		Monthly: make(map[string]map[string]int64),
		Yearly:  make(map[string]map[string]int64),
	}
}

// Bucket identifies one rollup cell.
type Bucket struct {
	Month    string
	Category string
}

// bucketOf returns the rollup bucket an active snapshot contributes to.
// Archived or nil snapshots contribute to none.
func bucketOf(s *GoalSnapshot) (Bucket, bool) {
	if !s.Active() {
		return Bucket{}, false
	}
	return Bucket{Month: s.Month, Category: s.Category}, true
}

// Diff computes the signed deltas between two states of one aggregate.
// It emits -1 for the previous bucket when the aggregate was active and
// has left it, and +1 for the next bucket when the aggregate is newly
// active there. A no-op transition (same bucket) emits nothing.
func Diff(prev, next *GoalSnapshot) (sub, add *Bucket) {
	pb, pok := bucketOf(prev)
	nb, nok := bucketOf(next)
	if pok && nok && pb == nb {
		return nil, nil
	}
	if pok {
		sub = &pb
	}
	if nok {
		add = &nb
	}
	return sub, add
}

// Apply folds one signed delta into the rollups. Cells that drop to
// zero are removed so that rollups stay comparable to a recomputation.
func (r *Rollups) Apply(b Bucket, delta int64) {
	r.apply(r.Monthly, b.Month, b.Category, delta)
	if len(b.Month) >= 4 {
		r.apply(r.Yearly, b.Month[:4], b.Category, delta)
	}
}

func (r *Rollups) apply(m map[string]map[string]int64, period, category string, delta int64) {
	cells := m[period]
	if cells == nil {
		if delta == 0 {
			return
		}
		cells = make(map[string]int64)
		m[period] = cells
	}
	cells[category] += delta
	if cells[category] == 0 {
		delete(cells, category)
		if len(cells) == 0 {
			delete(m, period)
		}
	}
}

// RecomputeRollups builds rollups from scratch over a set of snapshots,
// counting only active ones. Used on cold start when no persisted
// analytics payload exists, and by tests as ground truth.
func RecomputeRollups(snapshots []*GoalSnapshot) *Rollups {
	r := NewRollups()
	for _, s := range snapshots {
		if b, ok := bucketOf(s); ok {
			r.Apply(b, 1)
		}
	}
	return r
}
