// Package period bounds projection cost for a long-lived entity by
// partitioning its history into time periods, each opened by a synthetic
// event carrying the closing state of the previous period.
package period

import (
	"context"
	"fmt"
	"time"

	"go-dcb/pkg/dcb"
)

// Granularity selects how finely an entity's history is segmented. NONE
// disables segmentation entirely.
type Granularity int

const (
	GranularityNone Granularity = iota
	GranularityMonthly
	GranularityDaily
	GranularityHourly
)

// ID identifies a time-bounded segment of one entity's history. Two IDs
// are equal iff every populated component matches; a zero Month/Day and an
// Hour of -1 mean "not part of this granularity" (Hour 0 is midnight) —
// callers must not compare IDs of different
// granularities expecting equality.
type ID struct {
	EntityID string
	Year     int
	Month    int // 1-12, 0 if granularity < Monthly
	Day      int // 1-31, 0 if granularity < Daily
	Hour     int // 0-23, -1 if granularity < Hourly
}

// Resolve computes the ID covering instant t at granularity g for entity.
func Resolve(g Granularity, entityID string, t time.Time) ID {
	id := ID{EntityID: entityID, Year: t.Year(), Hour: -1}
	if g >= GranularityMonthly {
		id.Month = int(t.Month())
	}
	if g >= GranularityDaily {
		id.Day = t.Day()
	}
	if g >= GranularityHourly {
		id.Hour = t.Hour()
	}
	return id
}

// Canonical renders id as the stable string used for the statement_id tag:
// "<entityID>:<year>[-<month>[-<day>[-<hour>]]]".
func (id ID) Canonical() string {
	s := fmt.Sprintf("%s:%04d", id.EntityID, id.Year)
	if id.Month == 0 {
		return s
	}
	s += fmt.Sprintf("-%02d", id.Month)
	if id.Day == 0 {
		return s
	}
	s += fmt.Sprintf("-%02d", id.Day)
	if id.Hour < 0 {
		return s
	}
	s += fmt.Sprintf("-%02d", id.Hour)
	return s
}

// PeriodOpenedType is the synthetic event type appended to open a new
// period.
const PeriodOpenedType = "PeriodOpened"

// Resolver drives the 5-step period-resolution algorithm for period-aware
// commands: determine the PeriodId, look up (or atomically create) its
// opening event, and return it for use as the command's decision-model
// scope.
type Resolver struct {
	store dcb.EventStore

	// Project computes the entity's full current state across all prior
	// events, serialized into the new PeriodOpened event's data when a
	// period must be opened. Supplied by the caller because only it knows
	// the entity's domain projection.
	Project func(ctx context.Context, store dcb.EventStore, entityID string) ([]byte, error)
}

// NewResolver builds a Resolver over store.
func NewResolver(store dcb.EventStore, project func(ctx context.Context, store dcb.EventStore, entityID string) ([]byte, error)) *Resolver {
	return &Resolver{store: store, Project: project}
}

// Resolve computes the current period's ID, looks up its opening event by
// statement_id, and if absent, atomically appends one carrying the
// entity's closing state as of now, guarded by an idempotency condition on
// statement_id so concurrent
// resolutions for the same period collapse into a single PeriodOpened
// event. Returns the resolved ID and the query scoping further reads to
// this period (the opening event plus anything tagged with it).
func (r *Resolver) Resolve(ctx context.Context, g Granularity, entityID string, now time.Time) (ID, dcb.Query, error) {
	if g == GranularityNone {
		return ID{}, dcb.QueryAll(), nil
	}

	id := Resolve(g, entityID, now)
	canonical := id.Canonical()
	statementTag := dcb.NewTag("statement_id", canonical)

	scopedQuery := dcb.NewQuery([]dcb.Tag{statementTag})

	existing, err := r.store.Query(ctx, dcb.NewQuery([]dcb.Tag{statementTag}, PeriodOpenedType), dcb.ZeroCursor)
	if err != nil {
		return ID{}, nil, err
	}
	if len(existing) > 0 {
		return id, scopedQuery, nil
	}

	closingState, err := r.Project(ctx, r.store, entityID)
	if err != nil {
		return ID{}, nil, err
	}

	tags := []dcb.Tag{
		statementTag,
		dcb.NewTag("entity_id", entityID),
		dcb.NewTag("year", fmt.Sprintf("%04d", id.Year)),
	}
	if id.Month > 0 {
		tags = append(tags, dcb.NewTag("month", fmt.Sprintf("%02d", id.Month)))
	}
	if id.Day > 0 {
		tags = append(tags, dcb.NewTag("day", fmt.Sprintf("%02d", id.Day)))
	}
	if id.Hour >= 0 {
		tags = append(tags, dcb.NewTag("hour", fmt.Sprintf("%02d", id.Hour)))
	}

	opened := dcb.NewInputEvent(PeriodOpenedType, tags, closingState)
	condition := dcb.NewIdempotencyCondition(PeriodOpenedType, statementTag)

	err = r.store.AppendIf(ctx, []dcb.InputEvent{opened}, condition)
	if err != nil && !dcb.IsDuplicateOperationError(err) {
		return ID{}, nil, err
	}

	return id, scopedQuery, nil
}
