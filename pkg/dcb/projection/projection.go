// Package projection implements the Projection Engine (folding a matching
// event stream through one or more StateProjectors into current state),
// and the decision-model helper that binds a command handler's read to the
// append condition enforcing it stayed true.
package projection

import (
	"context"

	"go-dcb/pkg/dcb"
)

// Result is what Project/ProjectStream return: the projected states keyed
// by each projector's ID, plus the cursor of the last event folded (used to
// build an AppendCondition that fails if any matching event lands after it).
type Result struct {
	States map[string]any
	Cursor dcb.Cursor
}

// Project synchronously loads every event matching the combined query of
// projectors with position > after (a single round trip to the store) and
// folds each one through every projector whose own Query it matches. When
// nothing matches, the returned states are the projectors' initial states
// and the cursor is after, unchanged.
func Project(ctx context.Context, store dcb.EventStore, projectors []dcb.StateProjector, after dcb.Cursor) (Result, error) {
	combined := combineQueries(projectors)

	events, err := store.Query(ctx, combined, after)
	if err != nil {
		return Result{}, err
	}

	return fold(projectors, events, after), nil
}

// ProjectStream is the streaming counterpart of Project, for logs too large
// to materialize in one slice. It folds events as they arrive rather than
// buffering the whole match set.
func ProjectStream(ctx context.Context, store dcb.EventStore, projectors []dcb.StateProjector, after dcb.Cursor) (Result, error) {
	combined := combineQueries(projectors)

	ch, err := store.QueryStream(ctx, combined, after)
	if err != nil {
		return Result{}, err
	}

	states := initialStates(projectors)
	cursor := after

	for ev := range ch {
		if applyEvent(projectors, states, ev) {
			cursor = dcb.Cursor{TransactionID: ev.TransactionID, Position: ev.Position}
		}
	}

	return Result{States: states, Cursor: cursor}, nil
}

func fold(projectors []dcb.StateProjector, events []dcb.Event, after dcb.Cursor) Result {
	states := initialStates(projectors)
	cursor := after

	for _, ev := range events {
		if applyEvent(projectors, states, ev) {
			cursor = dcb.Cursor{TransactionID: ev.TransactionID, Position: ev.Position}
		}
	}

	return Result{States: states, Cursor: cursor}
}

func initialStates(projectors []dcb.StateProjector) map[string]any {
	states := make(map[string]any, len(projectors))
	for _, p := range projectors {
		states[p.ID] = p.InitialState
	}
	return states
}

// applyEvent folds ev into every projector whose Query it matches and
// reports whether any did.
func applyEvent(projectors []dcb.StateProjector, states map[string]any, ev dcb.Event) bool {
	folded := false
	for _, p := range projectors {
		if matches(p.Query, ev) {
			states[p.ID] = p.TransitionFn(states[p.ID], ev)
			folded = true
		}
	}
	return folded
}

// matches reports whether ev satisfies q: any one of q's items matching
// (its event types, if given, containing ev's type, AND all of its tags
// present on ev), mirroring the server-side SQL predicate so in-process
// refiltering of a combined query's results stays consistent with it.
func matches(q dcb.Query, ev dcb.Event) bool {
	items := q.Items()
	if len(items) == 0 {
		return true
	}
	for _, item := range items {
		if itemMatches(item, ev) {
			return true
		}
	}
	return false
}

func itemMatches(item dcb.QueryItem, ev dcb.Event) bool {
	if types := item.EventTypes(); len(types) > 0 {
		found := false
		for _, t := range types {
			if t == ev.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, want := range item.Tags() {
		if !dcb.HasTag(ev.Tags, want.Key(), want.Value()) {
			return false
		}
	}
	return true
}

// combineQueries ORs together every projector's Query into the single query
// issued against the store, so a multi-projector decision model costs one
// round trip instead of one per projector.
func combineQueries(projectors []dcb.StateProjector) dcb.Query {
	var items []dcb.QueryItem
	for _, p := range projectors {
		items = append(items, p.Query.Items()...)
	}
	if len(items) == 0 {
		return dcb.QueryAll()
	}
	return dcb.NewQueryFromItems(items...)
}

// DecisionModel is the outcome of BuildDecisionModel: projected state plus
// the AppendCondition a command handler should attach to the events it
// decides to append, so the append fails if the read went stale.
type DecisionModel struct {
	States    map[string]any
	Condition dcb.AppendCondition
}

// BuildDecisionModel projects projectors over their full history and
// returns both their states and an AppendCondition enforcing that no event
// any of them would have reacted to has landed since, binding the handler's
// decision to the state it read.
func BuildDecisionModel(ctx context.Context, store dcb.EventStore, projectors []dcb.StateProjector) (DecisionModel, error) {
	result, err := Project(ctx, store, projectors, dcb.ZeroCursor)
	if err != nil {
		return DecisionModel{}, err
	}

	return DecisionModel{
		States:    result.States,
		Condition: dcb.NewCursorCondition(combineQueries(projectors), result.Cursor),
	}, nil
}
