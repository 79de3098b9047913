package fsm

import (
	"context"
	"fmt"
	"sort"
)

// Guard decides whether a transition may fire. A nil return allows it; the
// error message of a rejection is the reason surfaced to the caller.
type Guard[C any] func(ctx context.Context, c C) error

// Action runs after guards pass and before the new state is committed.
type Action[C any] func(ctx context.Context, c C) error

// Resolver picks the target of a branching transition among its candidates.
type Resolver[S ~string, C any] func(ctx context.Context, c C) (S, error)

// Transition is one (state, event) edge.
type Transition[S ~string, E ~string, C any] struct {
	From       S
	Event      E
	To         S
	Candidates []S
	Resolve    Resolver[S, C]
	Guards     []Guard[C]
	Actions    []Action[C]
}

// Target returns the static target, or resolves a branching one.
func (t Transition[S, E, C]) Target(ctx context.Context, c C) (S, error) {
	if t.Resolve == nil {
		return t.To, nil
	}
	to, err := t.Resolve(ctx, c)
	if err != nil {
		return to, err
	}
	for _, candidate := range t.Candidates {
		if candidate == to {
			return to, nil
		}
	}
	return to, fmt.Errorf("resolver for %s/%s returned %s outside candidates %v", t.From, t.Event, to, t.Candidates)
}

// Implicit is an edge legal from every state accepted by AppliesTo, e.g. cancellation.
type Implicit[S ~string, E ~string, C any] struct {
	Event     E
	To        S
	AppliesTo func(S) bool
	Actions   []Action[C]
}

type edgeKey[S ~string, E ~string] struct {
	from  S
	event E
}

// Table is an immutable transition table over a closed set of states. A
// state outside that set has no exits, implicit edges included.
type Table[S ~string, E ~string, C any] struct {
	states   map[S]bool
	edges    map[edgeKey[S, E]]Transition[S, E, C]
	explicit map[S][]E
	byState  map[S][]E
	byEvent  map[E][]S
	count    int
}

// NewTable builds a table and rejects ambiguous or incomplete edges. Implicit
// edges are expanded once over states.
func NewTable[S ~string, E ~string, C any](states []S, transitions []Transition[S, E, C], implicit ...Implicit[S, E, C]) (*Table[S, E, C], error) {
	if len(states) == 0 {
		return nil, fmt.Errorf("table requires its state set")
	}
	t := &Table[S, E, C]{
		states:   make(map[S]bool, len(states)),
		edges:    make(map[edgeKey[S, E]]Transition[S, E, C], len(transitions)),
		explicit: make(map[S][]E),
		byState:  make(map[S][]E),
		byEvent:  make(map[E][]S),
		count:    len(transitions),
	}
	for _, s := range states {
		t.states[s] = true
	}

	for _, tr := range transitions {
		if tr.From == "" || tr.Event == "" {
			return nil, fmt.Errorf("transition requires source state and event")
		}
		if tr.Resolve == nil && tr.To == "" {
			return nil, fmt.Errorf("transition %s/%s has no target", tr.From, tr.Event)
		}
		if tr.Resolve != nil && len(tr.Candidates) == 0 {
			return nil, fmt.Errorf("transition %s/%s has a resolver but no candidate targets", tr.From, tr.Event)
		}
		if !t.states[tr.From] {
			return nil, fmt.Errorf("transition %s/%s leaves an undeclared state", tr.From, tr.Event)
		}
		for _, to := range append([]S{tr.To}, tr.Candidates...) {
			if to != "" && !t.states[to] {
				return nil, fmt.Errorf("transition %s/%s targets undeclared state %s", tr.From, tr.Event, to)
			}
		}
		k := edgeKey[S, E]{from: tr.From, event: tr.Event}
		if _, exists := t.edges[k]; exists {
			return nil, fmt.Errorf("duplicate transition %s/%s", tr.From, tr.Event)
		}
		t.edges[k] = tr
		t.explicit[tr.From] = append(t.explicit[tr.From], tr.Event)
		t.byState[tr.From] = append(t.byState[tr.From], tr.Event)
		t.byEvent[tr.Event] = append(t.byEvent[tr.Event], tr.From)
	}

	for _, im := range implicit {
		if im.Event == "" || im.To == "" || im.AppliesTo == nil {
			return nil, fmt.Errorf("implicit transition requires event, target and predicate")
		}
		if !t.states[im.To] {
			return nil, fmt.Errorf("implicit event %s targets undeclared state %s", im.Event, im.To)
		}
		for _, s := range states {
			if !im.AppliesTo(s) {
				continue
			}
			k := edgeKey[S, E]{from: s, event: im.Event}
			if _, exists := t.edges[k]; exists {
				return nil, fmt.Errorf("implicit event %s shadows explicit transition from %s", im.Event, s)
			}
			t.edges[k] = Transition[S, E, C]{From: s, Event: im.Event, To: im.To, Actions: im.Actions}
			t.byState[s] = append(t.byState[s], im.Event)
			t.byEvent[im.Event] = append(t.byEvent[im.Event], s)
		}
	}

	for s := range t.byState {
		events := t.byState[s]
		sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })
	}
	for e := range t.byEvent {
		from := t.byEvent[e]
		sort.Slice(from, func(i, j int) bool { return from[i] < from[j] })
	}
	return t, nil
}

// MustTable panics on a configuration error. Tables are built at startup.
func MustTable[S ~string, E ~string, C any](states []S, transitions []Transition[S, E, C], implicit ...Implicit[S, E, C]) *Table[S, E, C] {
	t, err := NewTable(states, transitions, implicit...)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the transition for (state, event), including implicit edges.
func (t *Table[S, E, C]) Lookup(state S, event E) (Transition[S, E, C], bool) {
	if t == nil || !t.states[state] {
		return Transition[S, E, C]{}, false
	}
	tr, ok := t.edges[edgeKey[S, E]{from: state, event: event}]
	return tr, ok
}

func (t *Table[S, E, C]) IsAllowed(state S, event E) bool {
	_, ok := t.Lookup(state, event)
	return ok
}

// AvailableEvents lists the legal events of a state in a stable order.
func (t *Table[S, E, C]) AvailableEvents(state S) []E {
	if t == nil {
		return []E{}
	}
	return append([]E{}, t.byState[state]...)
}

// StatesAllowing lists every state from which the event is legal.
func (t *Table[S, E, C]) StatesAllowing(event E) []S {
	if t == nil {
		return []S{}
	}
	return append([]S{}, t.byEvent[event]...)
}

// TransitionCount counts explicit edges only.
func (t *Table[S, E, C]) TransitionCount() int {
	if t == nil {
		return 0
	}
	return t.count
}

// Targets lists the states reachable in one step through explicit edges.
func (t *Table[S, E, C]) Targets(state S) []S {
	if t == nil {
		return nil
	}
	var out []S
	for _, e := range t.explicit[state] {
		tr := t.edges[edgeKey[S, E]{from: state, event: e}]
		if tr.Resolve != nil {
			out = append(out, tr.Candidates...)
		} else {
			out = append(out, tr.To)
		}
	}
	return out
}
