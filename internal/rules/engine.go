package rules

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"thingrpc/internal/types"
)

// Firing is the outcome of a rule that fired: the actions to execute and,
// for state rules, the new active flag.
type Firing struct {
	RuleID  string
	Actions []types.Action
	Exit    bool
	Active  bool
}

// Engine holds the configured rules and decides which fire.
type Engine struct {
	mu     sync.Mutex
	rules  map[string]*Rule
	order  []string
	seen   map[string][]bool // And-combined descriptors matched since the last firing
	logger *slog.Logger
}

// NewEngine creates an empty rule engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		rules:  make(map[string]*Rule),
		seen:   make(map[string][]bool),
		logger: logger.With("component", "rules"),
	}
}

// Add stores a validated rule. An empty id is assigned; a taken id is
// rejected with RuleErrorInvalidRuleId.
func (e *Engine) Add(r *Rule) (string, error) {
	r = r.Clone()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StateEvaluator == nil {
		r.StateEvaluator = &StateEvaluator{Operator: StateOperatorAnd}
	}
	if r.StateEvaluator.Operator == "" {
		r.StateEvaluator.Operator = StateOperatorAnd
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[r.ID]; ok {
		return "", invalid(types.RuleErrorInvalidRuleId, "rule %q already exists", r.ID)
	}
	e.rules[r.ID] = r
	e.order = append(e.order, r.ID)
	e.logger.Info("rule added", "id", r.ID, "name", r.Name, "kind", r.Kind())
	return r.ID, nil
}

// Remove deletes a rule. It reports whether the rule existed.
func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeLocked(id)
}

func (e *Engine) removeLocked(id string) bool {
	if _, ok := e.rules[id]; !ok {
		return false
	}
	delete(e.rules, id)
	delete(e.seen, id)
	for i, rid := range e.order {
		if rid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.logger.Info("rule removed", "id", id)
	return true
}

// Get returns a copy of a rule.
func (e *Engine) Get(id string) (*Rule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// IDs returns the rule ids in insertion order.
func (e *Engine) IDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.order...)
}

// Rules returns copies of all rules in insertion order.
func (e *Engine) Rules() []*Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Rule, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.rules[id].Clone())
	}
	return out
}

// SetEnabled enables or disables a rule. It reports whether the rule exists.
func (e *Engine) SetEnabled(id string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return false
	}
	r.Enabled = enabled
	delete(e.seen, id)
	e.logger.Info("rule enabled changed", "id", id, "enabled", enabled)
	return true
}

// FindRules returns the ids of rules that refer to thingID.
func (e *Engine) FindRules(thingID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := []string{}
	for _, id := range e.order {
		if e.rules[id].ContainsThing(thingID) {
			ids = append(ids, id)
		}
	}
	return ids
}

// RemoveThing cascades the removal of a thing into the rules: every
// descriptor and action referring to it is dropped. Rules left without
// triggers or actions are removed entirely.
func (e *Engine) RemoveThing(thingID string) (changed, removed []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range append([]string(nil), e.order...) {
		r := e.rules[id]
		if !r.ContainsThing(thingID) {
			continue
		}
		r.EventDescriptors = filter(r.EventDescriptors, func(d EventDescriptor) bool { return d.ThingID != thingID })
		r.Actions = filter(r.Actions, func(a RuleAction) bool { return a.ThingID != thingID })
		r.ExitActions = filter(r.ExitActions, func(a RuleAction) bool { return a.ThingID != thingID })
		r.StateEvaluator.removeThing(thingID)
		delete(e.seen, id)

		if len(r.Actions) == 0 || (len(r.EventDescriptors) == 0 && r.StateEvaluator.Empty()) {
			e.removeLocked(id)
			removed = append(removed, id)
			continue
		}
		changed = append(changed, id)
		e.logger.Info("thing removed from rule", "rule", id, "thing", thingID)
	}
	return changed, removed
}

func filter[T any](in []T, keep func(T) bool) []T {
	out := in[:0]
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// Evaluate matches an event against every enabled event-triggered rule.
// Descriptors combined with Or fire on any match; with And every descriptor
// must have matched since the rule last fired. The state evaluator must hold
// at the time of firing.
func (e *Engine) Evaluate(ev types.Event, states StateSource) []Firing {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Firing
	for _, id := range e.order {
		r := e.rules[id]
		if !r.Enabled || len(r.EventDescriptors) == 0 {
			continue
		}
		matched := false
		for i, d := range r.EventDescriptors {
			if !d.Matches(ev) {
				continue
			}
			matched = true
			if len(r.EventDescriptors) > 1 && r.Operator() == StateOperatorAnd {
				seen := e.seen[id]
				if len(seen) != len(r.EventDescriptors) {
					seen = make([]bool, len(r.EventDescriptors))
					e.seen[id] = seen
				}
				seen[i] = true
			}
		}
		if !matched {
			continue
		}
		if seen, ok := e.seen[id]; ok {
			if !all(seen) {
				continue
			}
			delete(e.seen, id)
		}
		if !r.StateEvaluator.Empty() && !r.StateEvaluator.Evaluate(states) {
			e.logger.Debug("rule event matched, states not met", "rule", id)
			continue
		}

		f := Firing{RuleID: id}
		for _, a := range r.Actions {
			f.Actions = append(f.Actions, a.Resolve(&ev))
		}
		e.logger.Debug("rule fired", "rule", id, "event", ev.EventTypeID, "actions", len(f.Actions))
		out = append(out, f)
	}
	return out
}

func all(v []bool) bool {
	for _, b := range v {
		if !b {
			return false
		}
	}
	return true
}

// EvaluateStates re-evaluates the enabled rules that have no events. A rule
// becoming active fires its actions, one becoming inactive its exit actions.
func (e *Engine) EvaluateStates(states StateSource) []Firing {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Firing
	for _, id := range e.order {
		r := e.rules[id]
		if !r.Enabled || len(r.EventDescriptors) > 0 || r.StateEvaluator.Empty() {
			continue
		}
		active := r.StateEvaluator.Evaluate(states)
		if active == r.Active {
			continue
		}
		r.Active = active
		f := Firing{RuleID: id, Active: active, Exit: !active}
		actions := r.Actions
		if !active {
			actions = r.ExitActions
		}
		for _, a := range actions {
			f.Actions = append(f.Actions, a.Resolve(nil))
		}
		e.logger.Info("rule active changed", "rule", id, "active", active)
		out = append(out, f)
	}
	return out
}

// ActionsOf returns the actions (or exit actions) of a rule for manual
// execution.
func (e *Engine) ActionsOf(id string, exit bool) ([]types.Action, RuleError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return nil, types.RuleErrorRuleNotFound
	}
	if !r.Executable() {
		return nil, types.RuleErrorNotExecutable
	}
	src := r.Actions
	if exit {
		if len(r.ExitActions) == 0 {
			return nil, types.RuleErrorNoExitActions
		}
		src = r.ExitActions
	}
	actions := make([]types.Action, 0, len(src))
	for _, a := range src {
		actions = append(actions, a.Resolve(nil))
	}
	return actions, types.RuleErrorNoError
}

// Restore loads persisted rules without assigning ids or logging additions.
func (e *Engine) Restore(rs []*Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range rs {
		if _, ok := e.rules[r.ID]; ok || r.ID == "" {
			continue
		}
		e.rules[r.ID] = r.Clone()
		e.order = append(e.order, r.ID)
	}
	e.logger.Info("rules restored", "count", len(e.order))
}
