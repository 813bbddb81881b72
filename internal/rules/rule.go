// Package rules implements event-condition-action rules: descriptors that
// match events, recursive state evaluators, actions and the engine that
// ties them together.
package rules

import (
	"encoding/json"
	"fmt"

	"thingrpc/internal/types"
)

// ParamDescriptor compares one event parameter against a value. The
// parameter is referenced by paramTypeId or by name.
type ParamDescriptor struct {
	ParamTypeID string        `json:"paramTypeId,omitempty"`
	Name        string        `json:"name,omitempty"`
	Value       any           `json:"value"`
	Operator    ValueOperator `json:"operator"`
}

func (pd ParamDescriptor) ref() string {
	if pd.ParamTypeID != "" {
		return pd.ParamTypeID
	}
	return pd.Name
}

func (pd ParamDescriptor) lookup(params types.ParamList) (types.Param, bool) {
	for _, p := range params {
		if pd.ParamTypeID != "" && p.ParamTypeID == pd.ParamTypeID {
			return p, true
		}
		if pd.ParamTypeID == "" && pd.Name != "" && p.Name == pd.Name {
			return p, true
		}
	}
	return types.Param{}, false
}

// EventDescriptor matches events of one type emitted by one thing.
type EventDescriptor struct {
	ThingID          string            `json:"deviceId"`
	EventTypeID      string            `json:"eventTypeId"`
	ParamDescriptors []ParamDescriptor `json:"paramDescriptors"`
}

// Matches reports whether ev comes from the descriptor's thing and event type
// and satisfies every param descriptor.
func (d EventDescriptor) Matches(ev types.Event) bool {
	if ev.ThingID != d.ThingID || ev.EventTypeID != d.EventTypeID {
		return false
	}
	for _, pd := range d.ParamDescriptors {
		p, ok := pd.lookup(ev.Params)
		if !ok {
			return false
		}
		match, err := pd.Operator.Compare(p.Value, pd.Value)
		if err != nil || !match {
			return false
		}
	}
	return true
}

// StateDescriptor compares the current value of a state.
type StateDescriptor struct {
	ThingID     string        `json:"deviceId"`
	StateTypeID string        `json:"stateTypeId"`
	Value       any           `json:"value"`
	Operator    ValueOperator `json:"operator"`
}

// StateSource gives read access to current state values.
type StateSource interface {
	StateValue(thingID, stateTypeID string) (any, bool)
}

// StateSourceFunc adapts a function to StateSource.
type StateSourceFunc func(thingID, stateTypeID string) (any, bool)

func (f StateSourceFunc) StateValue(thingID, stateTypeID string) (any, bool) {
	return f(thingID, stateTypeID)
}

func (sd StateDescriptor) evaluate(src StateSource) bool {
	v, ok := src.StateValue(sd.ThingID, sd.StateTypeID)
	if !ok {
		return false
	}
	match, err := sd.Operator.Compare(v, sd.Value)
	return err == nil && match
}

// StateEvaluator is a boolean combination of an optional state descriptor and
// any number of child evaluators.
type StateEvaluator struct {
	Operator        StateOperator    `json:"operator"`
	StateDescriptor *StateDescriptor `json:"stateDescriptor,omitempty"`
	ChildEvaluators []StateEvaluator `json:"childEvaluators,omitempty"`
}

// UnmarshalJSON accepts a full evaluator object or a bare operator string, as
// sent by clients that only combine event descriptors.
func (se *StateEvaluator) UnmarshalJSON(data []byte) error {
	var op string
	if err := json.Unmarshal(data, &op); err == nil {
		*se = StateEvaluator{Operator: StateOperator(op)}
		return nil
	}
	type plain StateEvaluator
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("state evaluator: %w", err)
	}
	*se = StateEvaluator(p)
	return nil
}

// Empty reports whether the evaluator has nothing to evaluate.
func (se *StateEvaluator) Empty() bool {
	return se == nil || (se.StateDescriptor == nil && len(se.ChildEvaluators) == 0)
}

// Evaluate checks the evaluator against current states. With Or, a matching
// descriptor or any true child wins. With And (the default), the descriptor
// and all children must hold. An empty evaluator is true.
func (se *StateEvaluator) Evaluate(src StateSource) bool {
	if se == nil {
		return true
	}
	descriptorMatching := true
	if se.StateDescriptor != nil {
		descriptorMatching = se.StateDescriptor.evaluate(src)
	}

	if se.Operator == StateOperatorOr {
		if se.StateDescriptor != nil && descriptorMatching {
			return true
		}
		for i := range se.ChildEvaluators {
			if se.ChildEvaluators[i].Evaluate(src) {
				return true
			}
		}
		return false
	}

	if !descriptorMatching {
		return false
	}
	for i := range se.ChildEvaluators {
		if !se.ChildEvaluators[i].Evaluate(src) {
			return false
		}
	}
	return true
}

// ContainsThing reports whether any descriptor in the tree refers to thingID.
func (se *StateEvaluator) ContainsThing(thingID string) bool {
	if se == nil {
		return false
	}
	if se.StateDescriptor != nil && se.StateDescriptor.ThingID == thingID {
		return true
	}
	for i := range se.ChildEvaluators {
		if se.ChildEvaluators[i].ContainsThing(thingID) {
			return true
		}
	}
	return false
}

// removeThing drops every descriptor referring to thingID.
func (se *StateEvaluator) removeThing(thingID string) {
	if se == nil {
		return
	}
	if se.StateDescriptor != nil && se.StateDescriptor.ThingID == thingID {
		se.StateDescriptor = nil
	}
	kept := se.ChildEvaluators[:0]
	for _, child := range se.ChildEvaluators {
		child.removeThing(thingID)
		if !child.Empty() {
			kept = append(kept, child)
		}
	}
	se.ChildEvaluators = kept
}

func (se *StateEvaluator) clone() *StateEvaluator {
	if se == nil {
		return nil
	}
	cp := *se
	if se.StateDescriptor != nil {
		sd := *se.StateDescriptor
		cp.StateDescriptor = &sd
	}
	if se.ChildEvaluators != nil {
		cp.ChildEvaluators = make([]StateEvaluator, len(se.ChildEvaluators))
		for i := range se.ChildEvaluators {
			cp.ChildEvaluators[i] = *se.ChildEvaluators[i].clone()
		}
	}
	return &cp
}

// RuleActionParam is one parameter of a rule action. The value is either
// fixed, or taken from a parameter of the triggering event when
// EventTypeID and EventParamTypeID are set.
type RuleActionParam struct {
	ParamTypeID      string `json:"paramTypeId,omitempty"`
	Name             string `json:"name,omitempty"`
	Value            any    `json:"value,omitempty"`
	EventTypeID      string `json:"eventTypeId,omitempty"`
	EventParamTypeID string `json:"eventParamTypeId,omitempty"`
}

// EventBased reports whether the value comes from the triggering event.
func (p RuleActionParam) EventBased() bool {
	return p.EventParamTypeID != ""
}

// RuleAction is an action executed when a rule fires.
type RuleAction struct {
	ThingID      string            `json:"deviceId"`
	ActionTypeID string            `json:"actionTypeId"`
	Params       []RuleActionParam `json:"params"`
}

// Executable reports whether the action can run without a triggering event.
func (a RuleAction) Executable() bool {
	for _, p := range a.Params {
		if p.EventBased() {
			return false
		}
	}
	return true
}

// Resolve turns the rule action into a concrete action. Event-based params
// are filled from ev, which may be nil for state-triggered rules.
func (a RuleAction) Resolve(ev *types.Event) types.Action {
	out := types.Action{ThingID: a.ThingID, ActionTypeID: a.ActionTypeID}
	for _, p := range a.Params {
		v := p.Value
		if p.EventBased() && ev != nil {
			v = ev.Params.Value(p.EventParamTypeID)
		}
		out.Params = append(out.Params, types.Param{ParamTypeID: p.ParamTypeID, Name: p.Name, Value: v})
	}
	return out
}

// Kind tells event-based from state-based rules.
type Kind int

const (
	KindEvent Kind = iota
	KindState
)

func (k Kind) String() string {
	if k == KindState {
		return "state"
	}
	return "event"
}

// Rule binds event descriptors and a state evaluator to actions.
type Rule struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Enabled          bool              `json:"enabled"`
	Active           bool              `json:"active"`
	EventDescriptors []EventDescriptor `json:"eventDescriptors"`
	StateEvaluator   *StateEvaluator   `json:"stateEvaluator,omitempty"`
	Actions          []RuleAction      `json:"actions"`
	ExitActions      []RuleAction      `json:"exitActions,omitempty"`
}

// Kind is KindEvent for a rule triggered by a single event descriptor and
// KindState when several descriptors are combined or states are evaluated.
func (r *Rule) Kind() Kind {
	if len(r.EventDescriptors) > 1 || !r.StateEvaluator.Empty() {
		return KindState
	}
	return KindEvent
}

// Operator returns the top-level state operator, And when unset.
func (r *Rule) Operator() StateOperator {
	if r.StateEvaluator == nil || r.StateEvaluator.Operator == "" {
		return StateOperatorAnd
	}
	return r.StateEvaluator.Operator
}

// Executable reports whether the actions can be run by hand.
func (r *Rule) Executable() bool {
	for _, a := range r.Actions {
		if !a.Executable() {
			return false
		}
	}
	return true
}

// ContainsThing reports whether any part of the rule refers to thingID.
func (r *Rule) ContainsThing(thingID string) bool {
	for _, d := range r.EventDescriptors {
		if d.ThingID == thingID {
			return true
		}
	}
	for _, a := range r.Actions {
		if a.ThingID == thingID {
			return true
		}
	}
	for _, a := range r.ExitActions {
		if a.ThingID == thingID {
			return true
		}
	}
	return r.StateEvaluator.ContainsThing(thingID)
}

// Clone returns a copy that shares no slices with r.
func (r *Rule) Clone() *Rule {
	cp := *r
	cp.EventDescriptors = make([]EventDescriptor, len(r.EventDescriptors))
	for i, d := range r.EventDescriptors {
		d.ParamDescriptors = append([]ParamDescriptor(nil), d.ParamDescriptors...)
		cp.EventDescriptors[i] = d
	}
	cp.StateEvaluator = r.StateEvaluator.clone()
	cp.Actions = cloneActions(r.Actions)
	cp.ExitActions = cloneActions(r.ExitActions)
	return &cp
}

func cloneActions(in []RuleAction) []RuleAction {
	if in == nil {
		return nil
	}
	out := make([]RuleAction, len(in))
	for i, a := range in {
		a.Params = append([]RuleActionParam(nil), a.Params...)
		out[i] = a
	}
	return out
}
