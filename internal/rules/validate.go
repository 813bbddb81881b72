package rules

import (
	"errors"
	"fmt"

	"thingrpc/internal/types"
)

// ErrInvalidRule is wrapped by every ValidationError.
var ErrInvalidRule = errors.New("invalid rule")

// ValidationError reports why a rule was rejected, with the rule error code
// the server would answer.
type ValidationError struct {
	Code RuleError
	Msg  string
}

// RuleError is an alias so callers do not need the types package for codes.
type RuleError = types.RuleError

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRule }

func invalid(code RuleError, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the rule error code of err, RuleErrorNoError for nil.
func CodeOf(err error) RuleError {
	if err == nil {
		return types.RuleErrorNoError
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return types.RuleErrorInvalidRuleFormat
}

// Catalog resolves the class of a configured thing.
type Catalog interface {
	ThingClassOf(thingID string) (types.ThingClass, bool)
}

// Validate checks r against the catalog. It returns nil or a *ValidationError.
func Validate(r *Rule, c Catalog) error {
	if len(r.Actions) == 0 {
		return invalid(types.RuleErrorInvalidRuleFormat, "rule has no actions")
	}
	if len(r.EventDescriptors) == 0 && r.StateEvaluator.Empty() {
		return invalid(types.RuleErrorInvalidRuleFormat, "rule has neither event descriptors nor states")
	}
	if len(r.EventDescriptors) > 1 && (r.StateEvaluator == nil || r.StateEvaluator.Operator == "") {
		return invalid(types.RuleErrorInvalidRuleFormat, "%d event descriptors need a state operator", len(r.EventDescriptors))
	}
	if len(r.ExitActions) > 0 && len(r.EventDescriptors) > 0 {
		return invalid(types.RuleErrorInvalidRuleFormat, "exit actions are only allowed in rules without events")
	}

	eventTypes := make(map[string]types.EventType)
	for i, d := range r.EventDescriptors {
		et, err := validateEventDescriptor(d, c)
		if err != nil {
			return fmt.Errorf("event descriptor %d: %w", i, err)
		}
		eventTypes[et.ID] = et
	}
	if r.StateEvaluator != nil {
		if err := validateEvaluator(r.StateEvaluator, c); err != nil {
			return err
		}
	}
	for i, a := range r.Actions {
		if err := validateAction(a, c, eventTypes); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	for i, a := range r.ExitActions {
		if err := validateAction(a, c, nil); err != nil {
			return fmt.Errorf("exit action %d: %w", i, err)
		}
	}
	return nil
}

func validateEventDescriptor(d EventDescriptor, c Catalog) (types.EventType, error) {
	tc, ok := c.ThingClassOf(d.ThingID)
	if !ok {
		return types.EventType{}, invalid(types.RuleErrorThingNotFound, "thing %q", d.ThingID)
	}
	et, ok := tc.EventType(d.EventTypeID)
	if !ok {
		return types.EventType{}, invalid(types.RuleErrorEventTypeNotFound, "event type %q not in class %q", d.EventTypeID, tc.Name)
	}
	for _, pd := range d.ParamDescriptors {
		pt, ok := et.ParamTypes.Lookup(types.Param{ParamTypeID: pd.ParamTypeID, Name: pd.Name})
		if !ok {
			return et, invalid(types.RuleErrorInvalidParameter, "param %q is not a parameter of event %q", pd.ref(), et.Name)
		}
		if !pd.Operator.Valid() {
			return et, invalid(types.RuleErrorInvalidParameter, "param %q: unknown operator %q", pd.ref(), pd.Operator)
		}
		if _, err := pt.Coerce(pd.Value); err != nil {
			return et, invalid(types.RuleErrorTypesNotMatching, "%v", err)
		}
	}
	return et, nil
}

func validateEvaluator(se *StateEvaluator, c Catalog) error {
	if se.Operator != "" && !se.Operator.Valid() {
		return invalid(types.RuleErrorInvalidStateEvaluatorValue, "unknown state operator %q", se.Operator)
	}
	if sd := se.StateDescriptor; sd != nil {
		tc, ok := c.ThingClassOf(sd.ThingID)
		if !ok {
			return invalid(types.RuleErrorThingNotFound, "state descriptor thing %q", sd.ThingID)
		}
		st, ok := tc.StateType(sd.StateTypeID)
		if !ok {
			return invalid(types.RuleErrorStateTypeNotFound, "state type %q not in class %q", sd.StateTypeID, tc.Name)
		}
		if !sd.Operator.Valid() {
			return invalid(types.RuleErrorInvalidStateEvaluatorValue, "unknown operator %q", sd.Operator)
		}
		if _, err := st.ParamType().Coerce(sd.Value); err != nil {
			return invalid(types.RuleErrorInvalidStateEvaluatorValue, "%v", err)
		}
	}
	for i := range se.ChildEvaluators {
		if err := validateEvaluator(&se.ChildEvaluators[i], c); err != nil {
			return err
		}
	}
	return nil
}

// validateAction checks an action. eventTypes holds the event types of the
// rule's descriptors; nil forbids event-based params.
func validateAction(a RuleAction, c Catalog, eventTypes map[string]types.EventType) error {
	tc, ok := c.ThingClassOf(a.ThingID)
	if !ok {
		return invalid(types.RuleErrorThingNotFound, "thing %q", a.ThingID)
	}
	at, ok := tc.ActionType(a.ActionTypeID)
	if !ok {
		return invalid(types.RuleErrorActionTypeNotFound, "action type %q not in class %q", a.ActionTypeID, tc.Name)
	}

	given := make(map[string]bool, len(a.Params))
	for _, p := range a.Params {
		ref := types.Param{ParamTypeID: p.ParamTypeID, Name: p.Name}
		pt, ok := at.ParamTypes.Lookup(ref)
		if !ok {
			return invalid(types.RuleErrorInvalidParameter, "param %q is not a parameter of action %q", p.ParamTypeID+p.Name, at.Name)
		}
		given[pt.ID] = true

		if p.EventBased() {
			et, ok := eventTypes[p.EventTypeID]
			if !ok {
				return invalid(types.RuleErrorInvalidRuleActionParameter, "param %q refers to event type %q outside the rule", pt.Name, p.EventTypeID)
			}
			if _, ok := et.ParamTypes.ByID(p.EventParamTypeID); !ok {
				return invalid(types.RuleErrorInvalidRuleActionParameter, "event %q has no param %q", et.Name, p.EventParamTypeID)
			}
			continue
		}
		if _, err := pt.Coerce(p.Value); err != nil {
			return invalid(types.RuleErrorInvalidParameter, "%v", err)
		}
	}
	for _, pt := range at.ParamTypes {
		if !given[pt.ID] && pt.DefaultValue == nil {
			return invalid(types.RuleErrorMissingParameter, "action %q needs param %q", at.Name, pt.Name)
		}
	}
	return nil
}

// Builder collects a rule in two phases: event descriptors first, then
// actions. Mistakes are reported by Build.
type Builder struct {
	rule      Rule
	inActions bool
	err       error
}

// NewBuilder starts an enabled rule with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{rule: Rule{Name: name, Enabled: true}}
}

// AddEventDescriptor adds a trigger. It must be called before any action.
func (b *Builder) AddEventDescriptor(d EventDescriptor) *Builder {
	if b.inActions && b.err == nil {
		b.err = invalid(types.RuleErrorInvalidRuleFormat, "event descriptor added after actions")
	}
	b.rule.EventDescriptors = append(b.rule.EventDescriptors, d)
	return b
}

// SetStateOperator sets the operator combining the event descriptors.
func (b *Builder) SetStateOperator(op StateOperator) *Builder {
	if b.rule.StateEvaluator == nil {
		b.rule.StateEvaluator = &StateEvaluator{}
	}
	b.rule.StateEvaluator.Operator = op
	return b
}

// SetStateEvaluator replaces the state evaluator.
func (b *Builder) SetStateEvaluator(se StateEvaluator) *Builder {
	b.rule.StateEvaluator = &se
	return b
}

// AddAction adds an action and closes the event descriptor phase.
func (b *Builder) AddAction(a RuleAction) *Builder {
	b.inActions = true
	b.rule.Actions = append(b.rule.Actions, a)
	return b
}

// AddExitAction adds an action run when a state rule becomes inactive.
func (b *Builder) AddExitAction(a RuleAction) *Builder {
	b.inActions = true
	b.rule.ExitActions = append(b.rule.ExitActions, a)
	return b
}

// Build validates the collected rule against c.
func (b *Builder) Build(c Catalog) (*Rule, error) {
	if b.err != nil {
		return nil, b.err
	}
	r := b.rule.Clone()
	if err := Validate(r, c); err != nil {
		return nil, err
	}
	return r, nil
}
