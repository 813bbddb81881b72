package rules

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"

	"thingrpc/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var (
	buttonClass = types.ThingClass{
		ID:   "c-button",
		Name: "Button",
		EventTypes: []types.EventType{{
			ID:   "e-pressed",
			Name: "pressed",
			ParamTypes: types.ParamTypes{
				{ID: "p-count", Name: "count", Type: types.TypeInt},
				{ID: "p-side", Name: "side", Type: types.TypeString},
			},
		}},
		StateTypes: []types.StateType{
			{ID: "s-battery", Name: "battery", Type: types.TypeInt, DefaultValue: 100},
		},
	}
	lampClass = types.ThingClass{
		ID:   "c-lamp",
		Name: "Lamp",
		StateTypes: []types.StateType{
			{ID: "s-power", Name: "power", Type: types.TypeBool, DefaultValue: false, Writable: true},
		},
		ActionTypes: []types.ActionType{{
			ID:   "a-dim",
			Name: "dim",
			ParamTypes: types.ParamTypes{
				{ID: "p-level", Name: "level", Type: types.TypeInt, MinValue: ptr(0), MaxValue: ptr(100)},
				{ID: "p-fade", Name: "fade", Type: types.TypeInt, DefaultValue: 0},
			},
		}},
	}
)

func ptr(f float64) *float64 { return &f }

type fakeCatalog map[string]types.ThingClass

func (c fakeCatalog) ThingClassOf(thingID string) (types.ThingClass, bool) {
	tc, ok := c[thingID]
	return tc, ok
}

var catalog = fakeCatalog{
	"button-1": buttonClass,
	"button-2": buttonClass,
	"lamp-1":   lampClass,
}

type fakeStates map[string]any

func (s fakeStates) StateValue(thingID, stateTypeID string) (any, bool) {
	v, ok := s[thingID+"/"+stateTypeID]
	return v, ok
}

func pressed(thing string) EventDescriptor {
	return EventDescriptor{ThingID: thing, EventTypeID: "e-pressed"}
}

func powerOn() RuleAction {
	return RuleAction{ThingID: "lamp-1", ActionTypeID: "s-power", Params: []RuleActionParam{{ParamTypeID: "s-power", Value: true}}}
}

func TestValueOperatorCompare(t *testing.T) {
	tests := []struct {
		op       ValueOperator
		actual   any
		expected any
		want     bool
		wantErr  bool
	}{
		{ValueOperatorEquals, 3.0, "3", true, false},
		{ValueOperatorNotEquals, "on", "off", true, false},
		{ValueOperatorLess, 2, 3.0, true, false},
		{ValueOperatorGreater, "10", "9", true, false},
		{ValueOperatorLessOrEqual, 5, 5, true, false},
		{ValueOperatorGreaterOrEqual, 4.9, 5, false, false},
		{ValueOperatorLess, "apple", "banana", true, false},
		{ValueOperatorGreater, true, false, false, true},
		{ValueOperator("ValueOperatorLike"), 1, 1, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			got, err := tt.op.Compare(tt.actual, tt.expected)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("%v %s %v = %v, want %v", tt.actual, tt.op.Symbol(), tt.expected, got, tt.want)
			}
		})
	}
}

func TestSymbolsAndText(t *testing.T) {
	want := map[ValueOperator]string{
		ValueOperatorEquals:         "=",
		ValueOperatorNotEquals:      "!=",
		ValueOperatorLess:           "<",
		ValueOperatorGreater:        ">",
		ValueOperatorLessOrEqual:    "<=",
		ValueOperatorGreaterOrEqual: ">=",
		"bogus":                     "<unknown value operator>",
	}
	for op, sym := range want {
		if op.Symbol() != sym {
			t.Errorf("%s.Symbol() = %q, want %q", op, op.Symbol(), sym)
		}
	}
	if StateOperatorOr.Text() != "(OR) | ONE of the events/states has to be true/emited." {
		t.Errorf("Or text = %q", StateOperatorOr.Text())
	}
}

func TestEventDescriptorMatches(t *testing.T) {
	d := EventDescriptor{
		ThingID:     "button-1",
		EventTypeID: "e-pressed",
		ParamDescriptors: []ParamDescriptor{
			{Name: "count", Value: "2", Operator: ValueOperatorGreaterOrEqual},
			{ParamTypeID: "p-side", Value: "left", Operator: ValueOperatorEquals},
		},
	}
	ev := func(thing string, count any, side string) types.Event {
		return types.Event{ThingID: thing, EventTypeID: "e-pressed", Params: types.ParamList{
			{ParamTypeID: "p-count", Name: "count", Value: count},
			{ParamTypeID: "p-side", Name: "side", Value: side},
		}}
	}
	tests := []struct {
		name string
		ev   types.Event
		want bool
	}{
		{"all params match", ev("button-1", int64(3), "left"), true},
		{"one param fails", ev("button-1", int64(1), "left"), false},
		{"other side", ev("button-1", int64(2), "right"), false},
		{"other thing", ev("button-2", int64(3), "left"), false},
		{"param missing", types.Event{ThingID: "button-1", EventTypeID: "e-pressed"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.Matches(tt.ev); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStateEvaluatorEvaluate(t *testing.T) {
	low := &StateDescriptor{ThingID: "button-1", StateTypeID: "s-battery", Value: 20, Operator: ValueOperatorLess}
	on := &StateDescriptor{ThingID: "lamp-1", StateTypeID: "s-power", Value: true, Operator: ValueOperatorEquals}
	states := fakeStates{"button-1/s-battery": 10, "lamp-1/s-power": false}

	tests := []struct {
		name string
		se   *StateEvaluator
		want bool
	}{
		{"nil", nil, true},
		{"single true", &StateEvaluator{StateDescriptor: low}, true},
		{"single false", &StateEvaluator{StateDescriptor: on}, false},
		{"or short-circuits on descriptor", &StateEvaluator{Operator: StateOperatorOr, StateDescriptor: low, ChildEvaluators: []StateEvaluator{{StateDescriptor: on}}}, true},
		{"or via child", &StateEvaluator{Operator: StateOperatorOr, StateDescriptor: on, ChildEvaluators: []StateEvaluator{{StateDescriptor: low}}}, true},
		{"and needs children", &StateEvaluator{Operator: StateOperatorAnd, StateDescriptor: low, ChildEvaluators: []StateEvaluator{{StateDescriptor: on}}}, false},
		{"nested and", &StateEvaluator{ChildEvaluators: []StateEvaluator{
			{Operator: StateOperatorOr, ChildEvaluators: []StateEvaluator{{StateDescriptor: on}, {StateDescriptor: low}}},
			{StateDescriptor: low},
		}}, true},
		{"unknown state", &StateEvaluator{StateDescriptor: &StateDescriptor{ThingID: "x", StateTypeID: "y", Value: 1, Operator: ValueOperatorEquals}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.se.Evaluate(states); got != tt.want {
				t.Errorf("Evaluate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStateEvaluatorJSON(t *testing.T) {
	var r struct {
		StateEvaluator StateEvaluator `json:"stateEvaluator"`
	}
	if err := json.Unmarshal([]byte(`{"stateEvaluator": "StateOperatorOr"}`), &r); err != nil {
		t.Fatal(err)
	}
	if r.StateEvaluator.Operator != StateOperatorOr || !r.StateEvaluator.Empty() {
		t.Errorf("string form = %+v", r.StateEvaluator)
	}

	in := `{"stateEvaluator": {"operator": "StateOperatorAnd", "childEvaluators": [
		{"operator": "StateOperatorAnd", "stateDescriptor": {"deviceId": "lamp-1", "stateTypeId": "s-power", "value": true, "operator": "ValueOperatorEquals"}}
	]}}`
	if err := json.Unmarshal([]byte(in), &r); err != nil {
		t.Fatal(err)
	}
	child := r.StateEvaluator.ChildEvaluators
	if len(child) != 1 || child[0].StateDescriptor == nil || child[0].StateDescriptor.ThingID != "lamp-1" {
		t.Errorf("object form = %+v", r.StateEvaluator)
	}
}

func TestTwoDescriptorsNeedOperator(t *testing.T) {
	b := NewBuilder("two buttons").
		AddEventDescriptor(pressed("button-1")).
		AddEventDescriptor(pressed("button-2")).
		AddAction(powerOn())
	_, err := b.Build(catalog)
	if !errors.Is(err, ErrInvalidRule) || CodeOf(err) != types.RuleErrorInvalidRuleFormat {
		t.Fatalf("without operator: err = %v", err)
	}

	r, err := b.SetStateOperator(StateOperatorAnd).Build(catalog)
	if err != nil {
		t.Fatalf("with And: %v", err)
	}
	if r.Kind() != KindState || r.Operator() != StateOperatorAnd {
		t.Errorf("kind = %v, operator = %v", r.Kind(), r.Operator())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		want types.RuleError
	}{
		{
			name: "single event rule",
			rule: Rule{EventDescriptors: []EventDescriptor{pressed("button-1")}, Actions: []RuleAction{powerOn()}},
			want: types.RuleErrorNoError,
		},
		{
			name: "no actions",
			rule: Rule{EventDescriptors: []EventDescriptor{pressed("button-1")}},
			want: types.RuleErrorInvalidRuleFormat,
		},
		{
			name: "no triggers",
			rule: Rule{Actions: []RuleAction{powerOn()}},
			want: types.RuleErrorInvalidRuleFormat,
		},
		{
			name: "unknown thing",
			rule: Rule{EventDescriptors: []EventDescriptor{pressed("ghost")}, Actions: []RuleAction{powerOn()}},
			want: types.RuleErrorThingNotFound,
		},
		{
			name: "unknown event type",
			rule: Rule{EventDescriptors: []EventDescriptor{{ThingID: "button-1", EventTypeID: "e-held"}}, Actions: []RuleAction{powerOn()}},
			want: types.RuleErrorEventTypeNotFound,
		},
		{
			name: "param descriptor not in event",
			rule: Rule{EventDescriptors: []EventDescriptor{{ThingID: "button-1", EventTypeID: "e-pressed", ParamDescriptors: []ParamDescriptor{
				{Name: "color", Value: "red", Operator: ValueOperatorEquals},
			}}}, Actions: []RuleAction{powerOn()}},
			want: types.RuleErrorInvalidParameter,
		},
		{
			name: "implicit state event",
			rule: Rule{EventDescriptors: []EventDescriptor{{ThingID: "button-1", EventTypeID: "s-battery", ParamDescriptors: []ParamDescriptor{
				{ParamTypeID: "s-battery", Value: "15", Operator: ValueOperatorLess},
			}}}, Actions: []RuleAction{powerOn()}},
			want: types.RuleErrorNoError,
		},
		{
			name: "unknown action type",
			rule: Rule{EventDescriptors: []EventDescriptor{pressed("button-1")}, Actions: []RuleAction{{ThingID: "lamp-1", ActionTypeID: "a-blink"}}},
			want: types.RuleErrorActionTypeNotFound,
		},
		{
			name: "action param not in action type",
			rule: Rule{EventDescriptors: []EventDescriptor{pressed("button-1")}, Actions: []RuleAction{{ThingID: "lamp-1", ActionTypeID: "a-dim", Params: []RuleActionParam{
				{Name: "level", Value: 10}, {Name: "speed", Value: 1},
			}}}},
			want: types.RuleErrorInvalidParameter,
		},
		{
			name: "missing required action param",
			rule: Rule{EventDescriptors: []EventDescriptor{pressed("button-1")}, Actions: []RuleAction{{ThingID: "lamp-1", ActionTypeID: "a-dim"}}},
			want: types.RuleErrorMissingParameter,
		},
		{
			name: "event based action param",
			rule: Rule{EventDescriptors: []EventDescriptor{pressed("button-1")}, Actions: []RuleAction{{ThingID: "lamp-1", ActionTypeID: "a-dim", Params: []RuleActionParam{
				{Name: "level", EventTypeID: "e-pressed", EventParamTypeID: "p-count"},
			}}}},
			want: types.RuleErrorNoError,
		},
		{
			name: "event based param outside rule",
			rule: Rule{EventDescriptors: []EventDescriptor{pressed("button-1")}, Actions: []RuleAction{{ThingID: "lamp-1", ActionTypeID: "a-dim", Params: []RuleActionParam{
				{Name: "level", EventTypeID: "e-other", EventParamTypeID: "p-count"},
			}}}},
			want: types.RuleErrorInvalidRuleActionParameter,
		},
		{
			name: "exit actions with events",
			rule: Rule{EventDescriptors: []EventDescriptor{pressed("button-1")}, Actions: []RuleAction{powerOn()}, ExitActions: []RuleAction{powerOn()}},
			want: types.RuleErrorInvalidRuleFormat,
		},
		{
			name: "state rule with bad value",
			rule: Rule{StateEvaluator: &StateEvaluator{StateDescriptor: &StateDescriptor{ThingID: "lamp-1", StateTypeID: "s-power", Value: "maybe", Operator: ValueOperatorEquals}}, Actions: []RuleAction{powerOn()}},
			want: types.RuleErrorInvalidStateEvaluatorValue,
		},
		{
			name: "state rule with unknown state",
			rule: Rule{StateEvaluator: &StateEvaluator{StateDescriptor: &StateDescriptor{ThingID: "lamp-1", StateTypeID: "s-color", Value: "red", Operator: ValueOperatorEquals}}, Actions: []RuleAction{powerOn()}},
			want: types.RuleErrorStateTypeNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.rule, catalog)
			if got := CodeOf(err); got != tt.want {
				t.Errorf("code = %s, want %s (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestBuilderPhases(t *testing.T) {
	_, err := NewBuilder("late trigger").
		AddEventDescriptor(pressed("button-1")).
		AddAction(powerOn()).
		AddEventDescriptor(pressed("button-2")).
		SetStateOperator(StateOperatorOr).
		Build(catalog)
	if CodeOf(err) != types.RuleErrorInvalidRuleFormat {
		t.Errorf("event after action: err = %v", err)
	}
}

func buttonEvent(thing string) types.Event {
	return types.Event{ThingID: thing, EventTypeID: "e-pressed", Params: types.ParamList{
		{ParamTypeID: "p-count", Name: "count", Value: int64(4)},
	}}
}

func TestEngineEvaluateOr(t *testing.T) {
	e := NewEngine(testLogger())
	r, err := NewBuilder("either").
		AddEventDescriptor(pressed("button-1")).
		AddEventDescriptor(pressed("button-2")).
		SetStateOperator(StateOperatorOr).
		AddAction(RuleAction{ThingID: "lamp-1", ActionTypeID: "a-dim", Params: []RuleActionParam{
			{Name: "level", EventTypeID: "e-pressed", EventParamTypeID: "p-count"},
		}}).
		Build(catalog)
	if err != nil {
		t.Fatal(err)
	}
	id, err := e.Add(r)
	if err != nil {
		t.Fatal(err)
	}

	firings := e.Evaluate(buttonEvent("button-2"), fakeStates{})
	if len(firings) != 1 || firings[0].RuleID != id {
		t.Fatalf("firings = %+v", firings)
	}
	action := firings[0].Actions[0]
	if action.ThingID != "lamp-1" || action.Params[0].Value != int64(4) {
		t.Errorf("resolved action = %+v", action)
	}

	if got := e.Evaluate(types.Event{ThingID: "lamp-1", EventTypeID: "s-power"}, fakeStates{}); len(got) != 0 {
		t.Errorf("unrelated event fired %+v", got)
	}

	e.SetEnabled(id, false)
	if got := e.Evaluate(buttonEvent("button-1"), fakeStates{}); len(got) != 0 {
		t.Errorf("disabled rule fired %+v", got)
	}
}

func TestEngineEvaluateAndNeedsEveryEvent(t *testing.T) {
	e := NewEngine(testLogger())
	r, _ := NewBuilder("both").
		AddEventDescriptor(pressed("button-1")).
		AddEventDescriptor(pressed("button-2")).
		SetStateOperator(StateOperatorAnd).
		AddAction(powerOn()).
		Build(catalog)
	e.Add(r)

	if got := e.Evaluate(buttonEvent("button-1"), fakeStates{}); len(got) != 0 {
		t.Fatalf("fired after one of two events: %+v", got)
	}
	if got := e.Evaluate(buttonEvent("button-1"), fakeStates{}); len(got) != 0 {
		t.Fatalf("fired after repeating the same event: %+v", got)
	}
	if got := e.Evaluate(buttonEvent("button-2"), fakeStates{}); len(got) != 1 {
		t.Fatalf("did not fire after both events: %+v", got)
	}
	if got := e.Evaluate(buttonEvent("button-2"), fakeStates{}); len(got) != 0 {
		t.Errorf("fired again without a fresh set of events: %+v", got)
	}
}

func TestEngineEventRuleWithStateCondition(t *testing.T) {
	e := NewEngine(testLogger())
	r, err := NewBuilder("only when off").
		AddEventDescriptor(pressed("button-1")).
		SetStateEvaluator(StateEvaluator{StateDescriptor: &StateDescriptor{ThingID: "lamp-1", StateTypeID: "s-power", Value: false, Operator: ValueOperatorEquals}}).
		AddAction(powerOn()).
		Build(catalog)
	if err != nil {
		t.Fatal(err)
	}
	e.Add(r)

	if got := e.Evaluate(buttonEvent("button-1"), fakeStates{"lamp-1/s-power": true}); len(got) != 0 {
		t.Errorf("fired while lamp on: %+v", got)
	}
	if got := e.Evaluate(buttonEvent("button-1"), fakeStates{"lamp-1/s-power": false}); len(got) != 1 {
		t.Errorf("did not fire while lamp off: %+v", got)
	}
}

func TestEngineEvaluateStates(t *testing.T) {
	e := NewEngine(testLogger())
	r, err := NewBuilder("low battery").
		SetStateEvaluator(StateEvaluator{StateDescriptor: &StateDescriptor{ThingID: "button-1", StateTypeID: "s-battery", Value: 20, Operator: ValueOperatorLess}}).
		AddAction(powerOn()).
		AddExitAction(RuleAction{ThingID: "lamp-1", ActionTypeID: "s-power", Params: []RuleActionParam{{ParamTypeID: "s-power", Value: false}}}).
		Build(catalog)
	if err != nil {
		t.Fatal(err)
	}
	id, _ := e.Add(r)

	got := e.EvaluateStates(fakeStates{"button-1/s-battery": 10})
	if len(got) != 1 || !got[0].Active || got[0].Actions[0].Params[0].Value != true {
		t.Fatalf("activation = %+v", got)
	}
	if got := e.EvaluateStates(fakeStates{"button-1/s-battery": 12}); len(got) != 0 {
		t.Errorf("still active fired again: %+v", got)
	}
	got = e.EvaluateStates(fakeStates{"button-1/s-battery": 90})
	if len(got) != 1 || !got[0].Exit || got[0].Actions[0].Params[0].Value != false {
		t.Fatalf("deactivation = %+v", got)
	}

	if _, code := e.ActionsOf(id, true); code != types.RuleErrorNoError {
		t.Errorf("ActionsOf exit = %s", code)
	}
}

func TestEngineActionsOf(t *testing.T) {
	e := NewEngine(testLogger())
	r, _ := NewBuilder("plain").AddEventDescriptor(pressed("button-1")).AddAction(powerOn()).Build(catalog)
	id, _ := e.Add(r)

	if actions, code := e.ActionsOf(id, false); code != types.RuleErrorNoError || len(actions) != 1 {
		t.Errorf("ActionsOf = %+v, %s", actions, code)
	}
	if _, code := e.ActionsOf(id, true); code != types.RuleErrorNoExitActions {
		t.Errorf("exit actions code = %s", code)
	}
	if _, code := e.ActionsOf("nope", false); code != types.RuleErrorRuleNotFound {
		t.Errorf("unknown rule code = %s", code)
	}

	r2, _ := NewBuilder("event param").AddEventDescriptor(pressed("button-1")).AddAction(RuleAction{ThingID: "lamp-1", ActionTypeID: "a-dim", Params: []RuleActionParam{
		{Name: "level", EventTypeID: "e-pressed", EventParamTypeID: "p-count"},
	}}).Build(catalog)
	id2, _ := e.Add(r2)
	if _, code := e.ActionsOf(id2, false); code != types.RuleErrorNotExecutable {
		t.Errorf("event based rule code = %s", code)
	}
}

func TestEngineDuplicateID(t *testing.T) {
	e := NewEngine(testLogger())
	r, _ := NewBuilder("a").AddEventDescriptor(pressed("button-1")).AddAction(powerOn()).Build(catalog)
	r.ID = "fixed"
	if _, err := e.Add(r); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Add(r); CodeOf(err) != types.RuleErrorInvalidRuleId {
		t.Errorf("duplicate add err = %v", err)
	}
}

func TestEngineRemoveThingCascades(t *testing.T) {
	e := NewEngine(testLogger())
	keep, _ := NewBuilder("either").
		AddEventDescriptor(pressed("button-1")).
		AddEventDescriptor(pressed("button-2")).
		SetStateOperator(StateOperatorOr).
		AddAction(powerOn()).
		Build(catalog)
	drop, _ := NewBuilder("only button-2").
		AddEventDescriptor(pressed("button-2")).
		AddAction(powerOn()).
		Build(catalog)
	keepID, _ := e.Add(keep)
	dropID, _ := e.Add(drop)
	other, _ := NewBuilder("unrelated").AddEventDescriptor(pressed("button-1")).AddAction(powerOn()).Build(catalog)
	otherID, _ := e.Add(other)

	if got := e.FindRules("button-2"); len(got) != 2 || got[0] != keepID || got[1] != dropID {
		t.Fatalf("FindRules = %v", got)
	}

	changed, removed := e.RemoveThing("button-2")
	if len(changed) != 1 || changed[0] != keepID {
		t.Errorf("changed = %v", changed)
	}
	if len(removed) != 1 || removed[0] != dropID {
		t.Errorf("removed = %v", removed)
	}
	if got := e.FindRules("button-2"); len(got) != 0 {
		t.Errorf("thing still referenced by %v", got)
	}
	r, ok := e.Get(keepID)
	if !ok || len(r.EventDescriptors) != 1 || r.EventDescriptors[0].ThingID != "button-1" {
		t.Errorf("kept rule = %+v", r)
	}
	if ids := e.IDs(); len(ids) != 2 || ids[0] != keepID || ids[1] != otherID {
		t.Errorf("IDs = %v", ids)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	e := NewEngine(testLogger())
	r, _ := NewBuilder("a").AddEventDescriptor(pressed("button-1")).AddAction(powerOn()).Build(catalog)
	id, _ := e.Add(r)

	got, _ := e.Get(id)
	got.Actions[0].ThingID = "mutated"
	again, _ := e.Get(id)
	if again.Actions[0].ThingID != "lamp-1" {
		t.Error("Get exposed internal state")
	}
	if again.StateEvaluator == nil || again.StateEvaluator.Operator != StateOperatorAnd {
		t.Errorf("stored evaluator = %+v", again.StateEvaluator)
	}
}
