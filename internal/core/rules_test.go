package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"thingrpc/internal/integration/mock"
	"thingrpc/internal/rules"
	"thingrpc/internal/types"
)

// fakeThings serves two mock things with settable states and records
// executed actions.
type fakeThings struct {
	mu       sync.Mutex
	class    types.ThingClass
	states   map[string]any
	executed chan types.Action
}

func newFakeThings() *fakeThings {
	return &fakeThings{
		class:    mock.Catalog().Vendors[0].ThingClasses[0],
		states:   make(map[string]any),
		executed: make(chan types.Action, 16),
	}
}

func (f *fakeThings) ThingClassOf(thingID string) (types.ThingClass, bool) {
	if thingID != "lamp" && thingID != "sensor" {
		return types.ThingClass{}, false
	}
	return f.class, true
}

func (f *fakeThings) StateValue(thingID, stateTypeID string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.states[thingID+"/"+stateTypeID]
	return v, ok
}

func (f *fakeThings) set(thingID, stateTypeID string, v any) {
	f.mu.Lock()
	f.states[thingID+"/"+stateTypeID] = v
	f.mu.Unlock()
}

func (f *fakeThings) ExecuteAction(ctx context.Context, a types.Action) Outcome {
	f.executed <- a
	return success
}

func (f *fakeThings) waitAction(t *testing.T) types.Action {
	t.Helper()
	select {
	case a := <-f.executed:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("no action executed")
		return types.Action{}
	}
}

func (f *fakeThings) noAction(t *testing.T) {
	t.Helper()
	select {
	case a := <-f.executed:
		t.Fatalf("unexpected action %+v", a)
	case <-time.After(50 * time.Millisecond):
	}
}

func newRuleService(t *testing.T) (*RuleService, *fakeThings, *EventBus, *recorder) {
	t.Helper()
	things := newFakeThings()
	bus := NewEventBus(testLogger())
	events := record(bus)
	rs := NewRuleService(things, newStore(t), bus, nil, testLogger())
	if err := rs.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(rs.Stop)
	return rs, things, bus, events
}

func powerAction(thingID string, on bool) rules.RuleAction {
	return rules.RuleAction{
		ThingID:      thingID,
		ActionTypeID: mock.StateMockPower,
		Params:       []rules.RuleActionParam{{ParamTypeID: mock.StateMockPower, Value: on}},
	}
}

func eventRule() *rules.Rule {
	return &rules.Rule{
		Name:             "button",
		Enabled:          true,
		EventDescriptors: []rules.EventDescriptor{{ThingID: "sensor", EventTypeID: mock.EventMockEvent1}},
		Actions:          []rules.RuleAction{powerAction("lamp", true)},
	}
}

func TestRuleServiceFiresOnEvent(t *testing.T) {
	rs, things, bus, events := newRuleService(t)
	id, code := rs.Add(eventRule())
	if !code.OK() {
		t.Fatalf("add: %s", code)
	}
	if events.count(EventRuleAdded) != 1 {
		t.Errorf("RuleAdded events = %d", events.count(EventRuleAdded))
	}

	bus.Emit(Event{Type: EventEventTriggered, Data: EventTriggered{Event: types.Event{ThingID: "lamp", EventTypeID: mock.EventMockEvent1}}})
	things.noAction(t)

	bus.Emit(Event{Type: EventEventTriggered, Data: EventTriggered{Event: types.Event{ThingID: "sensor", EventTypeID: mock.EventMockEvent1}}})
	a := things.waitAction(t)
	if a.ThingID != "lamp" || a.ActionTypeID != mock.StateMockPower || a.Params.Value(mock.StateMockPower) != true {
		t.Errorf("action = %+v", a)
	}

	if code := rs.SetEnabled(id, false); !code.OK() {
		t.Fatalf("disable: %s", code)
	}
	bus.Emit(Event{Type: EventEventTriggered, Data: EventTriggered{Event: types.Event{ThingID: "sensor", EventTypeID: mock.EventMockEvent1}}})
	things.noAction(t)
}

func TestRuleServiceStateRule(t *testing.T) {
	rs, things, bus, events := newRuleService(t)
	things.set("sensor", mock.StateMockState1, int64(0))

	r := &rules.Rule{
		Name:    "threshold",
		Enabled: true,
		StateEvaluator: &rules.StateEvaluator{StateDescriptor: &rules.StateDescriptor{
			ThingID: "sensor", StateTypeID: mock.StateMockState1, Value: int64(5), Operator: rules.ValueOperatorGreater,
		}},
		Actions:     []rules.RuleAction{powerAction("lamp", true)},
		ExitActions: []rules.RuleAction{powerAction("lamp", false)},
	}
	id, code := rs.Add(r)
	if !code.OK() {
		t.Fatalf("add: %s", code)
	}
	things.noAction(t)

	things.set("sensor", mock.StateMockState1, int64(9))
	bus.Emit(Event{Type: EventStateChanged, Data: StateChanged{ThingID: "sensor", StateTypeID: mock.StateMockState1, Value: int64(9)}})
	if a := things.waitAction(t); a.Params.Value(mock.StateMockPower) != true {
		t.Errorf("entry action = %+v", a)
	}
	if got, _ := rs.Rule(id); !got.Active {
		t.Error("rule not active")
	}
	e, found := events.last(EventRuleActiveChanged)
	if !found || !e.Data.(RuleActiveChanged).Active {
		t.Errorf("active event = %+v", e)
	}

	things.set("sensor", mock.StateMockState1, int64(1))
	bus.Emit(Event{Type: EventStateChanged, Data: StateChanged{ThingID: "sensor", StateTypeID: mock.StateMockState1, Value: int64(1)}})
	if a := things.waitAction(t); a.Params.Value(mock.StateMockPower) != false {
		t.Errorf("exit action = %+v", a)
	}
	if events.count(EventRuleActiveChanged) != 2 {
		t.Errorf("RuleActiveChanged events = %d, want 2", events.count(EventRuleActiveChanged))
	}
}

func TestRuleServiceRejectsInvalid(t *testing.T) {
	rs, _, _, _ := newRuleService(t)
	tests := []struct {
		name string
		rule *rules.Rule
		want types.RuleError
	}{
		{"no actions", &rules.Rule{EventDescriptors: eventRule().EventDescriptors}, types.RuleErrorInvalidRuleFormat},
		{"unknown thing", &rules.Rule{
			EventDescriptors: []rules.EventDescriptor{{ThingID: "ghost", EventTypeID: mock.EventMockEvent1}},
			Actions:          eventRule().Actions,
		}, types.RuleErrorThingNotFound},
		{"unknown event", &rules.Rule{
			EventDescriptors: []rules.EventDescriptor{{ThingID: "sensor", EventTypeID: "nope"}},
			Actions:          eventRule().Actions,
		}, types.RuleErrorEventTypeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, code := rs.Add(tt.rule); code != tt.want {
				t.Errorf("code = %s, want %s", code, tt.want)
			}
		})
	}
	if len(rs.Rules()) != 0 {
		t.Errorf("rules = %d, want none", len(rs.Rules()))
	}
}

func TestRuleServicePersistence(t *testing.T) {
	things := newFakeThings()
	st := newStore(t)
	bus := NewEventBus(testLogger())

	first := NewRuleService(things, st, bus, nil, testLogger())
	if err := first.Start(); err != nil {
		t.Fatal(err)
	}
	id, _ := first.Add(eventRule())
	first.SetEnabled(id, false)
	first.Stop()

	second := NewRuleService(things, st, NewEventBus(testLogger()), nil, testLogger())
	if err := second.Start(); err != nil {
		t.Fatal(err)
	}
	defer second.Stop()
	r, code := second.Rule(id)
	if !code.OK() {
		t.Fatalf("rule not restored: %s", code)
	}
	if r.Name != "button" || r.Enabled {
		t.Errorf("restored = %+v", r)
	}

	if code := second.Remove(id); !code.OK() {
		t.Fatalf("remove: %s", code)
	}
	if code := second.Remove(id); code != types.RuleErrorRuleNotFound {
		t.Errorf("second remove: %s", code)
	}
	stored, _ := st.ListRules()
	if len(stored) != 0 {
		t.Errorf("stored rules = %d", len(stored))
	}
}

func TestRuleServiceCascade(t *testing.T) {
	rs, _, _, events := newRuleService(t)
	onlySensor, _ := rs.Add(eventRule())

	both := eventRule()
	both.Actions = append(both.Actions, powerAction("sensor", false))
	mixed, _ := rs.Add(both)
	lampOnly := eventRule()
	lampOnly.EventDescriptors = []rules.EventDescriptor{{ThingID: "lamp", EventTypeID: mock.EventMockEvent1}}
	keep, _ := rs.Add(lampOnly)

	if got := rs.FindRules("sensor"); len(got) != 2 {
		t.Fatalf("rules using sensor = %v", got)
	}

	rs.CascadeThingRemoval("sensor")
	if _, code := rs.Rule(onlySensor); code != types.RuleErrorRuleNotFound {
		t.Errorf("rule triggered only by sensor still present")
	}
	if _, code := rs.Rule(mixed); code != types.RuleErrorRuleNotFound {
		t.Errorf("rule without remaining trigger still present")
	}
	if r, code := rs.Rule(keep); !code.OK() || r.ContainsThing("sensor") {
		t.Errorf("unrelated rule = %+v (%s)", r, code)
	}
	if events.count(EventRuleRemoved) != 2 {
		t.Errorf("RuleRemoved events = %d, want 2", events.count(EventRuleRemoved))
	}
}

func TestRuleServiceExecuteActions(t *testing.T) {
	rs, things, _, _ := newRuleService(t)
	id, _ := rs.Add(eventRule())
	if code := rs.ExecuteActions(id, false); !code.OK() {
		t.Fatalf("execute: %s", code)
	}
	if a := things.waitAction(t); a.ThingID != "lamp" {
		t.Errorf("action = %+v", a)
	}
	if code := rs.ExecuteActions("nope", false); code != types.RuleErrorRuleNotFound {
		t.Errorf("unknown rule: %s", code)
	}
}

// blockingBroadcaster holds every notification until released.
type blockingBroadcaster struct {
	release chan struct{}
	got     chan string
}

func (b *blockingBroadcaster) Notify(method string, params any) {
	<-b.release
	b.got <- method
}

func TestNotifierDropsWhenFull(t *testing.T) {
	bus := NewEventBus(testLogger())
	out := &blockingBroadcaster{release: make(chan struct{}), got: make(chan string, 8)}
	n := NewNotifier(bus, out, 2, testLogger())

	for i := 0; i < 5; i++ {
		bus.Emit(Event{Type: EventDeviceRemoved, Data: ThingRemoved{ThingID: "x"}})
	}
	if n.Dropped() != 3 {
		t.Fatalf("dropped = %d, want 3", n.Dropped())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)
	close(out.release)
	for i := 0; i < 2; i++ {
		select {
		case m := <-out.got:
			if m != EventDeviceRemoved {
				t.Errorf("method = %q", m)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("notification not delivered")
		}
	}
}
