//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"thingrpc/internal/core"
	"thingrpc/internal/integration/mock"
	"thingrpc/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeThings struct {
	catalog *types.Catalog
	things  map[string]*types.Thing

	mu       sync.Mutex
	executed []types.Action
}

func newFakeThings(t *testing.T, things ...*types.Thing) *fakeThings {
	t.Helper()
	cat := types.NewCatalog(testLogger())
	if err := cat.Register(mock.Catalog(), mock.PluginID); err != nil {
		t.Fatalf("register catalog: %v", err)
	}
	ft := &fakeThings{catalog: cat, things: make(map[string]*types.Thing)}
	for _, th := range things {
		ft.things[th.ID] = th
	}
	return ft
}

func (f *fakeThings) Catalog() *types.Catalog { return f.catalog }

func (f *fakeThings) Things() []*types.Thing {
	out := make([]*types.Thing, 0, len(f.things))
	for _, t := range f.things {
		out = append(out, t)
	}
	return out
}

func (f *fakeThings) ThingClassOf(thingID string) (types.ThingClass, bool) {
	t, ok := f.things[thingID]
	if !ok {
		return types.ThingClass{}, false
	}
	return f.catalog.ThingClass(t.ThingClassID)
}

func (f *fakeThings) ExecuteAction(_ context.Context, a types.Action) core.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, a)
	return core.Outcome{Code: types.ThingErrorNoError}
}

type published struct {
	topic    string
	payload  string
	retained bool
}

type recorder struct {
	mu   sync.Mutex
	msgs []published
}

func (r *recorder) send(topic string, payload []byte, retained bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, published{topic: topic, payload: string(payload), retained: retained})
}

// last returns the most recent message on topic.
func (r *recorder) last(topic string) (published, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.msgs) - 1; i >= 0; i-- {
		if r.msgs[i].topic == topic {
			return r.msgs[i], true
		}
	}
	return published{}, false
}

func lamp() *types.Thing {
	return &types.Thing{
		ID:           "t1",
		ThingClassID: mock.ClassMock,
		Name:         "Lamp",
		States: []types.State{
			{StateTypeID: mock.StateMockState1, Value: int64(0)},
			{StateTypeID: mock.StateMockPower, Value: false},
		},
	}
}

func newTestBridge(t *testing.T, things ...*types.Thing) (*Bridge, *fakeThings, *recorder, *core.EventBus) {
	t.Helper()
	ft := newFakeThings(t, things...)
	bus := core.NewEventBus(testLogger())
	rec := &recorder{}
	b := newBridge(ft, bus, Config{TopicPrefix: "thingrpc/", Discovery: true}, testLogger())
	b.send = rec.send
	return b, ft, rec, bus
}

func mockClass(t *testing.T, ft *fakeThings, id string) types.ThingClass {
	t.Helper()
	tc, ok := ft.catalog.ThingClass(id)
	if !ok {
		t.Fatalf("class %s missing", id)
	}
	return tc
}

func TestDiscoveryMockThing(t *testing.T) {
	ft := newFakeThings(t)
	msgs := buildDiscovery(lamp(), mockClass(t, ft, mock.ClassMock), "thingrpc", "nymea")
	if len(msgs) != 2 {
		t.Fatalf("got %d discovery messages, want 2", len(msgs))
	}
	topics := extractTopics(msgs)

	var sensor haDiscovery
	if !topics["homeassistant/sensor/thingrpc_t1/state1/config"] {
		t.Fatalf("state1 sensor missing: %v", topics)
	}
	if err := json.Unmarshal(msgs[0].Payload, &sensor); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sensor.Name != "Lamp state1" {
		t.Errorf("name = %q", sensor.Name)
	}
	if sensor.UniqueID != "thingrpc_t1_state1" {
		t.Errorf("unique_id = %q", sensor.UniqueID)
	}
	if sensor.StateTopic != "thingrpc/devices/t1" {
		t.Errorf("state_topic = %q", sensor.StateTopic)
	}
	if sensor.AvailabilityTopic != "thingrpc/bridge/state" {
		t.Errorf("availability_topic = %q", sensor.AvailabilityTopic)
	}
	if sensor.StateClass != "measurement" {
		t.Errorf("state_class = %q", sensor.StateClass)
	}
	if sensor.Device.Manufacturer != "nymea" || sensor.Device.Model != "Mock" {
		t.Errorf("device = %+v", sensor.Device)
	}

	var sw haDiscovery
	if !topics["homeassistant/switch/thingrpc_t1/power/config"] {
		t.Fatalf("power switch missing: %v", topics)
	}
	if err := json.Unmarshal(msgs[1].Payload, &sw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sw.CommandTopic != "thingrpc/devices/t1/set" {
		t.Errorf("command_topic = %q", sw.CommandTopic)
	}
	if sw.PayloadOn != `{"power":true}` || sw.PayloadOff != `{"power":false}` {
		t.Errorf("payloads = %q / %q", sw.PayloadOn, sw.PayloadOff)
	}
}

func TestDiscoveryWithoutStates(t *testing.T) {
	ft := newFakeThings(t)
	th := &types.Thing{ID: "b1", ThingClassID: mock.ClassPushButton}
	if msgs := buildDiscovery(th, mockClass(t, ft, mock.ClassPushButton), "thingrpc", ""); msgs != nil {
		t.Errorf("expected no discovery, got %d", len(msgs))
	}
}

func TestDiscoveryComponents(t *testing.T) {
	tc := types.ThingClass{
		ID:          "c",
		DisplayName: "Door",
		StateTypes: []types.StateType{
			{ID: "s-open", Name: "open", Type: types.TypeBool},
			{ID: "s-mode", Name: "mode", Type: types.TypeString, Writable: true, AllowedValues: []any{"auto", "manual"}},
			{ID: "s-label", Name: "label", Type: types.TypeString},
		},
	}
	th := &types.Thing{ID: "d1", ThingClassID: "c"}
	msgs := buildDiscovery(th, tc, "p", "")
	topics := extractTopics(msgs)
	for _, want := range []string{
		"homeassistant/binary_sensor/thingrpc_d1/open/config",
		"homeassistant/select/thingrpc_d1/mode/config",
		"homeassistant/sensor/thingrpc_d1/label/config",
	} {
		if !topics[want] {
			t.Errorf("missing %s", want)
		}
	}

	var sel haDiscovery
	if err := json.Unmarshal(msgs[1].Payload, &sel); err != nil {
		t.Fatal(err)
	}
	if len(sel.Options) != 2 || sel.Options[1] != "manual" {
		t.Errorf("options = %v", sel.Options)
	}
	if sel.CommandTemplate != `{"mode": "{{ value }}"}` {
		t.Errorf("command_template = %q", sel.CommandTemplate)
	}
	// Unnamed things fall back to the class display name.
	if sel.Name != "Door mode" {
		t.Errorf("name = %q", sel.Name)
	}

	var label haDiscovery
	if err := json.Unmarshal(msgs[2].Payload, &label); err != nil {
		t.Fatal(err)
	}
	if label.StateClass != "" {
		t.Errorf("string sensor has state_class %q", label.StateClass)
	}
}

func TestObjectID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"power", "power"},
		{"Mock Power", "mock_power"},
		{"temp.inside", "temp_inside"},
		{"a-b_c", "a-b_c"},
	}
	for _, tt := range tests {
		if got := objectID(tt.in); got != tt.want {
			t.Errorf("objectID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCommandThingID(t *testing.T) {
	tests := []struct {
		topic  string
		wantID string
		wantOK bool
	}{
		{"thingrpc/devices/t1/set", "t1", true},
		{"thingrpc/devices/t1", "", false},
		{"thingrpc/devices//set", "", false},
		{"thingrpc/devices/a/b/set", "", false},
		{"other/devices/t1/set", "", false},
	}
	for _, tt := range tests {
		id, ok := commandThingID("thingrpc", tt.topic)
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("commandThingID(%q) = %q, %v", tt.topic, id, ok)
		}
	}
}

func TestCommandActions(t *testing.T) {
	ft := newFakeThings(t)
	tc := mockClass(t, ft, mock.ClassMock)

	tests := []struct {
		name    string
		payload string
		want    []string // action type ids
		wantErr bool
	}{
		{"state write by name", `{"power": true}`, []string{mock.StateMockPower}, false},
		{"state write by id", `{"mock-power": false}`, []string{mock.StateMockPower}, false},
		{"action", `{"action": "action1", "params": {"param1": "x"}}`, []string{mock.ActionMockAction1}, false},
		{"read-only state", `{"state1": 3}`, nil, true},
		{"unknown action", `{"action": "nope"}`, nil, true},
		{"bad params", `{"action": "action1", "params": 3}`, nil, true},
		{"not json", `ON`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := parseCommand([]byte(tt.payload))
			var actions []types.Action
			if err == nil {
				actions, err = cmd.actions("t1", tc)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(actions) != len(tt.want) {
				t.Fatalf("got %d actions, want %d", len(actions), len(tt.want))
			}
			for i, a := range actions {
				if a.ActionTypeID != tt.want[i] || a.ThingID != "t1" {
					t.Errorf("action %d = %+v", i, a)
				}
			}
		})
	}

	cmd, _ := parseCommand([]byte(`{"action": "action1", "params": {"param1": "x"}}`))
	actions, _ := cmd.actions("t1", tc)
	if v := actions[0].Params.Value(mock.ActionParamMockParam1); v != "x" {
		t.Errorf("param by name not resolved: %+v", actions[0].Params)
	}
}

func TestBridgeMirrorsEvents(t *testing.T) {
	b, _, rec, bus := newTestBridge(t, lamp())
	b.Start()
	t.Cleanup(b.Stop)

	bus.Emit(core.Event{Type: core.EventDeviceAdded, Data: core.ThingAdded{Thing: lamp()}})
	msg, ok := rec.last("thingrpc/devices/t1")
	if !ok || !msg.retained || msg.payload != `{"power":false,"state1":0}` {
		t.Fatalf("state document = %+v", msg)
	}
	if _, ok := rec.last("thingrpc/devices/t1/info"); !ok {
		t.Error("info not published")
	}
	if _, ok := rec.last("homeassistant/switch/thingrpc_t1/power/config"); !ok {
		t.Error("discovery not published")
	}

	bus.Emit(core.Event{Type: core.EventStateChanged, Data: core.StateChanged{
		ThingID: "t1", StateTypeID: mock.StateMockPower, Value: true,
	}})
	if msg, _ := rec.last("thingrpc/devices/t1"); msg.payload != `{"power":true,"state1":0}` {
		t.Errorf("after state change = %q", msg.payload)
	}

	bus.Emit(core.Event{Type: core.EventEventTriggered, Data: core.EventTriggered{Event: types.Event{
		ThingID: "t1", EventTypeID: mock.EventMockEvent1,
		Params: types.ParamList{{ParamTypeID: mock.EventParamMock1, Value: "hi"}},
	}}})
	msg, ok = rec.last("thingrpc/devices/t1/events/event1")
	if !ok || msg.retained || msg.payload != `{"param1":"hi"}` {
		t.Errorf("event = %+v", msg)
	}

	// State changes arrive as events named after the state.
	bus.Emit(core.Event{Type: core.EventEventTriggered, Data: core.EventTriggered{Event: types.Event{
		ThingID: "t1", EventTypeID: mock.StateMockPower,
		Params: types.ParamList{{ParamTypeID: mock.StateMockPower, Value: true}},
	}}})
	if msg, ok := rec.last("thingrpc/devices/t1/events/power"); !ok || msg.payload != `{"power":true}` {
		t.Errorf("state event = %+v", msg)
	}

	bus.Emit(core.Event{Type: core.EventRuleActiveChanged, Data: core.RuleActiveChanged{RuleID: "r1", Active: true}})
	if msg, _ := rec.last("thingrpc/rules/r1/active"); msg.payload != "true" || !msg.retained {
		t.Errorf("rule active = %+v", msg)
	}

	bus.Emit(core.Event{Type: core.EventDeviceRemoved, Data: core.ThingRemoved{ThingID: "t1"}})
	for _, topic := range []string{
		"thingrpc/devices/t1",
		"thingrpc/devices/t1/info",
		"homeassistant/switch/thingrpc_t1/power/config",
		"homeassistant/sensor/thingrpc_t1/state1/config",
	} {
		if msg, _ := rec.last(topic); msg.payload != "" || !msg.retained {
			t.Errorf("%s not cleared: %+v", topic, msg)
		}
	}
}

func TestBridgeWithoutDiscovery(t *testing.T) {
	ft := newFakeThings(t, lamp())
	rec := &recorder{}
	b := newBridge(ft, core.NewEventBus(testLogger()), Config{}, testLogger())
	b.send = rec.send

	b.publishAll()
	if _, ok := rec.last("thingrpc/devices/t1"); !ok {
		t.Fatal("default prefix not used")
	}
	if _, ok := rec.last("homeassistant/switch/thingrpc_t1/power/config"); ok {
		t.Error("discovery published while disabled")
	}
}

func TestHandleCommand(t *testing.T) {
	b, ft, _, _ := newTestBridge(t, lamp())

	b.handleCommand("t1", []byte(`{"power": true}`))
	b.handleCommand("t1", []byte(`{"state1": 1}`))
	b.handleCommand("ghost", []byte(`{"power": true}`))

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.executed) != 1 {
		t.Fatalf("executed %d actions, want 1", len(ft.executed))
	}
	a := ft.executed[0]
	if a.ActionTypeID != mock.StateMockPower || a.Params.Value(mock.StateMockPower) != true {
		t.Errorf("action = %+v", a)
	}
}

func extractTopics(msgs []discoveryMsg) map[string]bool {
	topics := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		topics[m.Topic] = true
	}
	return topics
}
