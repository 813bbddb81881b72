package core

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"thingrpc/internal/integration/mock"
	"thingrpc/internal/jsonrpc"
	"thingrpc/internal/rules"
	"thingrpc/internal/types"
)

type server struct {
	*fixture
	rules *RuleService
	conn  *jsonrpc.Conn
}

func newServer(t *testing.T) *server {
	t.Helper()
	f := newFixture(t)
	rs := NewRuleService(f.things, f.store, f.bus, nil, testLogger())
	if err := rs.Start(); err != nil {
		t.Fatalf("rules: %v", err)
	}
	t.Cleanup(rs.Stop)
	if _, err := f.store.ImportVendors(map[string]string{"00:1A:2B": "Acme"}); err != nil {
		t.Fatalf("ImportVendors: %v", err)
	}

	srv := jsonrpc.NewServer(jsonrpc.ServerInfo{Server: "thingd", Name: "test", Version: "0.1.0"},
		jsonrpc.WithServerLogger(testLogger()))
	RegisterAll(srv, f.things, rs, f.store)

	ctx, cancel := context.WithCancel(context.Background())
	notifier := NewNotifier(f.bus, srv, 0, testLogger())
	go notifier.Run(ctx)

	a, b := net.Pipe()
	done := make(chan struct{})
	go func() {
		srv.ServeConn(ctx, a)
		close(done)
	}()
	c := jsonrpc.NewConn(b, jsonrpc.WithLogger(testLogger()))
	if err := c.Start(testCtx(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		cancel()
		<-done
	})
	return &server{fixture: f, rules: rs, conn: c}
}

func (s *server) call(t *testing.T, method string, params any, out any) {
	t.Helper()
	if err := s.conn.Request(testCtx(t), method, params, out); err != nil {
		t.Fatalf("%s: %v", method, err)
	}
}

type deviceReply struct {
	DeviceError    types.ThingError `json:"deviceError"`
	DisplayMessage string           `json:"displayMessage"`
	DeviceID       string           `json:"deviceId"`
	RuleIDs        []string         `json:"ruleIds"`
}

func (s *server) addDevice(t *testing.T, name string) string {
	t.Helper()
	var reply deviceReply
	s.call(t, "Devices.AddConfiguredDevice", map[string]any{"deviceClassId": mock.ClassMock, "name": name}, &reply)
	if reply.DeviceError != types.ThingErrorNoError || reply.DeviceID == "" {
		t.Fatalf("add: %+v", reply)
	}
	return reply.DeviceID
}

func TestDevicesAddAndList(t *testing.T) {
	s := newServer(t)
	added := make(chan jsonrpc.Notification, 4)
	s.conn.OnNotification("Devices.DeviceAdded", func(n jsonrpc.Notification) { added <- n })

	id := s.addDevice(t, "Lamp")

	var list struct {
		Devices []types.Thing `json:"devices"`
	}
	s.call(t, "Devices.GetConfiguredDevices", nil, &list)
	if len(list.Devices) != 1 || list.Devices[0].ID != id || list.Devices[0].Name != "Lamp" {
		t.Fatalf("devices = %+v", list.Devices)
	}
	s.call(t, "Devices.GetConfiguredDevices", map[string]any{"deviceId": "nope"}, &list)
	if len(list.Devices) != 0 {
		t.Errorf("unknown device listed: %+v", list.Devices)
	}

	select {
	case n := <-added:
		var p struct {
			Device types.Thing `json:"device"`
		}
		if err := n.Decode(&p); err != nil || p.Device.ID != id {
			t.Errorf("DeviceAdded = %+v (%v)", p, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no DeviceAdded notification")
	}
}

func TestDevicesErrors(t *testing.T) {
	s := newServer(t)
	tests := []struct {
		method string
		params map[string]any
		want   types.ThingError
	}{
		{"Devices.AddConfiguredDevice", map[string]any{"deviceClassId": "nope"}, types.ThingErrorThingClassNotFound},
		{"Devices.PairDevice", map[string]any{"deviceClassId": mock.ClassMock}, types.ThingErrorSetupMethodNotSupported},
		{"Devices.ConfirmPairing", map[string]any{"pairingTransactionId": "nope"}, types.ThingErrorPairingTransactionIdNotFound},
		{"Devices.RemoveConfiguredDevice", map[string]any{"deviceId": "nope"}, types.ThingErrorThingNotFound},
		{"Devices.GetStateValues", map[string]any{"deviceId": "nope"}, types.ThingErrorThingNotFound},
		{"Devices.GetSupportedDevices", map[string]any{"vendorId": "nope"}, types.ThingErrorVendorNotFound},
		{"Devices.GetPluginConfiguration", map[string]any{"pluginId": "nope"}, types.ThingErrorPluginNotFound},
		{"Actions.ExecuteAction", map[string]any{"deviceId": "nope", "actionTypeId": mock.ActionMockAction1}, types.ThingErrorThingNotFound},
		{"Actions.GetActionType", map[string]any{"actionTypeId": "nope"}, types.ThingErrorActionTypeNotFound},
		{"Events.GetEventType", map[string]any{"eventTypeId": "nope"}, types.ThingErrorEventTypeNotFound},
		{"States.GetStateType", map[string]any{"stateTypeId": "nope"}, types.ThingErrorStateTypeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			var reply deviceReply
			s.call(t, tt.method, tt.params, &reply)
			if reply.DeviceError != tt.want {
				t.Errorf("deviceError = %s, want %s", reply.DeviceError, tt.want)
			}
		})
	}
}

func TestDevicesInvalidParams(t *testing.T) {
	s := newServer(t)
	err := s.conn.Request(testCtx(t), "Devices.AddConfiguredDevice", map[string]any{"name": "x"}, nil)
	var se *jsonrpc.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	err = s.conn.Request(testCtx(t), "Devices.RemoveConfiguredDevice", map[string]any{"deviceId": "x", "removePolicy": "Whatever"}, nil)
	if !errors.As(err, &se) {
		t.Fatalf("bad policy err = %v, want StatusError", err)
	}
}

func TestDevicesPairingFlow(t *testing.T) {
	s := newServer(t)
	var started struct {
		DeviceError   types.ThingError  `json:"deviceError"`
		TransactionID string            `json:"pairingTransactionId"`
		Message       string            `json:"displayMessage"`
		SetupMethod   types.SetupMethod `json:"setupMethod"`
	}
	s.call(t, "Devices.PairDevice", map[string]any{"deviceClassId": mock.ClassDiscoveryPairing, "name": "Door"}, &started)
	if started.DeviceError != types.ThingErrorNoError || started.TransactionID == "" || started.Message != mock.PairingMessageUser {
		t.Fatalf("started = %+v", started)
	}

	var confirmed deviceReply
	s.call(t, "Devices.ConfirmPairing", map[string]any{
		"pairingTransactionId": started.TransactionID, "username": "john", "secret": "smith",
	}, &confirmed)
	if confirmed.DeviceError != types.ThingErrorNoError || confirmed.DeviceID == "" {
		t.Fatalf("confirmed = %+v", confirmed)
	}
}

func TestDevicesDiscovery(t *testing.T) {
	s := newServer(t)
	var found struct {
		DeviceError types.ThingError        `json:"deviceError"`
		Descriptors []types.ThingDescriptor `json:"deviceDescriptors"`
	}
	s.call(t, "Devices.GetDiscoveredDevices", map[string]any{
		"deviceClassId":   mock.ClassJustAdd,
		"discoveryParams": []map[string]any{{"paramTypeId": mock.ParamResultCount, "value": 1}},
	}, &found)
	if found.DeviceError != types.ThingErrorNoError || len(found.Descriptors) != 1 {
		t.Fatalf("discovery = %+v", found)
	}

	var added deviceReply
	s.call(t, "Devices.AddConfiguredDevice", map[string]any{"deviceDescriptorId": found.Descriptors[0].ID}, &added)
	if added.DeviceError != types.ThingErrorNoError {
		t.Fatalf("add discovered: %+v", added)
	}
}

func TestDevicesStates(t *testing.T) {
	s := newServer(t)
	id := s.addDevice(t, "Lamp")

	var exec deviceReply
	s.call(t, "Actions.ExecuteAction", map[string]any{
		"deviceId": id, "actionTypeId": mock.StateMockPower,
		"params": []map[string]any{{"paramTypeId": mock.StateMockPower, "value": true}},
	}, &exec)
	if exec.DeviceError != types.ThingErrorNoError {
		t.Fatalf("execute: %+v", exec)
	}

	var state struct {
		DeviceError types.ThingError `json:"deviceError"`
		Value       any              `json:"value"`
	}
	s.call(t, "Devices.GetStateValue", map[string]any{"deviceId": id, "stateTypeId": mock.StateMockPower}, &state)
	if state.DeviceError != types.ThingErrorNoError || state.Value != true {
		t.Errorf("power = %+v", state)
	}
	s.call(t, "Devices.GetStateValue", map[string]any{"deviceId": id, "stateTypeId": "nope"}, &state)
	if state.DeviceError != types.ThingErrorStateTypeNotFound {
		t.Errorf("unknown state: %s", state.DeviceError)
	}

	var values struct {
		Values []types.State `json:"values"`
	}
	s.call(t, "Devices.GetStateValues", map[string]any{"deviceId": id}, &values)
	if len(values.Values) != 2 {
		t.Errorf("values = %+v", values.Values)
	}
}

func TestRemoveDeviceInRule(t *testing.T) {
	s := newServer(t)
	sensor := s.addDevice(t, "Sensor")
	lamp := s.addDevice(t, "Lamp")

	var added struct {
		RuleError types.RuleError `json:"ruleError"`
		RuleID    string          `json:"ruleId"`
	}
	s.call(t, "Rules.AddRule", map[string]any{
		"name":            "button",
		"eventDescriptor": rules.EventDescriptor{ThingID: sensor, EventTypeID: mock.EventMockEvent1},
		"actions":         []rules.RuleAction{powerAction(lamp, true)},
	}, &added)
	if added.RuleError != types.RuleErrorNoError || added.RuleID == "" {
		t.Fatalf("add rule: %+v", added)
	}

	var refused deviceReply
	s.call(t, "Devices.RemoveConfiguredDevice", map[string]any{"deviceId": sensor}, &refused)
	if refused.DeviceError != types.ThingErrorThingInRule || len(refused.RuleIDs) != 1 || refused.RuleIDs[0] != added.RuleID {
		t.Fatalf("refused = %+v", refused)
	}
	if _, found := s.things.Thing(sensor); !found {
		t.Fatal("device removed despite rule")
	}

	var removed deviceReply
	s.call(t, "Devices.RemoveConfiguredDevice", map[string]any{"deviceId": sensor, "removePolicy": RemovePolicyCascade}, &removed)
	if removed.DeviceError != types.ThingErrorNoError {
		t.Fatalf("cascade remove: %+v", removed)
	}
	var details struct {
		RuleError types.RuleError `json:"ruleError"`
	}
	s.call(t, "Rules.GetRuleDetails", map[string]any{"ruleId": added.RuleID}, &details)
	if details.RuleError != types.RuleErrorRuleNotFound {
		t.Errorf("rule left behind: %s", details.RuleError)
	}
}

func TestRulesNamespace(t *testing.T) {
	s := newServer(t)
	sensor := s.addDevice(t, "Sensor")

	var added struct {
		RuleError types.RuleError `json:"ruleError"`
		RuleID    string          `json:"ruleId"`
	}
	s.call(t, "Rules.AddRule", map[string]any{
		"eventDescriptor":     rules.EventDescriptor{ThingID: sensor, EventTypeID: mock.EventMockEvent1},
		"eventDescriptorList": []rules.EventDescriptor{{ThingID: sensor, EventTypeID: mock.EventMockEvent1}},
		"actions":             []rules.RuleAction{powerAction(sensor, true)},
	}, &added)
	if added.RuleError != types.RuleErrorInvalidRuleFormat {
		t.Fatalf("both descriptor forms: %s", added.RuleError)
	}

	s.call(t, "Rules.AddRule", map[string]any{
		"name":            "self",
		"enabled":         false,
		"eventDescriptor": rules.EventDescriptor{ThingID: sensor, EventTypeID: mock.EventMockEvent1},
		"actions":         []rules.RuleAction{powerAction(sensor, true)},
	}, &added)
	if added.RuleError != types.RuleErrorNoError {
		t.Fatalf("add: %s", added.RuleError)
	}

	var list struct {
		Rules []ruleDescription `json:"ruleDescriptions"`
	}
	s.call(t, "Rules.GetRules", nil, &list)
	if len(list.Rules) != 1 || list.Rules[0].Enabled || !list.Rules[0].Executable {
		t.Fatalf("rules = %+v", list.Rules)
	}

	var code struct {
		RuleError types.RuleError `json:"ruleError"`
	}
	for _, m := range []string{"Rules.EnableRule", "Rules.ExecuteActions", "Rules.DisableRule", "Rules.RemoveRule"} {
		s.call(t, m, map[string]any{"ruleId": added.RuleID}, &code)
		if code.RuleError != types.RuleErrorNoError {
			t.Errorf("%s: %s", m, code.RuleError)
		}
	}
	s.call(t, "Rules.ExecuteExitActions", map[string]any{"ruleId": added.RuleID}, &code)
	if code.RuleError != types.RuleErrorRuleNotFound {
		t.Errorf("removed rule: %s", code.RuleError)
	}
	s.call(t, "Rules.RemoveRule", map[string]any{}, &code)
	if code.RuleError != types.RuleErrorInvalidRuleId {
		t.Errorf("empty id: %s", code.RuleError)
	}
}

func TestVendorsLookupMac(t *testing.T) {
	s := newServer(t)
	var reply struct {
		Found  bool   `json:"found"`
		Vendor string `json:"vendor"`
	}
	s.call(t, "Vendors.LookupMac", map[string]any{"mac": "00-1a-2b-cc-dd-ee"}, &reply)
	if !reply.Found || reply.Vendor != "Acme" {
		t.Errorf("lookup = %+v", reply)
	}
	reply.Found = false
	s.call(t, "Vendors.LookupMac", map[string]any{"mac": "ff:ff:ff:00:00:00"}, &reply)
	if reply.Found {
		t.Errorf("unknown prefix found: %+v", reply)
	}
}

func TestIntrospectListsNamespaces(t *testing.T) {
	s := newServer(t)
	var intro struct {
		Methods       map[string]any `json:"methods"`
		Notifications map[string]any `json:"notifications"`
		Types         map[string]any `json:"types"`
	}
	s.call(t, "JSONRPC.Introspect", nil, &intro)
	for _, m := range []string{"Devices.PairDevice", "Actions.ExecuteAction", "Rules.AddRule", "Vendors.LookupMac", "States.GetStateType"} {
		if _, ok := intro.Methods[m]; !ok {
			t.Errorf("method %s not introspected", m)
		}
	}
	for _, n := range []string{"Devices.StateChanged", "Events.EventTriggered", "Rules.RuleActiveChanged"} {
		if _, ok := intro.Notifications[n]; !ok {
			t.Errorf("notification %s not introspected", n)
		}
	}
	if _, ok := intro.Types["DeviceError"]; !ok {
		t.Error("DeviceError type missing")
	}
}
