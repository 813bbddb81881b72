package mock

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"thingrpc/internal/integration"
	"thingrpc/internal/types"
)

type sink struct {
	mu       sync.Mutex
	appeared int
	gone     int
	events   []types.Event
}

func (s *sink) ThingsAppeared(_ string, things []*integration.Thing) {
	s.mu.Lock()
	s.appeared += len(things)
	s.mu.Unlock()
}

func (s *sink) ThingDisappeared(string, *integration.Thing) {
	s.mu.Lock()
	s.gone++
	s.mu.Unlock()
}

func (s *sink) StateChanged(*integration.Thing, string, any) {}

func (s *sink) EventEmitted(ev types.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *sink) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newHost(t *testing.T, cfg Config, config types.ParamList) (*integration.Host, *sink) {
	t.Helper()
	s := &sink{}
	h := integration.NewHost(New(cfg), s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := h.Start(context.Background(), config); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(h.Stop)
	return h, s
}

func TestDiscovery(t *testing.T) {
	h, _ := newHost(t, Config{}, nil)
	ctx := context.Background()

	descs, out := h.Discover(ctx, ClassJustAdd, types.ParamList{{ParamTypeID: ParamResultCount, Value: int64(3)}})
	if !out.OK() {
		t.Fatalf("discover: %+v", out)
	}
	if len(descs) != 3 {
		t.Fatalf("got %d descriptors, want 3", len(descs))
	}
	if descs[1].Title != "Mock thing 1" || descs[1].ThingClassID != ClassJustAdd {
		t.Fatalf("descriptor = %+v", descs[1])
	}

	// Existing things are offered again with their id.
	if _, out := h.SetupThing(ctx, &types.Thing{ID: "existing", ThingClassID: ClassJustAdd, Name: "Kitchen"}); !out.OK() {
		t.Fatalf("setup: %+v", out)
	}
	descs, _ = h.Discover(ctx, ClassJustAdd, types.ParamList{{ParamTypeID: ParamResultCount, Value: int64(1)}})
	if len(descs) != 2 || descs[1].ThingID != "existing" || descs[1].Title != "Kitchen" {
		t.Fatalf("descriptors = %+v", descs)
	}
}

func TestDiscoveryCancelled(t *testing.T) {
	h, _ := newHost(t, Config{DiscoveryDelay: time.Hour}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, out := h.Discover(ctx, ClassJustAdd, nil)
	if out.Code != types.ThingErrorTimeout {
		t.Fatalf("code = %s", out.Code)
	}
}

func TestPairing(t *testing.T) {
	h, _ := newHost(t, Config{}, nil)
	ctx := context.Background()
	req := integration.PairingRequest{TransactionID: "txn", ThingClassID: ClassDiscoveryPairing, ThingName: "p"}

	out := h.StartPairing(ctx, req)
	if !out.OK() || out.Message != PairingMessageUser {
		t.Fatalf("start pairing: %+v", out)
	}

	tests := []struct {
		user, secret string
		want         types.ThingError
	}{
		{"john", "smith", types.ThingErrorNoError},
		{"john", "wrong", types.ThingErrorAuthenticationFailure},
		{"", "", types.ThingErrorAuthenticationFailure},
	}
	for _, tt := range tests {
		out := h.ConfirmPairing(ctx, req, tt.user, tt.secret)
		if out.Code != tt.want {
			t.Errorf("confirm(%q, %q) = %s, want %s", tt.user, tt.secret, out.Code, tt.want)
		}
		if !out.OK() && out.Message != PairingFailedMessage {
			t.Errorf("message = %q", out.Message)
		}
	}

	pb := integration.PairingRequest{TransactionID: "txn2", ThingClassID: ClassPushButton}
	if out := h.StartPairing(ctx, pb); out.Message != PairingMessageButton {
		t.Fatalf("push button message = %q", out.Message)
	}
	if out := h.ConfirmPairing(ctx, pb, "", ""); !out.OK() {
		t.Fatalf("push button confirm: %+v", out)
	}
}

func TestAutoThingsFollowConfig(t *testing.T) {
	h, s := newHost(t, Config{}, types.ParamList{{ParamTypeID: ConfigAutoThingCount, Value: int64(2)}})
	ctx := context.Background()

	if err := h.StartMonitoringAutoThings(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(h.Context().ThingsOfClass(ClassAuto)); n != 2 {
		t.Fatalf("auto things = %d, want 2", n)
	}

	if err := h.SetConfigValue(ctx, ConfigAutoThingCount, 5); err != nil {
		t.Fatal(err)
	}
	if n := len(h.Context().ThingsOfClass(ClassAuto)); n != 5 {
		t.Fatalf("auto things = %d, want 5", n)
	}
	if err := h.SetConfigValue(ctx, ConfigAutoThingCount, 1); err != nil {
		t.Fatal(err)
	}
	if n := len(h.Context().ThingsOfClass(ClassAuto)); n != 1 {
		t.Fatalf("auto things = %d, want 1", n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appeared != 5 || s.gone != 4 {
		t.Fatalf("appeared %d gone %d", s.appeared, s.gone)
	}
}

func TestTimerEmitsEventsAndCounts(t *testing.T) {
	h, s := newHost(t, Config{PollInterval: 5 * time.Millisecond}, nil)
	ctx := context.Background()
	th, out := h.SetupThing(ctx, &types.Thing{ID: "m1", ThingClassID: ClassMock, Name: "Mock"})
	if !out.OK() {
		t.Fatalf("setup: %+v", out)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.eventCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("no events emitted")
		}
		time.Sleep(2 * time.Millisecond)
	}
	s.mu.Lock()
	ev := s.events[0]
	s.mu.Unlock()
	if ev.ThingID != "m1" || ev.EventTypeID != EventMockEvent1 || ev.Params.Value(EventParamMock1) != "Im an event" {
		t.Fatalf("event = %+v", ev)
	}
	if n, _ := types.Number(th.StateValue(StateMockState1)); n < 1 {
		t.Fatalf("state1 = %v", th.StateValue(StateMockState1))
	}

	if err := h.RemoveThing(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	after := s.eventCount()
	time.Sleep(30 * time.Millisecond)
	if s.eventCount() != after {
		t.Fatal("events after the last thing was removed")
	}
}

func TestExecuteAction(t *testing.T) {
	h, _ := newHost(t, Config{}, nil)
	ctx := context.Background()
	th, _ := h.SetupThing(ctx, &types.Thing{ID: "m1", ThingClassID: ClassMock, Name: "Mock"})

	out := h.ExecuteAction(ctx, "m1", types.Action{ActionTypeID: ActionMockAction1, Params: types.ParamList{
		{ParamTypeID: ActionParamMockParam1, Value: "hello"},
	}})
	if !out.OK() {
		t.Fatalf("action: %+v", out)
	}

	out = h.ExecuteAction(ctx, "m1", types.Action{ActionTypeID: StateMockPower, Params: types.ParamList{
		{ParamTypeID: StateMockPower, Value: true},
	}})
	if !out.OK() || th.StateValue(StateMockPower) != true {
		t.Fatalf("power write: %+v, state %v", out, th.StateValue(StateMockPower))
	}
}

func TestBrowse(t *testing.T) {
	h, _ := newHost(t, Config{}, nil)
	ctx := context.Background()
	h.SetupThing(ctx, &types.Thing{ID: "m1", ThingClassID: ClassMock, Name: "Mock"})

	root, out := h.Browse(ctx, "m1", "")
	if !out.OK() || len(root) != 6 {
		t.Fatalf("root: %d items, %+v", len(root), out)
	}
	if !root[0].Browsable || !root[1].Executable || !root[4].Disabled || root[5].ID != "favorites" {
		t.Fatalf("root items = %+v", root)
	}
	sub, _ := h.Browse(ctx, "m1", "001")
	if len(sub) != 1 || sub[0].DisplayName != "Item in subdir" {
		t.Fatalf("subdir = %+v", sub)
	}
	if out := h.ExecuteBrowserItem(ctx, "m1", "002"); out.Code != types.ThingErrorUnsupportedFeature {
		t.Fatalf("execute item = %s", out.Code)
	}
}

func TestSettingChangesInterval(t *testing.T) {
	h, _ := newHost(t, Config{}, nil)
	ctx := context.Background()
	h.SetupThing(ctx, &types.Thing{ID: "m1", ThingClassID: ClassMock, Name: "Mock"})
	if err := h.SetThingSetting(ctx, "m1", SettingInterval, 0); err == nil {
		t.Fatal("interval below minimum accepted")
	}
	if err := h.SetThingSetting(ctx, "m1", SettingInterval, 2); err != nil {
		t.Fatal(err)
	}
}
