package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"thingrpc/internal/rules"
	"thingrpc/internal/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetThing(t *testing.T) {
	s := newTestStore(t)

	th := &types.Thing{
		ID:           "3f2a",
		ThingClassID: "mock",
		Name:         "Kitchen",
		Params:       types.ParamList{{ParamTypeID: "host", Value: "10.0.0.2"}},
		States:       []types.State{{StateTypeID: "power", Value: true}},
		SetupStatus:  types.SetupStatusComplete,
		CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.SaveThing(th); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetThing(th.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != th.Name || got.ThingClassID != th.ThingClassID {
		t.Errorf("got %+v", got)
	}
	if got.Params.Value("host") != "10.0.0.2" {
		t.Errorf("param host = %v", got.Params.Value("host"))
	}
	if got.StateValue("power") != true {
		t.Errorf("state power = %v", got.StateValue("power"))
	}
	if !got.CreatedAt.Equal(th.CreatedAt) {
		t.Errorf("created = %v, want %v", got.CreatedAt, th.CreatedAt)
	}
}

func TestDeleteAndListThings(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.SaveThing(&types.Thing{ID: id, ThingClassID: "mock"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.DeleteThing("b"); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListThings()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("list count = %d, want 2", len(list))
	}
	if _, err := s.GetThing("b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted thing: err = %v", err)
	}
}

func TestUpdateThing(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveThing(&types.Thing{ID: "a", Name: "old"}); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateThing("a", func(th *types.Thing) error {
		th.Name = "new"
		th.Settings.Set("interval", int64(10))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetThing("a")
	if got.Name != "new" || got.Settings.Value("interval") != float64(10) {
		t.Fatalf("got %+v", got)
	}

	boom := errors.New("boom")
	if err := s.UpdateThing("a", func(*types.Thing) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("fn error = %v", err)
	}
	if err := s.UpdateThing("missing", func(*types.Thing) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing = %v", err)
	}
}

func TestRules(t *testing.T) {
	s := newTestStore(t)
	r := &rules.Rule{
		ID:      "r1",
		Name:    "night light",
		Enabled: true,
		EventDescriptors: []rules.EventDescriptor{{
			ThingID:     "button",
			EventTypeID: "pressed",
			ParamDescriptors: []rules.ParamDescriptor{
				{ParamTypeID: "count", Value: 2, Operator: rules.ValueOperatorGreaterOrEqual},
			},
		}},
		StateEvaluator: &rules.StateEvaluator{
			Operator:        rules.StateOperatorAnd,
			StateDescriptor: &rules.StateDescriptor{ThingID: "lamp", StateTypeID: "power", Value: false, Operator: rules.ValueOperatorEquals},
		},
		Actions: []rules.RuleAction{{ThingID: "lamp", ActionTypeID: "power", Params: []rules.RuleActionParam{{ParamTypeID: "power", Value: true}}}},
	}
	if err := s.SaveRule(r); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListRules()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("rules = %d", len(list))
	}
	got := list[0]
	if got.Name != r.Name || !got.Enabled || len(got.EventDescriptors) != 1 {
		t.Fatalf("rule = %+v", got)
	}
	if got.EventDescriptors[0].ParamDescriptors[0].Operator != rules.ValueOperatorGreaterOrEqual {
		t.Fatalf("operator = %v", got.EventDescriptors[0].ParamDescriptors[0].Operator)
	}
	if got.StateEvaluator == nil || got.StateEvaluator.StateDescriptor.ThingID != "lamp" {
		t.Fatalf("evaluator = %+v", got.StateEvaluator)
	}

	if err := s.DeleteRule("r1"); err != nil {
		t.Fatal(err)
	}
	if list, _ := s.ListRules(); len(list) != 0 {
		t.Fatalf("rules after delete = %d", len(list))
	}
}

func TestPluginConfig(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.PluginConfig("mock"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty config: %v", err)
	}
	if err := s.SavePluginConfig("mock", types.ParamList{{ParamTypeID: "count", Value: int64(3)}}); err != nil {
		t.Fatal(err)
	}
	got, err := s.PluginConfig("mock")
	if err != nil {
		t.Fatal(err)
	}
	if got.Value("count") != float64(3) {
		t.Fatalf("count = %#v", got.Value("count"))
	}
}

func TestVendorLookup(t *testing.T) {
	s := newTestStore(t)
	n, err := s.ImportVendors(map[string]string{
		"00:1A:22": "eQ-3",
		"b8-27-eb": "Raspberry Pi Foundation",
		"001788":   "Philips Lighting",
	})
	if err != nil || n != 3 {
		t.Fatalf("import: %d, %v", n, err)
	}

	tests := []struct {
		mac  string
		want string
		err  error
	}{
		{"00:1a:22:0b:33:44", "eQ-3", nil},
		{"B8:27:EB:12:34:56", "Raspberry Pi Foundation", nil},
		{"0017.8801.0203", "Philips Lighting", nil},
		{"AA:BB:CC:00:00:00", "", ErrNotFound},
	}
	for _, tt := range tests {
		got, err := s.VendorLookup(tt.mac)
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Errorf("lookup %s: err = %v, want %v", tt.mac, err, tt.err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("lookup %s = %q, %v; want %q", tt.mac, got, err, tt.want)
		}
	}

	if _, err := s.VendorLookup("zz:zz"); err == nil {
		t.Error("invalid mac accepted")
	}
	if _, err := s.ImportVendors(map[string]string{"12": "short"}); err == nil {
		t.Error("short prefix accepted")
	}
}

func TestNormalizeOUI(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"00:1a:22", "001A22", true},
		{" 00-1A-22-FF-FF-FF ", "001A22", true},
		{"001A", "", false},
		{"00:1G:22", "", false},
	}
	for _, tt := range tests {
		got, err := NormalizeOUI(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("NormalizeOUI(%q) = %q, %v", tt.in, got, err)
		}
	}
}
