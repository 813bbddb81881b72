package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"nhooyr.io/websocket"

	"thingrpc/internal/core"
	"thingrpc/internal/integration/mock"
	"thingrpc/internal/jsonrpc"
	"thingrpc/internal/metrics"
	"thingrpc/internal/rules"
	"thingrpc/internal/store"
	"thingrpc/internal/transport"
	"thingrpc/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type fixture struct {
	srv    *Server
	things *core.ThingManager
	rules  *core.RuleService
}

func setupTestServer(t *testing.T, opts ...ServerOption) *fixture {
	t.Helper()
	logger := testLogger()

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	bus := core.NewEventBus(logger)
	things := core.NewThingManager(types.NewCatalog(logger), db, bus, logger)
	if err := things.AddIntegration(mock.New(mock.Config{PollInterval: time.Hour})); err != nil {
		t.Fatal(err)
	}
	if err := things.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(things.Stop)

	reg := prometheus.NewRegistry()
	m, err := metrics.NewProtocol(reg, "server")
	if err != nil {
		t.Fatal(err)
	}
	rs := core.NewRuleService(things, db, bus, m, logger)
	if err := rs.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(rs.Stop)

	rpc := jsonrpc.NewServer(jsonrpc.ServerInfo{Server: "thingd", Name: "test", Version: "1.2.3"},
		jsonrpc.WithServerLogger(logger), jsonrpc.WithServerMetrics(m))
	core.RegisterAll(rpc, things, rs, db)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	protocol := transport.NewWebSocketHandler(ctx, func(ctx context.Context, rwc io.ReadWriteCloser) {
		_ = rpc.ServeConn(ctx, rwc)
	}, logger, nil)

	all := append([]ServerOption{
		WithVersion("1.2.3"),
		WithProtocol(protocol),
		WithMetrics(metrics.Handler(reg)),
		WithRules(rs),
	}, opts...)
	srv := NewServer(things, bus, logger, all...)
	t.Cleanup(srv.Stop)

	return &fixture{srv: srv, things: things, rules: rs}
}

func (f *fixture) addLamp(t *testing.T, name string) string {
	t.Helper()
	id, out := f.things.AddConfiguredThing(testCtx(t), core.AddRequest{ThingClassID: mock.ClassMock, Name: name})
	if !out.OK() {
		t.Fatalf("add thing: %s %s", out.Code, out.Message)
	}
	return id
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestAPIListDevices(t *testing.T) {
	f := setupTestServer(t)
	f.addLamp(t, "Kitchen")
	f.addLamp(t, "Hall")

	w := f.do(t, "GET", "/api/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var things []types.Thing
	decode(t, w, &things)
	if len(things) != 2 {
		t.Errorf("device count = %d, want 2", len(things))
	}
}

func TestAPIGetDevice(t *testing.T) {
	f := setupTestServer(t)
	id := f.addLamp(t, "Kitchen")

	w := f.do(t, "GET", "/api/devices/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var th types.Thing
	decode(t, w, &th)
	if th.ID != id || th.Name != "Kitchen" || th.ThingClassID != mock.ClassMock {
		t.Errorf("thing = %+v", th)
	}

	if w := f.do(t, "GET", "/api/devices/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown device: status = %d", w.Code)
	}
}

func TestAPIExecuteAction(t *testing.T) {
	f := setupTestServer(t)
	id := f.addLamp(t, "Kitchen")

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   types.ThingError
	}{
		{"write power", "/api/devices/" + id + "/actions",
			`{"actionTypeId":"mock-power","params":[{"paramTypeId":"mock-power","value":true}]}`,
			http.StatusOK, types.ThingErrorNoError},
		{"unknown device", "/api/devices/nope/actions",
			`{"actionTypeId":"mock-power","params":[{"paramTypeId":"mock-power","value":true}]}`,
			http.StatusNotFound, types.ThingErrorThingNotFound},
		{"unknown action", "/api/devices/" + id + "/actions",
			`{"actionTypeId":"bogus"}`, http.StatusNotFound, types.ThingErrorActionTypeNotFound},
		{"bad value", "/api/devices/" + id + "/actions",
			`{"actionTypeId":"mock-power","params":[{"paramTypeId":"mock-power","value":"maybe"}]}`,
			http.StatusBadRequest, types.ThingErrorInvalidParameter},
		{"missing action type", "/api/devices/" + id + "/actions", `{}`, http.StatusBadRequest, ""},
		{"bad body", "/api/devices/" + id + "/actions", `{`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, "POST", tt.path, tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
			if tt.code == "" {
				return
			}
			var resp struct {
				DeviceError types.ThingError `json:"deviceError"`
			}
			decode(t, w, &resp)
			if resp.DeviceError != tt.code {
				t.Errorf("deviceError = %s, want %s", resp.DeviceError, tt.code)
			}
		})
	}
}

func TestThingStatus(t *testing.T) {
	tests := []struct {
		code types.ThingError
		want int
	}{
		{types.ThingErrorNoError, http.StatusOK},
		{types.ThingErrorPluginNotFound, http.StatusNotFound},
		{types.ThingErrorMissingParameter, http.StatusBadRequest},
		{types.ThingErrorHardwareNotAvailable, http.StatusServiceUnavailable},
		{types.ThingErrorTimeout, http.StatusGatewayTimeout},
		{types.ThingErrorThingInRule, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		if got := thingStatus(tt.code); got != tt.want {
			t.Errorf("thingStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestAPIRules(t *testing.T) {
	f := setupTestServer(t)
	id := f.addLamp(t, "Kitchen")

	ruleID, code := f.rules.Add(&rules.Rule{
		Name:             "echo",
		Enabled:          true,
		EventDescriptors: []rules.EventDescriptor{{ThingID: id, EventTypeID: mock.EventMockEvent1}},
		Actions: []rules.RuleAction{{
			ThingID: id, ActionTypeID: mock.StateMockPower,
			Params: []rules.RuleActionParam{{ParamTypeID: mock.StateMockPower, Value: true}},
		}},
	})
	if !code.OK() {
		t.Fatalf("add rule: %s", code)
	}

	w := f.do(t, "GET", "/api/rules", "")
	var list []ruleSummary
	decode(t, w, &list)
	if len(list) != 1 || list[0].ID != ruleID || !list[0].Enabled || !list[0].Executable {
		t.Fatalf("rules = %+v", list)
	}

	if w := f.do(t, "POST", "/api/rules/"+ruleID+"/disable", ""); w.Code != http.StatusOK {
		t.Errorf("disable: status = %d", w.Code)
	}
	w = f.do(t, "GET", "/api/rules/"+ruleID, "")
	var r rules.Rule
	decode(t, w, &r)
	if r.Enabled || r.Name != "echo" {
		t.Errorf("rule after disable = %+v", r)
	}
	if w := f.do(t, "POST", "/api/rules/"+ruleID+"/enable", ""); w.Code != http.StatusOK {
		t.Errorf("enable: status = %d", w.Code)
	}

	if w := f.do(t, "POST", "/api/rules/"+ruleID+"/run", ""); w.Code != http.StatusOK {
		t.Errorf("run: status = %d (%s)", w.Code, w.Body.String())
	}
	w = f.do(t, "POST", "/api/rules/"+ruleID+"/run?exit=true", "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("run exit: status = %d", w.Code)
	}
	var resp struct {
		RuleError types.RuleError `json:"ruleError"`
	}
	decode(t, w, &resp)
	if resp.RuleError != types.RuleErrorNoExitActions {
		t.Errorf("ruleError = %s", resp.RuleError)
	}

	if w := f.do(t, "GET", "/api/rules/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown rule: status = %d", w.Code)
	}
}

func TestAPIPluginsAndVersion(t *testing.T) {
	f := setupTestServer(t)

	var plugins []core.PluginInfo
	decode(t, f.do(t, "GET", "/api/plugins", ""), &plugins)
	if len(plugins) != 1 || plugins[0].ID != mock.PluginID {
		t.Errorf("plugins = %+v", plugins)
	}

	var v map[string]string
	decode(t, f.do(t, "GET", "/api/version", ""), &v)
	if v["version"] != "1.2.3" {
		t.Errorf("version = %v", v)
	}
}

func TestHealth(t *testing.T) {
	f := setupTestServer(t)
	f.addLamp(t, "Kitchen")

	w := f.do(t, "GET", "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var h struct {
		Status  string `json:"status"`
		Devices int    `json:"devices"`
		Plugins int    `json:"plugins"`
	}
	decode(t, w, &h)
	if h.Status != "ok" || h.Devices != 1 || h.Plugins != 1 {
		t.Errorf("health = %+v", h)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupTestServer(t)
	w := f.do(t, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "thingrpc_rpc_pending_requests") {
		t.Errorf("metrics missing pending gauge:\n%s", w.Body.String())
	}
}

func TestAuthMiddleware(t *testing.T) {
	f := setupTestServer(t, WithAPIKey("secret-key"))

	tests := []struct {
		name   string
		path   string
		key    string
		status int
	}{
		{"correct header", "/api/devices", "secret-key", http.StatusOK},
		{"missing key", "/api/devices", "", http.StatusUnauthorized},
		{"wrong key", "/api/devices", "wrong-key", http.StatusUnauthorized},
		{"health is public", "/healthz", "", http.StatusOK},
		{"metrics are public", "/metrics", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hdr []string
			if tt.key != "" {
				hdr = []string{"X-API-Key", tt.key}
			}
			if w := f.do(t, "GET", tt.path, "", hdr...); w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	f := setupTestServer(t, WithAllowedOrigins([]string{"http://panel.local"}))

	if w := f.do(t, "OPTIONS", "/api/devices", "", "Origin", "http://panel.local"); w.Code != http.StatusNoContent {
		t.Errorf("allowed preflight: status = %d", w.Code)
	} else if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://panel.local" {
		t.Errorf("allow origin = %q", got)
	}
	if w := f.do(t, "OPTIONS", "/api/devices", "", "Origin", "http://evil.local"); w.Code != http.StatusForbidden {
		t.Errorf("foreign preflight: status = %d", w.Code)
	}
	if w := f.do(t, "POST", "/api/rules/x/enable", "", "Origin", "http://evil.local"); w.Code != http.StatusForbidden {
		t.Errorf("foreign POST: status = %d", w.Code)
	}
	if w := f.do(t, "GET", "/api/devices", "", "Origin", "http://evil.local"); w.Code != http.StatusOK {
		t.Errorf("foreign GET: status = %d", w.Code)
	}
}

func wsURL(s *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + path
}

func TestProtocolOverWebSocket(t *testing.T) {
	f := setupTestServer(t)
	f.addLamp(t, "Kitchen")
	hs := httptest.NewServer(f.srv)
	defer hs.Close()

	ctx := testCtx(t)
	nc, err := transport.DialWebSocket(ctx, wsURL(hs, "/ws"))
	if err != nil {
		t.Fatal(err)
	}
	conn := jsonrpc.NewConn(nc, jsonrpc.WithLogger(testLogger()))
	defer conn.Close()
	if err := conn.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if w := conn.Welcome(); w.Version != "1.2.3" {
		t.Errorf("welcome = %+v", w)
	}

	var reply struct {
		Devices []types.Thing `json:"devices"`
	}
	if err := conn.Request(ctx, "Devices.GetConfiguredDevices", nil, &reply); err != nil {
		t.Fatal(err)
	}
	if len(reply.Devices) != 1 || reply.Devices[0].Name != "Kitchen" {
		t.Errorf("devices = %+v", reply.Devices)
	}
}

func TestEventsMonitor(t *testing.T) {
	f := setupTestServer(t)
	hs := httptest.NewServer(f.srv)
	defer hs.Close()

	ctx := testCtx(t)
	c, _, err := websocket.Dial(ctx, wsURL(hs, "/events?namespaces=Devices"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")
	waitMonitors(t, f.srv.monitors, 1)

	id := f.addLamp(t, "Kitchen")

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(ev.Type, "Devices.") {
			t.Fatalf("filtered monitor got %s", ev.Type)
		}
		if ev.Type != core.EventDeviceAdded {
			continue
		}
		var added core.ThingAdded
		if err := json.Unmarshal(ev.Data, &added); err != nil {
			t.Fatal(err)
		}
		if added.Thing == nil || added.Thing.ID != id {
			t.Errorf("added = %+v", added.Thing)
		}
		return
	}
}
