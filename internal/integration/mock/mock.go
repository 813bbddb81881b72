// Package mock is a demo integration with one thing class per create and
// setup method. It exercises every hook of the runtime.
package mock

import (
	"context"
	"fmt"
	"time"

	"thingrpc/internal/integration"
	"thingrpc/internal/types"
)

const (
	PluginID = "mock"
	VendorID = "vendor-mock"

	ConfigAutoThingCount = "mock-config-autocount"

	ClassMock             = "mock"
	ClassAuto             = "mock-auto"
	ClassDiscoveryPairing = "mock-discovery-pairing"
	ClassPushButton       = "mock-push-button"
	ClassJustAdd          = "mock-just-add"

	ParamMockParam1    = "mock-param1"
	SettingInterval    = "mock-setting-interval"
	ParamAutoParam1    = "mock-auto-param1"
	ParamResultCount   = "mock-discovery-resultcount"
	ParamPairingParam1 = "mock-pairing-param1"
	SettingPairing1    = "mock-pairing-setting1"

	StateMockState1    = "mock-state1"
	StateMockPower     = "mock-power"
	StateAutoState1    = "mock-auto-state1"
	StatePairingState1 = "mock-pairing-state1"

	EventMockEvent1        = "mock-event1"
	EventParamMock1        = "mock-event1-param1"
	EventPairingEvent1     = "mock-pairing-event1"
	EventParamPairing1     = "mock-pairing-event1-param1"
	ActionMockAction1      = "mock-action1"
	ActionParamMockParam1  = "mock-action1-param1"
	ActionParamMockParam2  = "mock-action1-param2"
	PairingMessageUser     = `Log in as user "john" with password "smith".`
	PairingMessageButton   = "Please press the button on the device."
	PairingFailedMessage   = "Error logging in here!"
	defaultGlobalTimerTick = 5 * time.Second
)

func f(v float64) *float64 { return &v }

func resultCountParam() types.ParamTypes {
	return types.ParamTypes{{
		ID: ParamResultCount, Name: "resultCount", DisplayName: "Result count",
		Type: types.TypeInt, DefaultValue: int64(2), MinValue: f(0), MaxValue: f(20),
	}}
}

// Catalog returns the vendor and thing classes served by the integration.
func Catalog() types.VendorFile {
	var vf types.VendorFile
	vf.Vendors = append(vf.Vendors, struct {
		types.Vendor
		ThingClasses []types.ThingClass `json:"thingClasses"`
	}{
		Vendor: types.Vendor{ID: VendorID, Name: "nymea", DisplayName: "nymea"},
		ThingClasses: []types.ThingClass{
			{
				ID:            ClassMock,
				Name:          "mock",
				DisplayName:   "Mock",
				CreateMethods: []types.CreateMethod{types.CreateMethodUser},
				SetupMethod:   types.SetupMethodJustAdd,
				Browsable:     true,
				ParamTypes: types.ParamTypes{
					{ID: ParamMockParam1, Name: "param1", Type: types.TypeInt, DefaultValue: int64(1)},
				},
				SettingsTypes: types.ParamTypes{
					{ID: SettingInterval, Name: "interval", Type: types.TypeInt, DefaultValue: int64(5), MinValue: f(1), Unit: "seconds"},
				},
				StateTypes: []types.StateType{
					{ID: StateMockState1, Name: "state1", Type: types.TypeInt, DefaultValue: int64(0)},
					{ID: StateMockPower, Name: "power", Type: types.TypeBool, DefaultValue: false, Writable: true},
				},
				EventTypes: []types.EventType{{
					ID: EventMockEvent1, Name: "event1",
					ParamTypes: types.ParamTypes{{ID: EventParamMock1, Name: "param1", Type: types.TypeString}},
				}},
				ActionTypes: []types.ActionType{{
					ID: ActionMockAction1, Name: "action1",
					ParamTypes: types.ParamTypes{
						{ID: ActionParamMockParam1, Name: "param1", Type: types.TypeString},
						{ID: ActionParamMockParam2, Name: "param2", Type: types.TypeBool, DefaultValue: false},
					},
				}},
			},
			{
				ID:            ClassAuto,
				Name:          "mockAuto",
				DisplayName:   "Mock auto thing",
				CreateMethods: []types.CreateMethod{types.CreateMethodAuto},
				SetupMethod:   types.SetupMethodJustAdd,
				ParamTypes: types.ParamTypes{
					{ID: ParamAutoParam1, Name: "param1", Type: types.TypeBool, DefaultValue: false},
				},
				StateTypes: []types.StateType{
					{ID: StateAutoState1, Name: "state1", Type: types.TypeInt, DefaultValue: int64(0)},
				},
			},
			{
				ID:                  ClassDiscoveryPairing,
				Name:                "mockDiscoveryPairing",
				DisplayName:         "Mock discovery and pairing",
				CreateMethods:       []types.CreateMethod{types.CreateMethodDiscovery, types.CreateMethodUser},
				SetupMethod:         types.SetupMethodUserAndPassword,
				DiscoveryParamTypes: resultCountParam(),
				ParamTypes: types.ParamTypes{
					{ID: ParamPairingParam1, Name: "param1", Type: types.TypeString, DefaultValue: "default"},
				},
				SettingsTypes: types.ParamTypes{
					{ID: SettingPairing1, Name: "setting1", Type: types.TypeInt, DefaultValue: int64(0)},
				},
				StateTypes: []types.StateType{
					{ID: StatePairingState1, Name: "state1", Type: types.TypeInt, DefaultValue: int64(0)},
				},
				EventTypes: []types.EventType{{
					ID: EventPairingEvent1, Name: "event1",
					ParamTypes: types.ParamTypes{{ID: EventParamPairing1, Name: "param1", Type: types.TypeString}},
				}},
			},
			{
				ID:                  ClassPushButton,
				Name:                "mockPushButton",
				DisplayName:         "Mock push button",
				CreateMethods:       []types.CreateMethod{types.CreateMethodDiscovery},
				SetupMethod:         types.SetupMethodPushButton,
				DiscoveryParamTypes: resultCountParam(),
			},
			{
				ID:                  ClassJustAdd,
				Name:                "mockJustAdd",
				DisplayName:         "Mock just add",
				CreateMethods:       []types.CreateMethod{types.CreateMethodDiscovery},
				SetupMethod:         types.SetupMethodJustAdd,
				DiscoveryParamTypes: resultCountParam(),
			},
		},
	})
	return vf
}

// Config holds the demo delays. Zero means no delay.
type Config struct {
	DiscoveryDelay time.Duration
	PairingDelay   time.Duration
	PollInterval   time.Duration
}

// Mock is the integration. Its fields are touched only on the host worker.
type Mock struct {
	integration.Base

	cfg         Config
	ic          *integration.Context
	globalTimer *integration.Timer
	thingTimers map[string]*integration.Timer
}

// New creates a mock integration.
func New(cfg Config) *Mock {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultGlobalTimerTick
	}
	return &Mock{cfg: cfg, thingTimers: make(map[string]*integration.Timer)}
}

func (m *Mock) Metadata() integration.Metadata {
	return integration.Metadata{
		ID:   PluginID,
		Name: "Mock",
		ConfigTypes: types.ParamTypes{
			{ID: ConfigAutoThingCount, Name: "autoThingCount", DisplayName: "Auto thing count", Type: types.TypeInt, DefaultValue: int64(0), MinValue: f(0), MaxValue: f(50)},
		},
		Catalog: Catalog(),
	}
}

func (m *Mock) Init(ctx context.Context, ic *integration.Context) error {
	m.ic = ic
	ic.Logger().Info("mock integration init")
	return nil
}

func (m *Mock) Deinit(ctx context.Context) {
	m.ic.Logger().Info("mock integration shutting down")
	m.globalTimer = nil
	clear(m.thingTimers)
}

func (m *Mock) StartMonitoringAutoThings(ctx context.Context) {
	m.reconcileAutoThings(m.ic.ConfigValue(ConfigAutoThingCount))
}

func (m *Mock) reconcileAutoThings(count any) {
	n, _ := types.Number(count)
	m.ic.ReconcileAutoThings(ClassAuto, int(n), func(i int) types.ThingDescriptor {
		return types.ThingDescriptor{
			Title:  "Mock auto thing",
			Params: types.ParamList{{ParamTypeID: ParamAutoParam1, Value: true}},
		}
	})
}

func (m *Mock) ConfigValueChanged(paramTypeID string, value any) {
	m.ic.Logger().Info("plugin config value changed", "param", paramTypeID, "value", value)
	if paramTypeID == ConfigAutoThingCount {
		m.reconcileAutoThings(value)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// DiscoverThings returns as many new candidates as the first discovery
// param asks for, plus the existing things of the class so they can be
// reconfigured.
func (m *Mock) DiscoverThings(info *integration.DiscoveryInfo) {
	count := 0
	if p, ok := info.Params.ByIndex(0); ok {
		n, _ := types.Number(p.Value)
		count = int(n)
	}
	m.ic.Logger().Info("discovery started", "class", info.ThingClassID, "results", count)
	if !sleep(info.Context(), m.cfg.DiscoveryDelay) {
		info.Finish(types.ThingErrorTimeout)
		return
	}

	for i := 0; i < count; i++ {
		info.AddDescriptor(types.ThingDescriptor{
			Title:       fmt.Sprintf("Mock thing %d", i),
			Description: "Discovered mock thing",
		})
	}
	for _, t := range m.ic.ThingsOfClass(info.ThingClassID) {
		info.AddDescriptor(types.ThingDescriptor{
			ThingID:     t.ID(),
			Title:       t.Name(),
			Description: "Existing mock thing",
		})
	}
	info.Finish(types.ThingErrorNoError)
}

func (m *Mock) StartPairing(info *integration.PairingInfo) {
	m.ic.Logger().Info("start pairing", "class", info.ThingClassID, "name", info.ThingName)
	if info.ThingClassID == ClassPushButton {
		info.Finish(types.ThingErrorNoError, PairingMessageButton)
		return
	}
	info.Finish(types.ThingErrorNoError, PairingMessageUser)
}

func (m *Mock) ConfirmPairing(info *integration.PairingInfo, username, secret string) {
	m.ic.Logger().Info("confirm pairing", "name", info.ThingName, "user", username)
	if !sleep(info.Context(), m.cfg.PairingDelay) {
		info.Finish(types.ThingErrorTimeout)
		return
	}
	if info.ThingClassID == ClassPushButton {
		info.Finish(types.ThingErrorNoError)
		return
	}
	if username == "john" && secret == "smith" {
		info.Finish(types.ThingErrorNoError)
		return
	}
	info.Finish(types.ThingErrorAuthenticationFailure, PairingFailedMessage)
}

func (m *Mock) SetupThing(info *integration.SetupInfo) {
	m.ic.Logger().Info("setup thing", "thing", info.Thing.Name())
	info.Finish(types.ThingErrorNoError)
}

func (m *Mock) PostSetupThing(thing *integration.Thing) {
	if m.globalTimer == nil {
		m.globalTimer = m.ic.NewTimer(m.cfg.PollInterval, m.timerTriggered)
	}

	switch thing.ClassID() {
	case ClassAuto:
		m.ic.Logger().Info("auto thing set up", "state1", thing.StateValue(StateAutoState1))
	case ClassDiscoveryPairing:
		m.ic.Logger().Info("pairing thing set up", "param1", thing.ParamValue(ParamPairingParam1), "setting1", thing.Setting(SettingPairing1))
	case ClassMock:
		interval := m.interval(thing.Setting(SettingInterval))
		id := thing.ID()
		m.thingTimers[id] = thing.NewTimer(interval, func() {
			m.ic.Logger().Debug("thing timer triggered", "thing", id, "interval", interval)
		})
	}
}

func (m *Mock) interval(v any) time.Duration {
	n, ok := types.Number(v)
	if !ok || n <= 0 {
		return m.cfg.PollInterval
	}
	return time.Duration(n * float64(time.Second))
}

func (m *Mock) ThingRemoved(thing *integration.Thing) {
	m.ic.Logger().Info("thing removed", "thing", thing.Name(), "remaining", len(m.ic.MyThings()))
	delete(m.thingTimers, thing.ID())
	if len(m.ic.MyThings()) == 0 && m.globalTimer != nil {
		m.globalTimer.Stop()
		m.globalTimer = nil
	}
}

func (m *Mock) timerTriggered() {
	for _, t := range m.ic.MyThings() {
		switch t.ClassID() {
		case ClassMock:
			t.EmitEvent(EventMockEvent1, types.ParamList{{ParamTypeID: EventParamMock1, Value: "Im an event"}})
			bump(t, StateMockState1)
		case ClassDiscoveryPairing:
			t.EmitEvent(EventPairingEvent1, types.ParamList{{ParamTypeID: EventParamPairing1, Value: "Im an event"}})
			bump(t, StatePairingState1)
		}
	}
}

func bump(t *integration.Thing, stateTypeID string) {
	n, _ := types.Number(t.StateValue(stateTypeID))
	t.SetStateValue(stateTypeID, n+1)
}

// ExecuteAction logs the first param by position and by id, which are the
// same value, and applies writes to writable states.
func (m *Mock) ExecuteAction(info *integration.ActionInfo) {
	byIndex, _ := info.Params.ByIndex(0)
	m.ic.Logger().Info("execute action", "thing", info.Thing.Name(), "action", info.ActionTypeID,
		"byIndex", byIndex.Value, "byID", info.ParamValue(ActionParamMockParam1))

	tc := info.Thing.Class()
	if st, ok := tc.StateType(info.ActionTypeID); ok && st.Writable {
		info.Thing.SetStateValue(st.ID, info.ParamValue(st.ID))
	}
	info.Finish(types.ThingErrorNoError)
}

func (m *Mock) ThingSettingChanged(thing *integration.Thing, paramTypeID string, value any) {
	m.ic.Logger().Info("thing setting changed", "thing", thing.Name(), "param", paramTypeID, "value", value)
	if thing.ClassID() == ClassMock && paramTypeID == SettingInterval {
		if t, ok := m.thingTimers[thing.ID()]; ok {
			t.SetInterval(m.interval(value))
		}
	}
}

func (m *Mock) BrowseThing(result *integration.BrowseResult) {
	switch result.ItemID {
	case "":
		result.AddItem(types.BrowserItem{ID: "001", DisplayName: "Item 0", Description: "I'm a folder", Browsable: true, Icon: types.BrowserIconFolder})
		result.AddItem(types.BrowserItem{ID: "002", DisplayName: "Item 1", Description: "I'm executable", Executable: true, Icon: types.BrowserIconApplication})
		result.AddItem(types.BrowserItem{ID: "003", DisplayName: "Item 2", Description: "I'm a file", Icon: types.BrowserIconFile})
		result.AddItem(types.BrowserItem{ID: "004", DisplayName: "Item 3", Description: "I have a nice thumbnail", Thumbnail: "https://github.com/nymea/nymea/raw/master/icons/nymea-logo-256x256.png"})
		result.AddItem(types.BrowserItem{ID: "005", DisplayName: "Item 4", Description: "I'm disabled", Disabled: true, Icon: types.BrowserIconFile})
		result.AddItem(types.BrowserItem{ID: "favorites", DisplayName: "Favorites", Description: "I'm the best!", Icon: types.BrowserIconFavorites})
	case "001":
		result.AddItem(types.BrowserItem{ID: "011", DisplayName: "Item in subdir", Description: "I'm in a subfolder", Icon: types.BrowserIconFile})
	}
	result.Finish(types.ThingErrorNoError)
}
