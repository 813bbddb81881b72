package types

import "time"

// SetupStatus tracks the setup lifecycle of a thing.
type SetupStatus string

const (
	SetupStatusNone       SetupStatus = "ThingSetupStatusNone"
	SetupStatusInProgress SetupStatus = "ThingSetupStatusInProgress"
	SetupStatusComplete   SetupStatus = "ThingSetupStatusComplete"
	SetupStatusFailed     SetupStatus = "ThingSetupStatusFailed"
)

// State is the current value of one state type.
type State struct {
	StateTypeID string `json:"stateTypeId"`
	Value       any    `json:"value"`
}

// Thing is a configured instance of a thing class. On the wire things keep
// the device vocabulary of the Devices namespace.
type Thing struct {
	ID           string      `json:"id"`
	ThingClassID string      `json:"deviceClassId"`
	Name         string      `json:"name"`
	ParentID     string      `json:"parentId,omitempty"`
	Params       ParamList   `json:"params"`
	Settings     ParamList   `json:"settings"`
	States       []State     `json:"states"`
	SetupStatus  SetupStatus `json:"setupStatus"`
	SetupError   ThingError  `json:"setupError,omitempty"`
	AutoCreated  bool        `json:"autoCreated,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// SetupComplete reports whether setup finished successfully.
func (t *Thing) SetupComplete() bool {
	return t.SetupStatus == SetupStatusComplete
}

// StateValue returns the value of a state, or nil.
func (t *Thing) StateValue(stateTypeID string) any {
	for _, s := range t.States {
		if s.StateTypeID == stateTypeID {
			return s.Value
		}
	}
	return nil
}

// SetStateValue updates a state. It reports whether the value changed.
func (t *Thing) SetStateValue(stateTypeID string, v any) bool {
	for i := range t.States {
		if t.States[i].StateTypeID == stateTypeID {
			if t.States[i].Value != nil && Equal(t.States[i].Value, v) {
				return false
			}
			t.States[i].Value = v
			return true
		}
	}
	t.States = append(t.States, State{StateTypeID: stateTypeID, Value: v})
	return true
}

// Clone returns a deep enough copy for handing to other goroutines.
func (t *Thing) Clone() *Thing {
	cp := *t
	cp.Params = t.Params.Clone()
	cp.Settings = t.Settings.Clone()
	cp.States = append([]State(nil), t.States...)
	return &cp
}

// InitStates fills every declared state with its default value.
func (t *Thing) InitStates(tc ThingClass) {
	for _, st := range tc.StateTypes {
		if t.StateValue(st.ID) == nil {
			t.States = append(t.States, State{StateTypeID: st.ID, Value: st.DefaultValue})
		}
	}
}

// ThingDescriptor is a discovery candidate. ThingID is set when the
// candidate is an already configured thing, so it can be reconfigured
// instead of duplicated.
type ThingDescriptor struct {
	ID           string    `json:"id"`
	ThingClassID string    `json:"deviceClassId"`
	ThingID      string    `json:"deviceId,omitempty"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Params       ParamList `json:"deviceParams"`
}

// Event is something a thing emitted.
type Event struct {
	ThingID     string    `json:"deviceId"`
	EventTypeID string    `json:"eventTypeId"`
	Params      ParamList `json:"params"`
}

// Action is a request to a thing.
type Action struct {
	ThingID      string    `json:"deviceId"`
	ActionTypeID string    `json:"actionTypeId"`
	Params       ParamList `json:"params"`
}

// BrowserIcon names the icon of a browser item.
type BrowserIcon string

const (
	BrowserIconNone        BrowserIcon = "BrowserIconNone"
	BrowserIconFolder      BrowserIcon = "BrowserIconFolder"
	BrowserIconFile        BrowserIcon = "BrowserIconFile"
	BrowserIconApplication BrowserIcon = "BrowserIconApplication"
	BrowserIconFavorites   BrowserIcon = "BrowserIconFavorites"
)

// BrowserItem is one entry of a browsable thing.
type BrowserItem struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"displayName"`
	Description string      `json:"description,omitempty"`
	Icon        BrowserIcon `json:"icon,omitempty"`
	Thumbnail   string      `json:"thumbnail,omitempty"`
	Browsable   bool        `json:"browsable"`
	Executable  bool        `json:"executable"`
	Disabled    bool        `json:"disabled"`
}
