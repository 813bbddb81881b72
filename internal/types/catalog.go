package types

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Vendor groups thing classes by manufacturer.
type Vendor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
}

// CreateMethod says how things of a class come into existence.
type CreateMethod string

const (
	CreateMethodUser      CreateMethod = "CreateMethodUser"
	CreateMethodDiscovery CreateMethod = "CreateMethodDiscovery"
	CreateMethodAuto      CreateMethod = "CreateMethodAuto"
)

// SetupMethod says what the user has to do to finish setup.
type SetupMethod string

const (
	SetupMethodJustAdd         SetupMethod = "SetupMethodJustAdd"
	SetupMethodDisplayPin      SetupMethod = "SetupMethodDisplayPin"
	SetupMethodEnterPin        SetupMethod = "SetupMethodEnterPin"
	SetupMethodPushButton      SetupMethod = "SetupMethodPushButton"
	SetupMethodUserAndPassword SetupMethod = "SetupMethodUserAndPassword"
)

// StateType declares a state. Every state implicitly defines an event type
// with the same id, emitted when the value changes.
type StateType struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	DisplayName   string    `json:"displayName,omitempty"`
	Type          ValueType `json:"type"`
	DefaultValue  any       `json:"defaultValue"`
	MinValue      *float64  `json:"minValue,omitempty"`
	MaxValue      *float64  `json:"maxValue,omitempty"`
	AllowedValues []any     `json:"possibleValues,omitempty"`
	Unit          string    `json:"unit,omitempty"`
	Writable      bool      `json:"writable,omitempty"`
}

// ParamType describes the state value as a parameter, used for the implicit
// state-change event and the implicit write action.
func (st StateType) ParamType() ParamType {
	return ParamType{
		ID:            st.ID,
		Name:          st.Name,
		DisplayName:   st.DisplayName,
		Type:          st.Type,
		MinValue:      st.MinValue,
		MaxValue:      st.MaxValue,
		AllowedValues: st.AllowedValues,
		Unit:          st.Unit,
	}
}

type EventType struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	DisplayName string     `json:"displayName,omitempty"`
	ParamTypes  ParamTypes `json:"paramTypes"`
}

type ActionType struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	DisplayName string     `json:"displayName,omitempty"`
	ParamTypes  ParamTypes `json:"paramTypes"`
}

// ThingClass is a catalogued type of device.
type ThingClass struct {
	ID                  string         `json:"id"`
	VendorID            string         `json:"vendorId"`
	PluginID            string         `json:"pluginId"`
	Name                string         `json:"name"`
	DisplayName         string         `json:"displayName,omitempty"`
	CreateMethods       []CreateMethod `json:"createMethods"`
	SetupMethod         SetupMethod    `json:"setupMethod"`
	ParamTypes          ParamTypes     `json:"paramTypes"`
	DiscoveryParamTypes ParamTypes     `json:"discoveryParamTypes"`
	SettingsTypes       ParamTypes     `json:"settingsTypes"`
	StateTypes          []StateType    `json:"stateTypes"`
	EventTypes          []EventType    `json:"eventTypes"`
	ActionTypes         []ActionType   `json:"actionTypes"`
	Browsable           bool           `json:"browsable,omitempty"`
}

// Supports reports whether m is one of the class's create methods.
func (tc *ThingClass) Supports(m CreateMethod) bool {
	for _, cm := range tc.CreateMethods {
		if cm == m {
			return true
		}
	}
	return false
}

func (tc *ThingClass) StateType(id string) (StateType, bool) {
	for _, st := range tc.StateTypes {
		if st.ID == id {
			return st, true
		}
	}
	return StateType{}, false
}

// EventType returns a declared event type, or the implicit change event of
// a state type with the same id.
func (tc *ThingClass) EventType(id string) (EventType, bool) {
	for _, et := range tc.EventTypes {
		if et.ID == id {
			return et, true
		}
	}
	if st, ok := tc.StateType(id); ok {
		return EventType{ID: st.ID, Name: st.Name, DisplayName: st.DisplayName, ParamTypes: ParamTypes{st.ParamType()}}, true
	}
	return EventType{}, false
}

// ActionType returns a declared action type, or the implicit write action of
// a writable state type with the same id.
func (tc *ThingClass) ActionType(id string) (ActionType, bool) {
	for _, at := range tc.ActionTypes {
		if at.ID == id {
			return at, true
		}
	}
	if st, ok := tc.StateType(id); ok && st.Writable {
		return ActionType{ID: st.ID, Name: st.Name, DisplayName: st.DisplayName, ParamTypes: ParamTypes{st.ParamType()}}, true
	}
	return ActionType{}, false
}

// Catalog holds every known vendor and thing class.
type Catalog struct {
	mu      sync.RWMutex
	vendors map[string]Vendor
	classes map[string]*ThingClass
	logger  *slog.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	return &Catalog{
		vendors: make(map[string]Vendor),
		classes: make(map[string]*ThingClass),
		logger:  logger,
	}
}

// AddVendor registers or replaces a vendor.
func (c *Catalog) AddVendor(v Vendor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vendors[v.ID] = v
	c.logger.Debug("vendor registered", "id", v.ID, "name", v.Name)
}

// AddThingClass registers or replaces a thing class. Its vendor must exist.
func (c *Catalog) AddThingClass(tc ThingClass) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tc.ID == "" {
		return fmt.Errorf("thing class %q: missing id", tc.Name)
	}
	if _, ok := c.vendors[tc.VendorID]; !ok {
		return fmt.Errorf("thing class %q: unknown vendor %q", tc.Name, tc.VendorID)
	}
	clone := tc
	c.classes[tc.ID] = &clone
	c.logger.Debug("thing class registered", "id", tc.ID, "name", tc.Name)
	return nil
}

// Vendors returns all vendors sorted by name.
func (c *Catalog) Vendors() []Vendor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Vendor, 0, len(c.vendors))
	for _, v := range c.vendors {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Vendor returns the vendor with the given id.
func (c *Catalog) Vendor(id string) (Vendor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vendors[id]
	return v, ok
}

// ThingClasses returns the classes of one vendor, or all when vendorID is
// empty, sorted by name.
func (c *Catalog) ThingClasses(vendorID string) []ThingClass {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ThingClass, 0, len(c.classes))
	for _, tc := range c.classes {
		if vendorID == "" || tc.VendorID == vendorID {
			out = append(out, *tc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ThingClass returns the class with the given id.
func (c *Catalog) ThingClass(id string) (ThingClass, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tc, ok := c.classes[id]
	if !ok {
		return ThingClass{}, false
	}
	return *tc, true
}

// EventType searches every class for an event type.
func (c *Catalog) EventType(id string) (EventType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, tc := range c.classes {
		if et, ok := tc.EventType(id); ok {
			return et, true
		}
	}
	return EventType{}, false
}

// ActionType searches every class for an action type.
func (c *Catalog) ActionType(id string) (ActionType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, tc := range c.classes {
		if at, ok := tc.ActionType(id); ok {
			return at, true
		}
	}
	return ActionType{}, false
}

// StateType searches every class for a state type.
func (c *Catalog) StateType(id string) (StateType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, tc := range c.classes {
		if st, ok := tc.StateType(id); ok {
			return st, true
		}
	}
	return StateType{}, false
}

// Len returns the number of thing classes.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.classes)
}

// VendorFile is the JSON layout of a catalogue file: vendors with their
// thing classes nested.
type VendorFile struct {
	Vendors []struct {
		Vendor
		ThingClasses []ThingClass `json:"thingClasses"`
	} `json:"vendors"`
}

// Register adds every vendor and class of f to the catalog. pluginID is
// stamped on classes that do not name their plugin.
func (c *Catalog) Register(f VendorFile, pluginID string) error {
	for _, v := range f.Vendors {
		c.AddVendor(v.Vendor)
		for _, tc := range v.ThingClasses {
			tc.VendorID = v.ID
			if tc.PluginID == "" {
				tc.PluginID = pluginID
			}
			if err := c.AddThingClass(tc); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadCatalogDir reads every *.json file in dir into the catalog. A missing
// or empty directory is not an error.
func LoadCatalogDir(dir string, c *Catalog, logger *slog.Logger) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return fmt.Errorf("glob catalog dir: %w", err)
	}
	if len(matches) == 0 {
		logger.Info("no catalog files found", "dir", dir)
		return nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var f VendorFile
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if err := c.Register(f, ""); err != nil {
			return fmt.Errorf("register %s: %w", path, err)
		}
		classes := 0
		for _, v := range f.Vendors {
			classes += len(v.ThingClasses)
		}
		logger.Info("loaded catalog file", "path", filepath.Base(path), "vendors", len(f.Vendors), "classes", classes)
	}

	logger.Info("catalog loaded", "files", len(matches), "classes", c.Len())
	return nil
}
