// Package integration is the contract between integrations (plugins) and
// the host that runs them: lifecycle hooks, info objects that report exactly
// one outcome, owned timers and thing-state primitives.
package integration

import (
	"context"
	"errors"

	"thingrpc/internal/types"
)

var (
	// ErrAlreadyFinished is returned when an info object is finished twice.
	ErrAlreadyFinished = errors.New("info already finished")
	// ErrStopped is returned for hooks submitted after the host stopped.
	ErrStopped = errors.New("integration stopped")
	// ErrThingNotFound is returned for thing ids the integration does not own.
	ErrThingNotFound = errors.New("thing not found")
)

// Metadata describes an integration: its identity, plugin configuration and
// the vendors and thing classes it serves.
type Metadata struct {
	ID          string
	Name        string
	ConfigTypes types.ParamTypes
	Catalog     types.VendorFile
}

// Integration is implemented by every plugin. Embed Base to get defaults for
// the optional hooks.
//
// All hooks except Init run on the host's dedicated worker for this
// integration, one at a time, so blocking inside a hook only delays this
// integration. Init runs on its own goroutine and may loop until ctx is
// cancelled.
type Integration interface {
	Metadata() Metadata

	Init(ctx context.Context, ic *Context) error
	Deinit(ctx context.Context)
	StartMonitoringAutoThings(ctx context.Context)
	DiscoverThings(info *DiscoveryInfo)
	StartPairing(info *PairingInfo)
	ConfirmPairing(info *PairingInfo, username, secret string)
	SetupThing(info *SetupInfo)
	PostSetupThing(thing *Thing)
	ThingRemoved(thing *Thing)
	ExecuteAction(info *ActionInfo)
	ConfigValueChanged(paramTypeID string, value any)
	ThingSettingChanged(thing *Thing, paramTypeID string, value any)
	BrowseThing(result *BrowseResult)
	ExecuteBrowserItem(info *BrowserActionInfo)
}

// Base implements every optional hook. Operations the integration does not
// support finish with an error code.
type Base struct{}

func (Base) Init(ctx context.Context, ic *Context) error { return nil }
func (Base) Deinit(ctx context.Context)                  {}
func (Base) StartMonitoringAutoThings(ctx context.Context) {}

func (Base) DiscoverThings(info *DiscoveryInfo) {
	info.Finish(types.ThingErrorCreationMethodNotSupported)
}

func (Base) StartPairing(info *PairingInfo) {
	info.Finish(types.ThingErrorSetupMethodNotSupported)
}

func (Base) ConfirmPairing(info *PairingInfo, username, secret string) {
	info.Finish(types.ThingErrorSetupMethodNotSupported)
}

func (Base) SetupThing(info *SetupInfo) {
	info.Finish(types.ThingErrorNoError)
}

func (Base) PostSetupThing(thing *Thing) {}
func (Base) ThingRemoved(thing *Thing)   {}

func (Base) ExecuteAction(info *ActionInfo) {
	info.Finish(types.ThingErrorUnsupportedFeature)
}

func (Base) ConfigValueChanged(paramTypeID string, value any)                {}
func (Base) ThingSettingChanged(thing *Thing, paramTypeID string, value any) {}

func (Base) BrowseThing(result *BrowseResult) {
	result.Finish(types.ThingErrorUnsupportedFeature)
}

func (Base) ExecuteBrowserItem(info *BrowserActionInfo) {
	info.Finish(types.ThingErrorUnsupportedFeature)
}

// Sink receives what integrations report. Calls arrive on the integration's
// worker and must not wait for further hooks of the same integration.
type Sink interface {
	ThingsAppeared(pluginID string, things []*Thing)
	ThingDisappeared(pluginID string, thing *Thing)
	StateChanged(thing *Thing, stateTypeID string, value any)
	EventEmitted(ev types.Event)
}
