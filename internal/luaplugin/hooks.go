//go:build !no_lua

package luaplugin

import (
	"context"

	lua "github.com/yuin/gopher-lua"

	"thingrpc/internal/integration"
	"thingrpc/internal/types"
)

// finisher is the part of every info object the hooks need.
type finisher interface {
	Context() context.Context
	Done() <-chan struct{}
	Finish(code types.ThingError, message ...string) error
}

// runHook calls the Lua hook or, when the script does not define it, the
// fallback. A Lua error finishes the info with ThingErrorHardwareFailure
// unless the script already finished it.
func (p *Plugin) runHook(f finisher, name string, fallback func(), args func(*lua.LState) []lua.LValue) {
	found, err := p.callHook(f.Context(), name, args)
	if err != nil {
		p.logger.Error("lua hook", "hook", name, "err", err)
		select {
		case <-f.Done():
		default:
			f.Finish(types.ThingErrorHardwareFailure, err.Error())
		}
		return
	}
	if !found {
		fallback()
	}
}

func (p *Plugin) notify(name string, args func(*lua.LState) []lua.LValue) {
	if _, err := p.callHook(p.ctx, name, args); err != nil {
		p.logger.Error("lua hook", "hook", name, "err", err)
	}
}

func (p *Plugin) Init(ctx context.Context, ic *integration.Context) error {
	err := p.call(ctx, func(L *lua.LState) error {
		p.ic = ic
		return nil
	})
	if err != nil {
		return err
	}
	_, err = p.callHook(ctx, "init", nil)
	return err
}

func (p *Plugin) Deinit(ctx context.Context) {
	if _, err := p.callHook(ctx, "deinit", nil); err != nil {
		p.logger.Warn("lua deinit", "err", err)
	}
	p.Close()
}

func (p *Plugin) StartMonitoringAutoThings(ctx context.Context) {
	p.notify("startMonitoringAutoThings", nil)
}

func (p *Plugin) DiscoverThings(info *integration.DiscoveryInfo) {
	p.runHook(info, "discoverThings", func() { p.Base.DiscoverThings(info) }, func(L *lua.LState) []lua.LValue {
		t := newInfoTable(L, info)
		t.RawSetString("thingClassId", lua.LString(info.ThingClassID))
		t.RawSetString("params", paramsToLua(L, info.Params))
		t.RawSetString("addDescriptor", L.NewFunction(func(L *lua.LState) int {
			d := L.CheckTable(2)
			desc := types.ThingDescriptor{
				ThingClassID: optString(d, "thingClassId"),
				ThingID:      optString(d, "thingId"),
				Title:        optString(d, "title"),
				Description:  optString(d, "description"),
			}
			if pt, ok := d.RawGetString("params").(*lua.LTable); ok {
				desc.Params = paramsFromLua(pt)
			}
			info.AddDescriptor(desc)
			return 0
		}))
		return []lua.LValue{t}
	})
}

func (p *Plugin) pairingTable(L *lua.LState, info *integration.PairingInfo) *lua.LTable {
	t := newInfoTable(L, info)
	t.RawSetString("transactionId", lua.LString(info.TransactionID))
	t.RawSetString("thingClassId", lua.LString(info.ThingClassID))
	t.RawSetString("thingId", lua.LString(info.ThingID))
	t.RawSetString("thingName", lua.LString(info.ThingName))
	t.RawSetString("params", paramsToLua(L, info.Params))
	return t
}

func (p *Plugin) StartPairing(info *integration.PairingInfo) {
	p.runHook(info, "startPairing", func() { p.Base.StartPairing(info) }, func(L *lua.LState) []lua.LValue {
		return []lua.LValue{p.pairingTable(L, info)}
	})
}

func (p *Plugin) ConfirmPairing(info *integration.PairingInfo, username, secret string) {
	p.runHook(info, "confirmPairing", func() { p.Base.ConfirmPairing(info, username, secret) }, func(L *lua.LState) []lua.LValue {
		return []lua.LValue{p.pairingTable(L, info), lua.LString(username), lua.LString(secret)}
	})
}

func (p *Plugin) SetupThing(info *integration.SetupInfo) {
	p.runHook(info, "setupThing", func() { p.Base.SetupThing(info) }, func(L *lua.LState) []lua.LValue {
		t := newInfoTable(L, info)
		t.RawSetString("thing", p.thingTable(L, info.Thing))
		return []lua.LValue{t}
	})
}

func (p *Plugin) PostSetupThing(thing *integration.Thing) {
	p.notify("postSetupThing", func(L *lua.LState) []lua.LValue {
		return []lua.LValue{p.thingTable(L, thing)}
	})
}

func (p *Plugin) ThingRemoved(thing *integration.Thing) {
	p.notify("thingRemoved", func(L *lua.LState) []lua.LValue {
		t := p.thingTable(L, thing)
		delete(p.things, thing.ID())
		return []lua.LValue{t}
	})
}

func (p *Plugin) ExecuteAction(info *integration.ActionInfo) {
	p.runHook(info, "executeAction", func() { p.Base.ExecuteAction(info) }, func(L *lua.LState) []lua.LValue {
		t := newInfoTable(L, info)
		t.RawSetString("thing", p.thingTable(L, info.Thing))
		t.RawSetString("actionTypeId", lua.LString(info.ActionTypeID))
		t.RawSetString("params", paramsToLua(L, info.Params))
		return []lua.LValue{t}
	})
}

func (p *Plugin) ConfigValueChanged(paramTypeID string, value any) {
	p.notify("configValueChanged", func(L *lua.LState) []lua.LValue {
		return []lua.LValue{lua.LString(paramTypeID), goToLua(L, value)}
	})
}

func (p *Plugin) ThingSettingChanged(thing *integration.Thing, paramTypeID string, value any) {
	p.notify("thingSettingChanged", func(L *lua.LState) []lua.LValue {
		return []lua.LValue{p.thingTable(L, thing), lua.LString(paramTypeID), goToLua(L, value)}
	})
}

func (p *Plugin) BrowseThing(result *integration.BrowseResult) {
	p.runHook(result, "browseThing", func() { p.Base.BrowseThing(result) }, func(L *lua.LState) []lua.LValue {
		t := newInfoTable(L, result)
		t.RawSetString("thing", p.thingTable(L, result.Thing))
		t.RawSetString("itemId", lua.LString(result.ItemID))
		t.RawSetString("addItem", L.NewFunction(func(L *lua.LState) int {
			it := L.CheckTable(2)
			result.AddItem(types.BrowserItem{
				ID:          optString(it, "id"),
				DisplayName: optString(it, "displayName"),
				Description: optString(it, "description"),
				Icon:        types.BrowserIcon(optString(it, "icon")),
				Thumbnail:   optString(it, "thumbnail"),
				Browsable:   lua.LVAsBool(it.RawGetString("browsable")),
				Executable:  lua.LVAsBool(it.RawGetString("executable")),
				Disabled:    lua.LVAsBool(it.RawGetString("disabled")),
			})
			return 0
		}))
		return []lua.LValue{t}
	})
}

func (p *Plugin) ExecuteBrowserItem(info *integration.BrowserActionInfo) {
	p.runHook(info, "executeBrowserItem", func() { p.Base.ExecuteBrowserItem(info) }, func(L *lua.LState) []lua.LValue {
		t := newInfoTable(L, info)
		t.RawSetString("thing", p.thingTable(L, info.Thing))
		t.RawSetString("itemId", lua.LString(info.ItemID))
		return []lua.LValue{t}
	})
}
