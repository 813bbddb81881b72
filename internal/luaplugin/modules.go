//go:build !no_lua

package luaplugin

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"thingrpc/internal/integration"
	"thingrpc/internal/types"
)

// thingErrorArg accepts "ThingErrorNoError" as well as the short "NoError".
func thingErrorArg(s string) types.ThingError {
	if s == "" {
		return types.ThingErrorNoError
	}
	if !strings.HasPrefix(s, "ThingError") {
		s = "ThingError" + s
	}
	return types.ParseThingError(s)
}

// newInfoTable builds the Lua side of an info object. Methods use colon
// syntax: info:finish("NoError", "message").
func newInfoTable(L *lua.LState, f finisher) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("finish", L.NewFunction(func(L *lua.LState) int {
		code := thingErrorArg(L.OptString(2, ""))
		msg := L.OptString(3, "")
		err := f.Finish(code, msg)
		L.Push(lua.LBool(err == nil))
		return 1
	}))
	return t
}

// thingTable returns the Lua handle for a thing. The same table is handed
// out for the thing's lifetime so scripts can keep their own fields on it.
func (p *Plugin) thingTable(L *lua.LState, th *integration.Thing) *lua.LTable {
	if t, ok := p.things[th.ID()]; ok {
		t.RawSetString("name", lua.LString(th.Name()))
		return t
	}
	t := L.NewTable()
	t.RawSetString("id", lua.LString(th.ID()))
	t.RawSetString("classId", lua.LString(th.ClassID()))
	t.RawSetString("name", lua.LString(th.Name()))
	t.RawSetString("autoCreated", lua.LBool(th.AutoCreated()))

	t.RawSetString("param", L.NewFunction(func(L *lua.LState) int {
		L.Push(goToLua(L, th.ParamValue(L.CheckString(2))))
		return 1
	}))
	t.RawSetString("setting", L.NewFunction(func(L *lua.LState) int {
		L.Push(goToLua(L, th.Setting(L.CheckString(2))))
		return 1
	}))
	t.RawSetString("state", L.NewFunction(func(L *lua.LState) int {
		L.Push(goToLua(L, th.StateValue(L.CheckString(2))))
		return 1
	}))
	t.RawSetString("setState", L.NewFunction(func(L *lua.LState) int {
		th.SetStateValue(L.CheckString(2), luaToGo(L.CheckAny(3)))
		return 0
	}))
	t.RawSetString("emit", L.NewFunction(func(L *lua.LState) int {
		var params types.ParamList
		if pt, ok := L.Get(3).(*lua.LTable); ok {
			params = paramsFromLua(pt)
		}
		th.EmitEvent(L.CheckString(2), params)
		return 0
	}))
	t.RawSetString("timer", L.NewFunction(func(L *lua.LState) int {
		interval := seconds(L.CheckNumber(2))
		fn := L.CheckFunction(3)
		timer := th.NewTimer(interval, p.timerCallback(fn))
		L.Push(timerTable(L, timer))
		return 1
	}))

	p.things[th.ID()] = t
	return t
}

func seconds(n lua.LNumber) time.Duration {
	return time.Duration(float64(n) * float64(time.Second))
}

// timerCallback runs on the host worker and hands the tick to the VM.
func (p *Plugin) timerCallback(fn *lua.LFunction) func() {
	return func() {
		err := p.call(p.ctx, func(L *lua.LState) error {
			return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true})
		})
		if err != nil {
			p.logger.Error("lua timer", "err", err)
		}
	}
}

func timerTable(L *lua.LState, timer *integration.Timer) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("stop", L.NewFunction(func(L *lua.LState) int {
		timer.Stop()
		return 0
	}))
	t.RawSetString("setInterval", L.NewFunction(func(L *lua.LState) int {
		timer.SetInterval(seconds(L.CheckNumber(2)))
		return 0
	}))
	return t
}

// registerHostModule registers the `host` global table: logging, plugin
// config, instance things, timers, auto-thing reconciliation and clock
// helpers.
func registerHostModule(L *lua.LState, p *Plugin) {
	mod := L.NewTable()

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		level := L.CheckString(1)
		msg := L.CheckString(2)
		switch level {
		case "debug":
			p.logger.Debug("script log", "msg", msg)
		case "warn":
			p.logger.Warn("script log", "msg", msg)
		case "error":
			p.logger.Error("script log", "msg", msg)
		default:
			p.logger.Info("script log", "msg", msg)
		}
		return 0
	}))

	mod.RawSetString("config", L.NewFunction(func(L *lua.LState) int {
		ic := p.instance(L)
		L.Push(goToLua(L, ic.ConfigValue(L.CheckString(1))))
		return 1
	}))

	mod.RawSetString("things", L.NewFunction(func(L *lua.LState) int {
		ic := p.instance(L)
		out := L.NewTable()
		for _, th := range ic.MyThings() {
			out.Append(p.thingTable(L, th))
		}
		L.Push(out)
		return 1
	}))

	mod.RawSetString("timer", L.NewFunction(func(L *lua.LState) int {
		ic := p.instance(L)
		interval := seconds(L.CheckNumber(1))
		fn := L.CheckFunction(2)
		L.Push(timerTable(L, ic.NewTimer(interval, p.timerCallback(fn))))
		return 1
	}))

	// host.reconcileAutoThings(classId, count, function(i) return {title=...} end)
	mod.RawSetString("reconcileAutoThings", L.NewFunction(func(L *lua.LState) int {
		ic := p.instance(L)
		classID := L.CheckString(1)
		count := L.CheckInt(2)
		fn := L.OptFunction(3, nil)
		created, removed := ic.ReconcileAutoThings(classID, count, func(i int) types.ThingDescriptor {
			d := types.ThingDescriptor{Title: fmt.Sprintf("%s %d", classID, i+1)}
			if fn == nil {
				return d
			}
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LNumber(i)); err != nil {
				p.logger.Error("auto thing descriptor", "err", err)
				return d
			}
			ret := L.Get(-1)
			L.Pop(1)
			if t, ok := ret.(*lua.LTable); ok {
				if title := optString(t, "title"); title != "" {
					d.Title = title
				}
				d.Description = optString(t, "description")
				if pt, ok := t.RawGetString("params").(*lua.LTable); ok {
					d.Params = paramsFromLua(pt)
				}
			}
			return d
		})
		L.Push(lua.LNumber(created))
		L.Push(lua.LNumber(removed))
		return 2
	}))

	mod.RawSetString("datetime", L.NewFunction(hostDatetime))
	mod.RawSetString("timeBetween", L.NewFunction(hostTimeBetween))

	L.SetGlobal("host", mod)
}

// instance returns the integration context or raises a Lua error when called
// before init.
func (p *Plugin) instance(L *lua.LState) *integration.Context {
	if p.ic == nil {
		L.RaiseError("host is not available before init")
	}
	return p.ic
}

// host.datetime(component) returns a date/time component.
func hostDatetime(L *lua.LState) int {
	component := L.CheckString(1)
	now := time.Now()

	switch component {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// host.timeBetween(fromHour, toHour) checks the current hour, wrapping past
// midnight when from > to.
func hostTimeBetween(L *lua.LState) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	L.Push(lua.LBool(hourBetween(time.Now().Hour(), from, to)))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

func optString(t *lua.LTable, key string) string {
	if s, ok := t.RawGetString(key).(lua.LString); ok {
		return string(s)
	}
	return ""
}

// paramsToLua exposes a param list keyed both by parameter type id and by
// position (1-based), matching the two views of types.ParamList.
func paramsToLua(L *lua.LState, params types.ParamList) *lua.LTable {
	t := L.NewTable()
	for i, p := range params {
		v := goToLua(L, p.Value)
		t.RawSetInt(i+1, v)
		if p.ParamTypeID != "" {
			t.RawSetString(p.ParamTypeID, v)
		}
	}
	return t
}

// paramsFromLua reads an id->value table. Keys are sorted so the result is
// deterministic; validation reorders to declared order later.
func paramsFromLua(t *lua.LTable) types.ParamList {
	var keys []string
	t.ForEach(func(k, _ lua.LValue) {
		if s, ok := k.(lua.LString); ok {
			keys = append(keys, string(s))
		}
	})
	sort.Strings(keys)
	out := make(types.ParamList, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Param{ParamTypeID: k, Value: luaToGo(t.RawGetString(k))})
	}
	return out
}

// luaToGo converts a Lua value to plain Go data. Integral numbers become
// int64; a table with keys 1..n becomes a slice, any other non-empty table a
// map; an empty table is nil.
func luaToGo(v lua.LValue) any {
	switch x := v.(type) {
	case lua.LBool:
		return bool(x)
	case lua.LNumber:
		f := float64(x)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(x)
	case *lua.LTable:
		n := x.MaxN()
		count := 0
		x.ForEach(func(_, _ lua.LValue) { count++ })
		if count == 0 {
			return nil
		}
		if n == count {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, luaToGo(x.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any, count)
		x.ForEach(func(k, val lua.LValue) {
			if gv := luaToGo(val); gv != nil {
				out[k.String()] = gv
			}
		})
		return out
	default:
		return nil
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
