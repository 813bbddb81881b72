//go:build !no_lua

// Package luaplugin runs integrations written in Lua. A script declares a
// global `plugin` table holding its catalogue in the layout of catalogue
// JSON files, plus optional global hook functions named like the Go hooks
// (discoverThings, setupThing, executeAction, ...). A missing hook behaves
// like integration.Base.
package luaplugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"thingrpc/internal/integration"
	"thingrpc/internal/types"
)

// ErrClosed is returned for calls into a plugin whose VM has shut down.
var ErrClosed = errors.New("lua vm closed")

const loadTimeout = 5 * time.Second

// manifest is the Go shape of the script's `plugin` table.
type manifest struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	ConfigTypes types.ParamTypes `json:"configTypes"`
	types.VendorFile
}

// Plugin is a Lua-scripted integration. The Lua state is owned by a single
// command goroutine; everything touching it is sent there.
type Plugin struct {
	integration.Base

	meta   integration.Metadata
	logger *slog.Logger

	L        *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	// VM goroutine only.
	ic     *integration.Context
	things map[string]*lua.LTable
}

// Load executes code and reads the plugin manifest. The VM goroutine starts
// immediately; Deinit stops it.
func Load(name, code string, logger *slog.Logger) (*Plugin, error) {
	L := newState()

	p := &Plugin{
		L:        L,
		commands: make(chan func(*lua.LState), 64),
		done:     make(chan struct{}),
		things:   make(map[string]*lua.LTable),
	}
	p.logger = logger.With("component", "luaplugin", "script", name)
	registerHostModule(L, p)

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	L.SetContext(ctx)
	err := L.DoString(code)
	L.RemoveContext()
	cancel()
	if err != nil {
		L.Close()
		errStr := err.Error()
		if strings.Contains(errStr, "context deadline exceeded") {
			errStr = "timeout (5s)"
		}
		return nil, fmt.Errorf("execute script %s: %s", name, errStr)
	}

	m, err := readManifest(L)
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("script %s: %w", name, err)
	}
	p.meta = integration.Metadata{ID: m.ID, Name: m.Name, ConfigTypes: m.ConfigTypes, Catalog: m.VendorFile}
	p.logger = p.logger.With("plugin", m.ID)

	p.ctx, p.cancel = context.WithCancel(context.Background())
	go p.loop()
	return p, nil
}

func newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	// Sandbox: remove dangerous libs and functions
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)
	return L
}

func readManifest(L *lua.LState) (manifest, error) {
	var m manifest
	tbl, ok := L.GetGlobal("plugin").(*lua.LTable)
	if !ok {
		return m, errors.New("global plugin table missing")
	}
	raw, err := json.Marshal(luaToGo(tbl))
	if err != nil {
		return m, fmt.Errorf("encode plugin table: %w", err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("decode plugin table: %w", err)
	}
	if m.ID == "" {
		return m, errors.New("plugin.id missing")
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	return m, nil
}

// loop runs commands until the plugin is closed.
func (p *Plugin) loop() {
	defer close(p.done)
	defer p.L.Close()
	for {
		select {
		case <-p.ctx.Done():
			return
		case fn := <-p.commands:
			fn(p.L)
		}
	}
}

// call runs fn on the VM goroutine with ctx installed, so a runaway script
// is interrupted when ctx ends.
func (p *Plugin) call(ctx context.Context, fn func(*lua.LState) error) error {
	errc := make(chan error, 1)
	cmd := func(L *lua.LState) {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("lua panic: %v", r)
			}
		}()
		L.SetContext(ctx)
		defer L.RemoveContext()
		errc <- fn(L)
	}

	select {
	case p.commands <- cmd:
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-p.done:
		return ErrClosed
	}
}

// callHook calls a global Lua function if the script defines it. args is
// evaluated on the VM goroutine.
func (p *Plugin) callHook(ctx context.Context, name string, args func(*lua.LState) []lua.LValue) (bool, error) {
	found := false
	err := p.call(ctx, func(L *lua.LState) error {
		fn, ok := L.GetGlobal(name).(*lua.LFunction)
		if !ok {
			return nil
		}
		found = true
		var argv []lua.LValue
		if args != nil {
			argv = args(L)
		}
		return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, argv...)
	})
	return found, err
}

// Close stops the VM goroutine. Deinit calls it.
func (p *Plugin) Close() {
	p.cancel()
	<-p.done
}

func (p *Plugin) Metadata() integration.Metadata { return p.meta }
