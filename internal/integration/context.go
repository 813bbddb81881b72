package integration

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"thingrpc/internal/types"
)

// Context is the per-instance state handed to an integration. It replaces
// any module-level state: config values, the instance's things and its
// timers all live here.
type Context struct {
	host     *Host
	pluginID string
	logger   *slog.Logger

	mu     sync.Mutex
	config types.ParamList
	things []*Thing
	timers map[string][]*Timer
}

func newContext(h *Host, config types.ParamList) *Context {
	return &Context{
		host:     h,
		pluginID: h.meta.ID,
		logger:   h.logger,
		config:   config,
		timers:   make(map[string][]*Timer),
	}
}

func (c *Context) PluginID() string     { return c.pluginID }
func (c *Context) Logger() *slog.Logger { return c.logger }

// ConfigValue returns a plugin configuration value.
func (c *Context) ConfigValue(paramTypeID string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.Value(paramTypeID)
}

// Config returns a copy of the plugin configuration.
func (c *Context) Config() types.ParamList {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.Clone()
}

func (c *Context) setConfig(paramTypeID string, v any) {
	c.mu.Lock()
	c.config.Set(paramTypeID, v)
	c.mu.Unlock()
}

// MyThings returns the instance's things in creation order.
func (c *Context) MyThings() []*Thing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Thing(nil), c.things...)
}

// ThingsOfClass returns the things of one class in creation order.
func (c *Context) ThingsOfClass(thingClassID string) []*Thing {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Thing
	for _, t := range c.things {
		if t.ClassID() == thingClassID {
			out = append(out, t)
		}
	}
	return out
}

// Thing returns the thing with the given id.
func (c *Context) Thing(id string) (*Thing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.things {
		if t.ID() == id {
			return t, true
		}
	}
	return nil, false
}

func (c *Context) addThing(t *Thing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.things {
		if existing.ID() == t.ID() {
			return
		}
	}
	c.things = append(c.things, t)
}

func (c *Context) removeThing(id string) *Thing {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.things {
		if t.ID() == id {
			c.things = append(c.things[:i], c.things[i+1:]...)
			return t
		}
	}
	return nil
}

// AutoThingsAppeared creates auto things from descriptors. The things are
// part of MyThings when this returns; the host sets them up afterwards.
func (c *Context) AutoThingsAppeared(descriptors ...types.ThingDescriptor) []*Thing {
	var created []*Thing
	for _, d := range descriptors {
		tc, ok := c.host.class(d.ThingClassID)
		if !ok {
			c.logger.Error("auto thing of unknown class", "class", d.ThingClassID)
			continue
		}
		params, err := tc.ParamTypes.Validate(d.Params, false)
		if err != nil {
			c.logger.Error("auto thing params", "class", d.ThingClassID, "err", err)
			continue
		}
		t := &types.Thing{
			ID:           uuid.NewString(),
			ThingClassID: tc.ID,
			Name:         d.Title,
			Params:       params,
			SetupStatus:  types.SetupStatusNone,
			AutoCreated:  true,
			CreatedAt:    time.Now().UTC(),
		}
		t.InitStates(tc)
		handle := newThing(c, tc, t)
		c.addThing(handle)
		created = append(created, handle)
		c.logger.Info("auto thing appeared", "thing", t.ID, "class", tc.ID)
	}
	if len(created) > 0 && c.host.sink != nil {
		c.host.sink.ThingsAppeared(c.pluginID, created)
	}
	return created
}

// AutoThingDisappeared removes an auto thing. Its timers are stopped first;
// ThingRemoved runs later on the worker.
func (c *Context) AutoThingDisappeared(thingID string) bool {
	c.stopTimers(thingID)
	t := c.removeThing(thingID)
	if t == nil {
		return false
	}
	c.logger.Info("auto thing disappeared", "thing", thingID)
	go func() {
		_ = c.host.submit(func() { c.host.impl.ThingRemoved(t) })
	}()
	if c.host.sink != nil {
		c.host.sink.ThingDisappeared(c.pluginID, t)
	}
	return true
}

// ReconcileAutoThings brings the number of auto things of a class to
// desired. Missing things are created from newDescriptor; surplus things are
// removed from the tail of MyThings. Applying the same count twice changes
// nothing the second time.
func (c *Context) ReconcileAutoThings(thingClassID string, desired int, newDescriptor func(i int) types.ThingDescriptor) (created, removed int) {
	if desired < 0 {
		desired = 0
	}
	existing := c.ThingsOfClass(thingClassID)

	var add []types.ThingDescriptor
	for i := len(existing); i < desired; i++ {
		d := newDescriptor(i)
		d.ThingClassID = thingClassID
		add = append(add, d)
	}
	created = len(c.AutoThingsAppeared(add...))

	for i := desired; i < len(existing); i++ {
		if c.AutoThingDisappeared(existing[i].ID()) {
			removed++
		}
	}
	c.logger.Info("auto things reconciled", "class", thingClassID, "desired", desired, "created", created, "removed", removed)
	return created, removed
}

// NewTimer starts a timer owned by the integration instance. It is stopped
// on Deinit.
func (c *Context) NewTimer(interval time.Duration, fn func()) *Timer {
	return c.newOwnedTimer("", interval, fn)
}

func (c *Context) newOwnedTimer(owner string, interval time.Duration, fn func()) *Timer {
	t := newTimer(owner, interval, fn, c.logger)
	c.mu.Lock()
	c.timers[owner] = append(c.timers[owner], t)
	c.mu.Unlock()
	go t.run(c.host.submit)
	return t
}

func (c *Context) stopTimers(owner string) {
	c.mu.Lock()
	timers := c.timers[owner]
	delete(c.timers, owner)
	c.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}

func (c *Context) stopAllTimers() {
	c.mu.Lock()
	all := c.timers
	c.timers = make(map[string][]*Timer)
	c.mu.Unlock()
	for _, timers := range all {
		for _, t := range timers {
			t.Stop()
		}
	}
}

// Thing is the integration's handle to one of its things.
type Thing struct {
	ic    *Context
	class types.ThingClass
	id    string

	mu sync.RWMutex
	t  *types.Thing
}

func newThing(ic *Context, tc types.ThingClass, t *types.Thing) *Thing {
	return &Thing{ic: ic, class: tc, id: t.ID, t: t}
}

func (t *Thing) ID() string              { return t.id }
func (t *Thing) ClassID() string         { return t.class.ID }
func (t *Thing) Class() types.ThingClass { return t.class }

func (t *Thing) Name() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.t.Name
}

func (t *Thing) AutoCreated() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.t.AutoCreated
}

// ParamValue returns a thing parameter.
func (t *Thing) ParamValue(paramTypeID string) any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.t.Params.Value(paramTypeID)
}

// Setting returns a thing setting.
func (t *Thing) Setting(paramTypeID string) any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.t.Settings.Value(paramTypeID)
}

// StateValue returns the current value of a state.
func (t *Thing) StateValue(stateTypeID string) any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.t.StateValue(stateTypeID)
}

// SetStateValue sets a state. The value is coerced to the declared type;
// the host is told only when the value changed.
func (t *Thing) SetStateValue(stateTypeID string, v any) {
	if st, ok := t.class.StateType(stateTypeID); ok {
		coerced, err := st.ParamType().Coerce(v)
		if err != nil {
			t.ic.logger.Warn("state value rejected", "thing", t.id, "state", stateTypeID, "err", err)
			return
		}
		v = coerced
	}
	t.mu.Lock()
	changed := t.t.SetStateValue(stateTypeID, v)
	t.mu.Unlock()
	if changed && t.ic.host.sink != nil {
		t.ic.host.sink.StateChanged(t, stateTypeID, v)
	}
}

// EmitEvent reports an event. Params are checked against the event type.
func (t *Thing) EmitEvent(eventTypeID string, params types.ParamList) {
	if et, ok := t.class.EventType(eventTypeID); ok {
		validated, err := et.ParamTypes.Validate(params, false)
		if err != nil {
			t.ic.logger.Warn("event params rejected", "thing", t.id, "event", eventTypeID, "err", err)
			return
		}
		params = validated
	}
	if t.ic.host.sink != nil {
		t.ic.host.sink.EventEmitted(types.Event{ThingID: t.id, EventTypeID: eventTypeID, Params: params})
	}
}

// NewTimer starts a timer owned by this thing. It is stopped before the
// thing's removal is acknowledged.
func (t *Thing) NewTimer(interval time.Duration, fn func()) *Timer {
	return t.ic.newOwnedTimer(t.id, interval, fn)
}

// Snapshot returns a copy of the thing's data.
func (t *Thing) Snapshot() *types.Thing {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.t.Clone()
}

func (t *Thing) update(fn func(*types.Thing)) {
	t.mu.Lock()
	fn(t.t)
	t.mu.Unlock()
}
