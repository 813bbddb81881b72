package integration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"thingrpc/internal/types"
)

// DefaultHookTimeout bounds how long the host waits for an info object.
const DefaultHookTimeout = 30 * time.Second

type HostOption func(*Host)

func WithHookTimeout(d time.Duration) HostOption {
	return func(h *Host) { h.hookTimeout = d }
}

// Host runs one integration instance on a dedicated worker goroutine.
type Host struct {
	impl        Integration
	meta        Metadata
	sink        Sink
	logger      *slog.Logger
	hookTimeout time.Duration
	classes     map[string]types.ThingClass

	ic      *Context
	jobs    chan func()
	stopped chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewHost prepares a host for impl. Nothing runs until Start.
func NewHost(impl Integration, sink Sink, logger *slog.Logger, opts ...HostOption) *Host {
	meta := impl.Metadata()
	h := &Host{
		impl:        impl,
		meta:        meta,
		sink:        sink,
		logger:      logger.With("component", "integration", "plugin", meta.ID),
		hookTimeout: DefaultHookTimeout,
		classes:     make(map[string]types.ThingClass),
		jobs:        make(chan func(), 64),
		stopped:     make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	for _, v := range meta.Catalog.Vendors {
		for _, tc := range v.ThingClasses {
			tc.VendorID = v.ID
			if tc.PluginID == "" {
				tc.PluginID = meta.ID
			}
			h.classes[tc.ID] = tc
		}
	}
	return h
}

func (h *Host) ID() string           { return h.meta.ID }
func (h *Host) Metadata() Metadata   { return h.meta }
func (h *Host) Context() *Context    { return h.ic }
func (h *Host) Logger() *slog.Logger { return h.logger }

func (h *Host) class(id string) (types.ThingClass, bool) {
	tc, ok := h.classes[id]
	return tc, ok
}

// Start validates the plugin configuration, starts the worker and runs Init
// on its own goroutine. config may be nil to use defaults.
func (h *Host) Start(ctx context.Context, config types.ParamList) error {
	cfg, err := h.meta.ConfigTypes.Validate(config, false)
	if err != nil {
		return fmt.Errorf("plugin %s config: %w", h.meta.ID, err)
	}

	h.startOnce.Do(func() {
		h.ctx, h.cancel = context.WithCancel(ctx)
		h.ic = newContext(h, cfg)

		h.wg.Add(1)
		go h.worker()

		initDone := make(chan error, 1)
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("init panicked", "panic", fmt.Sprint(r))
					initDone <- fmt.Errorf("init panicked: %v", r)
				}
			}()
			err := h.impl.Init(h.ctx, h.ic)
			if err != nil && h.ctx.Err() == nil {
				h.logger.Error("init", "err", err)
			}
			initDone <- err
		}()

		// Init either returns quickly or keeps running until Deinit.
		select {
		case err = <-initDone:
			if err != nil {
				err = fmt.Errorf("plugin %s init: %w", h.meta.ID, err)
			}
		case <-time.After(100 * time.Millisecond):
			h.logger.Debug("init keeps running")
		}
	})
	if err != nil {
		h.Stop()
		return err
	}
	h.logger.Info("integration started", "name", h.meta.Name, "classes", len(h.classes))
	return nil
}

func (h *Host) worker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.jobs:
			h.runJob(job)
		case <-h.stopped:
			return
		}
	}
}

func (h *Host) runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hook panicked", "panic", fmt.Sprint(r))
		}
	}()
	job()
}

// submit queues job on the worker.
func (h *Host) submit(job func()) error {
	select {
	case <-h.stopped:
		return ErrStopped
	default:
	}
	select {
	case h.jobs <- job:
		return nil
	case <-h.stopped:
		return ErrStopped
	}
}

// call runs fn on the worker and waits until it returned.
func (h *Host) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := h.submit(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.stopped:
		return ErrStopped
	}
}

// await runs hook on the worker and waits for the info's outcome. A hook
// that returns without finishing may still finish later; if it does not
// finish within the hook timeout the host finishes it with
// ThingErrorTimeout.
func (h *Host) await(ctx context.Context, in *info, hook func()) Outcome {
	err := h.submit(func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("hook panicked", "op", in.op, "panic", fmt.Sprint(r))
				in.complete(Outcome{Code: types.ThingErrorHardwareFailure, Message: fmt.Sprint(r)})
			}
		}()
		hook()
	})
	if err != nil {
		return Outcome{Code: types.ThingErrorHardwareNotAvailable, Message: err.Error()}
	}

	timer := time.NewTimer(h.hookTimeout)
	defer timer.Stop()
	select {
	case <-in.Done():
	case <-timer.C:
		if in.complete(Outcome{Code: types.ThingErrorTimeout, Message: in.op + " timed out"}) {
			h.logger.Warn("hook did not finish in time", "op", in.op, "timeout", h.hookTimeout)
		}
	case <-ctx.Done():
		in.complete(Outcome{Code: types.ThingErrorTimeout, Message: ctx.Err().Error()})
	case <-h.stopped:
		in.complete(Outcome{Code: types.ThingErrorHardwareNotAvailable, Message: ErrStopped.Error()})
	}
	return in.Outcome()
}

func (h *Host) newInfo(ctx context.Context, op string) (*info, context.CancelFunc) {
	opCtx, cancel := context.WithCancel(ctx)
	return newInfo(opCtx, op, h.logger), cancel
}

// StartMonitoringAutoThings runs the hook and waits for it to return.
func (h *Host) StartMonitoringAutoThings(ctx context.Context) error {
	return h.call(ctx, func() { h.impl.StartMonitoringAutoThings(h.ctx) })
}

// Discover runs DiscoverThings.
func (h *Host) Discover(ctx context.Context, thingClassID string, params types.ParamList) ([]types.ThingDescriptor, Outcome) {
	in, cancel := h.newInfo(ctx, "discover")
	defer cancel()
	di := &DiscoveryInfo{info: in, ThingClassID: thingClassID, Params: params}
	out := h.await(ctx, in, func() { h.impl.DiscoverThings(di) })
	if !out.OK() {
		return nil, out
	}
	return di.Descriptors(), out
}

// PairingRequest identifies a pairing transaction.
type PairingRequest struct {
	TransactionID string
	ThingClassID  string
	ThingID       string
	ThingName     string
	Params        types.ParamList
}

func (h *Host) pairingInfo(in *info, req PairingRequest) *PairingInfo {
	return &PairingInfo{
		info:          in,
		TransactionID: req.TransactionID,
		ThingClassID:  req.ThingClassID,
		ThingID:       req.ThingID,
		ThingName:     req.ThingName,
		Params:        req.Params,
	}
}

// StartPairing runs StartPairing. The outcome message is the instruction
// shown to the user.
func (h *Host) StartPairing(ctx context.Context, req PairingRequest) Outcome {
	in, cancel := h.newInfo(ctx, "start pairing")
	defer cancel()
	pi := h.pairingInfo(in, req)
	return h.await(ctx, in, func() { h.impl.StartPairing(pi) })
}

// ConfirmPairing runs ConfirmPairing.
func (h *Host) ConfirmPairing(ctx context.Context, req PairingRequest, username, secret string) Outcome {
	in, cancel := h.newInfo(ctx, "confirm pairing")
	defer cancel()
	pi := h.pairingInfo(in, req)
	return h.await(ctx, in, func() { h.impl.ConfirmPairing(pi, username, secret) })
}

// SetupThing adds t to the instance and runs SetupThing. On success
// PostSetupThing is queued; on failure the thing is dropped again.
func (h *Host) SetupThing(ctx context.Context, t *types.Thing) (*Thing, Outcome) {
	tc, ok := h.class(t.ThingClassID)
	if !ok {
		return nil, Outcome{Code: types.ThingErrorThingClassNotFound}
	}
	handle, existed := h.ic.Thing(t.ID)
	if !existed {
		handle = newThing(h.ic, tc, t.Clone())
		handle.t.InitStates(tc)
		h.ic.addThing(handle)
	}
	return h.setup(ctx, handle, existed)
}

// SetupExisting runs SetupThing for a thing already in MyThings, such as an
// auto thing. It never adds the thing, so one removed meanwhile stays gone.
func (h *Host) SetupExisting(ctx context.Context, thingID string) (*Thing, Outcome) {
	handle, ok := h.ic.Thing(thingID)
	if !ok {
		return nil, Outcome{Code: types.ThingErrorThingNotFound}
	}
	return h.setup(ctx, handle, true)
}

func (h *Host) setup(ctx context.Context, handle *Thing, existed bool) (*Thing, Outcome) {
	id := handle.ID()
	handle.update(func(th *types.Thing) { th.SetupStatus = types.SetupStatusInProgress })

	in, cancel := h.newInfo(ctx, "setup")
	defer cancel()
	si := &SetupInfo{info: in, Thing: handle}
	out := h.await(ctx, in, func() { h.impl.SetupThing(si) })
	if !out.OK() {
		handle.update(func(th *types.Thing) {
			th.SetupStatus = types.SetupStatusFailed
			th.SetupError = out.Code
		})
		if !existed {
			h.ic.stopTimers(id)
			h.ic.removeThing(id)
		}
		return handle, out
	}
	handle.update(func(th *types.Thing) {
		th.SetupStatus = types.SetupStatusComplete
		th.SetupError = ""
	})
	if _, still := h.ic.Thing(id); !still {
		return handle, Outcome{Code: types.ThingErrorThingNotFound}
	}
	if err := h.submit(func() { h.impl.PostSetupThing(handle) }); err != nil {
		h.logger.Warn("post setup not queued", "thing", id, "err", err)
	}
	return handle, out
}

// ExecuteAction runs ExecuteAction for one of the instance's things.
func (h *Host) ExecuteAction(ctx context.Context, thingID string, a types.Action) Outcome {
	t, ok := h.ic.Thing(thingID)
	if !ok {
		return Outcome{Code: types.ThingErrorThingNotFound}
	}
	in, cancel := h.newInfo(ctx, "execute action")
	defer cancel()
	ai := &ActionInfo{info: in, Thing: t, ActionTypeID: a.ActionTypeID, Params: a.Params}
	return h.await(ctx, in, func() { h.impl.ExecuteAction(ai) })
}

// Browse runs BrowseThing for itemID ("" for the root).
func (h *Host) Browse(ctx context.Context, thingID, itemID string) ([]types.BrowserItem, Outcome) {
	t, ok := h.ic.Thing(thingID)
	if !ok {
		return nil, Outcome{Code: types.ThingErrorThingNotFound}
	}
	in, cancel := h.newInfo(ctx, "browse")
	defer cancel()
	br := &BrowseResult{info: in, Thing: t, ItemID: itemID}
	out := h.await(ctx, in, func() { h.impl.BrowseThing(br) })
	if !out.OK() {
		return nil, out
	}
	return br.Items(), out
}

// ExecuteBrowserItem runs ExecuteBrowserItem.
func (h *Host) ExecuteBrowserItem(ctx context.Context, thingID, itemID string) Outcome {
	t, ok := h.ic.Thing(thingID)
	if !ok {
		return Outcome{Code: types.ThingErrorThingNotFound}
	}
	in, cancel := h.newInfo(ctx, "execute browser item")
	defer cancel()
	bi := &BrowserActionInfo{info: in, Thing: t, ItemID: itemID}
	return h.await(ctx, in, func() { h.impl.ExecuteBrowserItem(bi) })
}

// RemoveThing stops the thing's timers, drops it from the instance and runs
// ThingRemoved. When it returns no tick of the thing will run again.
func (h *Host) RemoveThing(ctx context.Context, thingID string) error {
	h.ic.stopTimers(thingID)
	t := h.ic.removeThing(thingID)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrThingNotFound, thingID)
	}
	return h.call(ctx, func() { h.impl.ThingRemoved(t) })
}

// SetConfigValue validates and stores a plugin config value, then runs
// ConfigValueChanged.
func (h *Host) SetConfigValue(ctx context.Context, paramTypeID string, value any) error {
	pt, ok := h.meta.ConfigTypes.ByID(paramTypeID)
	if !ok {
		return fmt.Errorf("%w: unknown config param %q", types.ErrInvalidParameter, paramTypeID)
	}
	v, err := pt.Coerce(value)
	if err != nil {
		return err
	}
	h.ic.setConfig(paramTypeID, v)
	return h.call(ctx, func() { h.impl.ConfigValueChanged(paramTypeID, v) })
}

// SetThingSetting validates and stores a thing setting, then runs
// ThingSettingChanged.
func (h *Host) SetThingSetting(ctx context.Context, thingID, paramTypeID string, value any) error {
	t, ok := h.ic.Thing(thingID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrThingNotFound, thingID)
	}
	pt, ok := t.class.SettingsTypes.ByID(paramTypeID)
	if !ok {
		return fmt.Errorf("%w: unknown setting %q", types.ErrInvalidParameter, paramTypeID)
	}
	v, err := pt.Coerce(value)
	if err != nil {
		return err
	}
	t.update(func(th *types.Thing) { th.Settings.Set(paramTypeID, v) })
	return h.call(ctx, func() { h.impl.ThingSettingChanged(t, paramTypeID, v) })
}

// Stop stops every timer, runs Deinit on the worker, cancels Init and waits
// for the worker to exit.
func (h *Host) Stop() {
	h.stopOnce.Do(func() {
		if h.ic == nil {
			close(h.stopped)
			return
		}
		h.ic.stopAllTimers()
		ctx, cancel := context.WithTimeout(context.Background(), h.hookTimeout)
		if err := h.call(ctx, func() { h.impl.Deinit(h.ctx) }); err != nil {
			h.logger.Warn("deinit", "err", err)
		}
		cancel()
		h.cancel()
		close(h.stopped)
		h.wg.Wait()
		h.logger.Info("integration stopped")
	})
}
