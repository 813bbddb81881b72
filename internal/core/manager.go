// Package core is the server side of the protocol: the thing manager that
// drives integrations, the rule service and the namespace handlers served
// over JSON-RPC.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"thingrpc/internal/integration"
	"thingrpc/internal/store"
	"thingrpc/internal/types"
)

const (
	// DefaultPairingTTL is how long a pairing transaction waits for its
	// confirmation.
	DefaultPairingTTL = 5 * time.Minute
	// DefaultDiscoveryTTL is how long discovered descriptors can be added.
	DefaultDiscoveryTTL = 30 * time.Minute
)

// Outcome is the domain result of a thing operation.
type Outcome = integration.Outcome

func failed(code types.ThingError, format string, args ...any) Outcome {
	return Outcome{Code: code, Message: fmt.Sprintf(format, args...)}
}

func paramOutcome(err error) Outcome {
	if errors.Is(err, types.ErrMissingParameter) {
		return Outcome{Code: types.ThingErrorMissingParameter, Message: err.Error()}
	}
	return Outcome{Code: types.ThingErrorInvalidParameter, Message: err.Error()}
}

var success = Outcome{Code: types.ThingErrorNoError}

type ManagerOption func(*ThingManager)

// WithHookTimeout bounds every integration hook.
func WithHookTimeout(d time.Duration) ManagerOption {
	return func(m *ThingManager) { m.hookTimeout = d }
}

func WithPairingTTL(d time.Duration) ManagerOption {
	return func(m *ThingManager) { m.pairingTTL = d }
}

func WithDiscoveryTTL(d time.Duration) ManagerOption {
	return func(m *ThingManager) { m.discoveryTTL = d }
}

// ThingManager owns the catalogue, one host per integration and the
// configured things. It is the integration.Sink of every host.
type ThingManager struct {
	catalog      *types.Catalog
	store        store.Store
	bus          *EventBus
	baseLogger   *slog.Logger
	logger       *slog.Logger
	hookTimeout  time.Duration
	pairingTTL   time.Duration
	discoveryTTL time.Duration
	now          func() time.Time

	mu         sync.RWMutex
	ctx        context.Context
	hosts      map[string]*integration.Host
	hostOrder  []string
	things     map[string]*managedThing
	order      []string
	pairings   map[string]*pairingTransaction
	discovered map[string]discoveredDescriptor
}

type managedThing struct {
	host   *integration.Host
	handle *integration.Thing
}

type pairingTransaction struct {
	host        *integration.Host
	req         integration.PairingRequest
	reconfigure bool
	created     time.Time
}

type discoveredDescriptor struct {
	desc types.ThingDescriptor
	at   time.Time
}

// NewThingManager creates a manager. Integrations are added with
// AddIntegration before Start.
func NewThingManager(catalog *types.Catalog, st store.Store, bus *EventBus, logger *slog.Logger, opts ...ManagerOption) *ThingManager {
	m := &ThingManager{
		catalog:      catalog,
		store:        st,
		bus:          bus,
		baseLogger:   logger,
		logger:       logger.With("component", "things"),
		hookTimeout:  integration.DefaultHookTimeout,
		pairingTTL:   DefaultPairingTTL,
		discoveryTTL: DefaultDiscoveryTTL,
		now:          time.Now,
		ctx:          context.Background(),
		hosts:        make(map[string]*integration.Host),
		things:       make(map[string]*managedThing),
		pairings:     make(map[string]*pairingTransaction),
		discovered:   make(map[string]discoveredDescriptor),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Catalog returns the thing class registry.
func (m *ThingManager) Catalog() *types.Catalog { return m.catalog }

// AddIntegration registers impl and its catalogue. The host is started by
// Start.
func (m *ThingManager) AddIntegration(impl integration.Integration) error {
	meta := impl.Metadata()
	if meta.ID == "" {
		return fmt.Errorf("integration %q: missing id", meta.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.hosts[meta.ID]; exists {
		return fmt.Errorf("integration %q already registered", meta.ID)
	}
	if err := m.catalog.Register(meta.Catalog, meta.ID); err != nil {
		return fmt.Errorf("integration %s catalogue: %w", meta.ID, err)
	}
	m.hosts[meta.ID] = integration.NewHost(impl, m, m.baseLogger, integration.WithHookTimeout(m.hookTimeout))
	m.hostOrder = append(m.hostOrder, meta.ID)
	return nil
}

func (m *ThingManager) hostList() []*integration.Host {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*integration.Host, 0, len(m.hostOrder))
	for _, id := range m.hostOrder {
		out = append(out, m.hosts[id])
	}
	return out
}

func (m *ThingManager) host(pluginID string) (*integration.Host, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hosts[pluginID]
	return h, ok
}

// Start starts every integration with its stored configuration, restores
// the stored things and starts auto thing monitoring. An integration that
// fails to start is dropped.
func (m *ThingManager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	for _, h := range m.hostList() {
		cfg, err := m.store.PluginConfig(h.ID())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load config of %s: %w", h.ID(), err)
		}
		if err := h.Start(ctx, cfg); err != nil {
			m.logger.Error("integration failed to start", "plugin", h.ID(), "err", err)
			m.dropHost(h.ID())
		}
	}

	stored, err := m.store.ListThings()
	if err != nil {
		return fmt.Errorf("load things: %w", err)
	}
	sort.SliceStable(stored, func(i, j int) bool { return stored[i].CreatedAt.Before(stored[j].CreatedAt) })
	restored := 0
	for _, t := range stored {
		if m.restore(ctx, t) {
			restored++
		}
	}
	m.logger.Info("things restored", "count", restored, "stored", len(stored))

	for _, h := range m.hostList() {
		if err := h.StartMonitoringAutoThings(ctx); err != nil {
			m.logger.Warn("start monitoring auto things", "plugin", h.ID(), "err", err)
		}
	}
	return nil
}

func (m *ThingManager) dropHost(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hosts, pluginID)
	for i, id := range m.hostOrder {
		if id == pluginID {
			m.hostOrder = append(m.hostOrder[:i], m.hostOrder[i+1:]...)
			break
		}
	}
}

func (m *ThingManager) restore(ctx context.Context, t *types.Thing) bool {
	_, h, out := m.classHost(t.ThingClassID)
	if !out.OK() {
		m.logger.Warn("stored thing not restored", "thing", t.ID, "class", t.ThingClassID, "code", out.Code)
		return false
	}
	handle, out := h.SetupThing(ctx, t)
	if !out.OK() {
		m.logger.Warn("stored thing setup failed", "thing", t.ID, "code", out.Code, "msg", out.Message)
		return false
	}
	m.track(h, handle)
	m.persist(handle)
	return true
}

// Stop stops every integration.
func (m *ThingManager) Stop() {
	for _, h := range m.hostList() {
		h.Stop()
	}
}

func (m *ThingManager) classHost(thingClassID string) (types.ThingClass, *integration.Host, Outcome) {
	tc, found := m.catalog.ThingClass(thingClassID)
	if !found {
		return tc, nil, failed(types.ThingErrorThingClassNotFound, "thing class %s", thingClassID)
	}
	h, found := m.host(tc.PluginID)
	if !found {
		return tc, nil, failed(types.ThingErrorPluginNotFound, "no integration serves %s", thingClassID)
	}
	return tc, h, success
}

func (m *ThingManager) track(h *integration.Host, handle *integration.Thing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.things[handle.ID()]; !exists {
		m.order = append(m.order, handle.ID())
	}
	m.things[handle.ID()] = &managedThing{host: h, handle: handle}
}

func (m *ThingManager) untrack(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.things[id]; !exists {
		return false
	}
	delete(m.things, id)
	for i, tid := range m.order {
		if tid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

func (m *ThingManager) lookup(id string) (*managedThing, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, found := m.things[id]
	return mt, found
}

func (m *ThingManager) persist(handle *integration.Thing) {
	if err := m.store.SaveThing(handle.Snapshot()); err != nil {
		m.logger.Error("save thing", "thing", handle.ID(), "err", err)
	}
}

func (m *ThingManager) forget(id string) {
	if !m.untrack(id) {
		return
	}
	if err := m.store.DeleteThing(id); err != nil {
		m.logger.Error("delete thing", "thing", id, "err", err)
	}
	m.logger.Info("thing removed", "thing", id)
	m.bus.Emit(Event{Type: EventDeviceRemoved, Data: ThingRemoved{ThingID: id}})
}

// Things returns snapshots of the configured things in creation order.
func (m *ThingManager) Things() []*types.Thing {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Thing, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.things[id].handle.Snapshot())
	}
	return out
}

// Thing returns a snapshot of one thing.
func (m *ThingManager) Thing(id string) (*types.Thing, bool) {
	mt, found := m.lookup(id)
	if !found {
		return nil, false
	}
	return mt.handle.Snapshot(), true
}

// ThingClassOf implements rules.Catalog.
func (m *ThingManager) ThingClassOf(thingID string) (types.ThingClass, bool) {
	mt, found := m.lookup(thingID)
	if !found {
		return types.ThingClass{}, false
	}
	return mt.handle.Class(), true
}

// StateValue implements rules.StateSource.
func (m *ThingManager) StateValue(thingID, stateTypeID string) (any, bool) {
	mt, found := m.lookup(thingID)
	if !found {
		return nil, false
	}
	tc := mt.handle.Class()
	if _, declared := tc.StateType(stateTypeID); !declared {
		return nil, false
	}
	return mt.handle.StateValue(stateTypeID), true
}

// StateValues returns every state of a thing.
func (m *ThingManager) StateValues(thingID string) ([]types.State, Outcome) {
	t, found := m.Thing(thingID)
	if !found {
		return nil, failed(types.ThingErrorThingNotFound, "thing %s", thingID)
	}
	return t.States, success
}

// Discover runs discovery for a class. The returned descriptors are cached
// and can be added by id until they expire.
func (m *ThingManager) Discover(ctx context.Context, thingClassID string, params types.ParamList) ([]types.ThingDescriptor, Outcome) {
	tc, h, out := m.classHost(thingClassID)
	if !out.OK() {
		return nil, out
	}
	if !tc.Supports(types.CreateMethodDiscovery) {
		return nil, failed(types.ThingErrorCreationMethodNotSupported, "%s cannot be discovered", thingClassID)
	}
	validated, err := tc.DiscoveryParamTypes.Validate(params, true)
	if err != nil {
		return nil, paramOutcome(err)
	}
	descs, out := h.Discover(ctx, thingClassID, validated)
	if !out.OK() {
		return nil, out
	}

	now := m.now()
	m.mu.Lock()
	m.pruneLocked(now)
	for i := range descs {
		if descs[i].ID == "" {
			descs[i].ID = uuid.NewString()
		}
		if descs[i].ThingID != "" {
			if _, known := m.things[descs[i].ThingID]; !known {
				descs[i].ThingID = ""
			}
		}
		m.discovered[descs[i].ID] = discoveredDescriptor{desc: descs[i], at: now}
	}
	m.mu.Unlock()
	m.logger.Info("discovery finished", "class", thingClassID, "found", len(descs))
	return descs, out
}

func (m *ThingManager) pruneLocked(now time.Time) {
	for id, d := range m.discovered {
		if now.Sub(d.at) > m.discoveryTTL {
			delete(m.discovered, id)
		}
	}
	for id, p := range m.pairings {
		if now.Sub(p.created) > m.pairingTTL {
			m.logger.Info("pairing transaction expired", "transaction", id)
			delete(m.pairings, id)
		}
	}
}

// AddRequest describes a thing to add or pair: either a class with params,
// or a discovered descriptor.
type AddRequest struct {
	ThingClassID string
	Name         string
	Params       types.ParamList
	DescriptorID string
}

type resolvedRequest struct {
	tc      types.ThingClass
	host    *integration.Host
	thingID string // set when an existing thing is reconfigured
	name    string
	params  types.ParamList
}

func (m *ThingManager) resolve(req AddRequest) (resolvedRequest, Outcome) {
	var r resolvedRequest
	classID := req.ThingClassID
	params := req.Params
	name := req.Name

	if req.DescriptorID != "" {
		m.mu.Lock()
		m.pruneLocked(m.now())
		d, found := m.discovered[req.DescriptorID]
		m.mu.Unlock()
		if !found {
			return r, failed(types.ThingErrorThingDescriptorNotFound, "descriptor %s", req.DescriptorID)
		}
		classID = d.desc.ThingClassID
		params = d.desc.Params.Clone()
		for _, p := range req.Params {
			params.Set(p.ParamTypeID, p.Value)
		}
		if name == "" {
			name = d.desc.Title
		}
		r.thingID = d.desc.ThingID
	}

	tc, h, out := m.classHost(classID)
	if !out.OK() {
		return r, out
	}
	if req.DescriptorID == "" && !tc.Supports(types.CreateMethodUser) {
		return r, failed(types.ThingErrorCreationMethodNotSupported, "%s cannot be added by the user", classID)
	}
	validated, err := tc.ParamTypes.Validate(params, true)
	if err != nil {
		return r, paramOutcome(err)
	}
	if name == "" {
		name = tc.DisplayName
		if name == "" {
			name = tc.Name
		}
	}
	r.tc, r.host, r.name, r.params = tc, h, name, validated
	return r, success
}

func justAdd(tc types.ThingClass) bool {
	return tc.SetupMethod == "" || tc.SetupMethod == types.SetupMethodJustAdd
}

// AddConfiguredThing adds a thing whose class needs no pairing. A
// descriptor of an existing thing reconfigures that thing instead.
func (m *ThingManager) AddConfiguredThing(ctx context.Context, req AddRequest) (string, Outcome) {
	r, out := m.resolve(req)
	if !out.OK() {
		return "", out
	}
	if !justAdd(r.tc) {
		return "", failed(types.ThingErrorSetupMethodNotSupported, "%s needs pairing", r.tc.ID)
	}
	id, out := m.setup(ctx, r)
	if out.OK() && req.DescriptorID != "" {
		m.mu.Lock()
		delete(m.discovered, req.DescriptorID)
		m.mu.Unlock()
	}
	return id, out
}

// setup creates a new thing, or re-runs setup with new params when
// r.thingID names an existing one.
func (m *ThingManager) setup(ctx context.Context, r resolvedRequest) (string, Outcome) {
	if mt, exists := m.lookup(r.thingID); exists {
		return r.thingID, m.reconfigure(ctx, mt, r)
	}
	id := r.thingID
	if id == "" {
		id = uuid.NewString()
	}
	settings, err := r.tc.SettingsTypes.Validate(nil, false)
	if err != nil {
		return "", paramOutcome(err)
	}
	t := &types.Thing{
		ID:           id,
		ThingClassID: r.tc.ID,
		Name:         r.name,
		Params:       r.params,
		Settings:     settings,
		CreatedAt:    m.now().UTC(),
	}
	handle, out := r.host.SetupThing(ctx, t)
	if !out.OK() {
		m.logger.Warn("thing setup failed", "class", r.tc.ID, "code", out.Code, "msg", out.Message)
		return "", out
	}
	m.track(r.host, handle)
	m.persist(handle)
	m.logger.Info("thing added", "thing", id, "class", r.tc.ID, "name", r.name)
	m.bus.Emit(Event{Type: EventDeviceAdded, Data: ThingAdded{Thing: handle.Snapshot()}})
	return id, out
}

func (m *ThingManager) reconfigure(ctx context.Context, mt *managedThing, r resolvedRequest) Outcome {
	old := mt.handle.Snapshot()
	if err := mt.host.RemoveThing(ctx, old.ID); err != nil {
		m.logger.Warn("reconfigure: remove", "thing", old.ID, "err", err)
	}
	t := old.Clone()
	t.Params = r.params
	handle, out := mt.host.SetupThing(ctx, t)
	if !out.OK() {
		m.logger.Warn("reconfigure failed, restoring previous params", "thing", old.ID, "code", out.Code)
		handle, restored := mt.host.SetupThing(ctx, old)
		if restored.OK() {
			m.track(mt.host, handle)
			return out
		}
		// Like a stored thing that fails setup on start: it leaves the
		// running set and the stored record is retried on the next start.
		m.logger.Error("restoring previous params failed", "thing", old.ID, "code", restored.Code)
		if m.untrack(old.ID) {
			m.bus.Emit(Event{Type: EventDeviceRemoved, Data: ThingRemoved{ThingID: old.ID}})
		}
		return out
	}
	m.track(mt.host, handle)
	m.persist(handle)
	m.logger.Info("thing reconfigured", "thing", old.ID)
	return out
}

// PairingStarted is the answer to PairThing.
type PairingStarted struct {
	TransactionID  string
	DisplayMessage string
	SetupMethod    types.SetupMethod
}

// PairThing starts a pairing transaction. The transaction is kept until it
// is confirmed or expires.
func (m *ThingManager) PairThing(ctx context.Context, req AddRequest) (PairingStarted, Outcome) {
	r, out := m.resolve(req)
	if !out.OK() {
		return PairingStarted{}, out
	}
	if justAdd(r.tc) {
		return PairingStarted{}, failed(types.ThingErrorSetupMethodNotSupported, "%s needs no pairing", r.tc.ID)
	}

	txn := &pairingTransaction{
		host: r.host,
		req: integration.PairingRequest{
			TransactionID: uuid.NewString(),
			ThingClassID:  r.tc.ID,
			ThingID:       r.thingID,
			ThingName:     r.name,
			Params:        r.params,
		},
		reconfigure: r.thingID != "",
	}
	if txn.req.ThingID == "" {
		txn.req.ThingID = uuid.NewString()
	}
	out = r.host.StartPairing(ctx, txn.req)
	if !out.OK() {
		return PairingStarted{}, out
	}

	txn.created = m.now()
	m.mu.Lock()
	m.pruneLocked(txn.created)
	m.pairings[txn.req.TransactionID] = txn
	m.mu.Unlock()
	m.logger.Info("pairing started", "transaction", txn.req.TransactionID, "class", r.tc.ID, "method", r.tc.SetupMethod)
	return PairingStarted{
		TransactionID:  txn.req.TransactionID,
		DisplayMessage: out.Message,
		SetupMethod:    r.tc.SetupMethod,
	}, out
}

// ConfirmPairing finishes a pairing transaction. The transaction is
// consumed whatever the outcome.
func (m *ThingManager) ConfirmPairing(ctx context.Context, transactionID, username, secret string) (string, Outcome) {
	m.mu.Lock()
	m.pruneLocked(m.now())
	txn, found := m.pairings[transactionID]
	delete(m.pairings, transactionID)
	m.mu.Unlock()
	if !found {
		return "", failed(types.ThingErrorPairingTransactionIdNotFound, "transaction %s", transactionID)
	}

	out := txn.host.ConfirmPairing(ctx, txn.req, username, secret)
	if !out.OK() {
		m.logger.Info("pairing failed", "transaction", transactionID, "code", out.Code)
		return "", out
	}
	tc, _, cout := m.classHost(txn.req.ThingClassID)
	if !cout.OK() {
		return "", cout
	}
	return m.setup(ctx, resolvedRequest{
		tc:      tc,
		host:    txn.host,
		thingID: txn.req.ThingID,
		name:    txn.req.ThingName,
		params:  txn.req.Params,
	})
}

// PendingPairings returns the number of open pairing transactions.
func (m *ThingManager) PendingPairings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.now())
	return len(m.pairings)
}

// RemoveThing removes a user-created thing. Rules referring to it are
// updated by the rule service.
func (m *ThingManager) RemoveThing(ctx context.Context, id string) Outcome {
	mt, found := m.lookup(id)
	if !found {
		return failed(types.ThingErrorThingNotFound, "thing %s", id)
	}
	if mt.handle.AutoCreated() {
		return failed(types.ThingErrorCreationMethodNotSupported, "auto thing %s cannot be removed", id)
	}
	if err := mt.host.RemoveThing(ctx, id); err != nil {
		m.logger.Warn("thing removed hook", "thing", id, "err", err)
	}
	m.forget(id)
	return success
}

// ExecuteAction validates and runs an action.
func (m *ThingManager) ExecuteAction(ctx context.Context, a types.Action) Outcome {
	mt, found := m.lookup(a.ThingID)
	if !found {
		return failed(types.ThingErrorThingNotFound, "thing %s", a.ThingID)
	}
	tc := mt.handle.Class()
	at, found := tc.ActionType(a.ActionTypeID)
	if !found {
		return failed(types.ThingErrorActionTypeNotFound, "action %s on %s", a.ActionTypeID, tc.ID)
	}
	params, err := at.ParamTypes.Validate(a.Params, true)
	if err != nil {
		return paramOutcome(err)
	}
	if !mt.handle.Snapshot().SetupComplete() {
		return failed(types.ThingErrorHardwareNotAvailable, "thing %s is not set up", a.ThingID)
	}
	return mt.host.ExecuteAction(ctx, a.ThingID, types.Action{ThingID: a.ThingID, ActionTypeID: at.ID, Params: params})
}

func (m *ThingManager) browsable(thingID string) (*managedThing, Outcome) {
	mt, found := m.lookup(thingID)
	if !found {
		return nil, failed(types.ThingErrorThingNotFound, "thing %s", thingID)
	}
	if tc := mt.handle.Class(); !tc.Browsable {
		return nil, failed(types.ThingErrorUnsupportedFeature, "%s is not browsable", tc.ID)
	}
	return mt, success
}

// Browse lists the children of itemID, the root when empty.
func (m *ThingManager) Browse(ctx context.Context, thingID, itemID string) ([]types.BrowserItem, Outcome) {
	mt, out := m.browsable(thingID)
	if !out.OK() {
		return nil, out
	}
	return mt.host.Browse(ctx, thingID, itemID)
}

// ExecuteBrowserItem runs a browser item.
func (m *ThingManager) ExecuteBrowserItem(ctx context.Context, thingID, itemID string) Outcome {
	mt, out := m.browsable(thingID)
	if !out.OK() {
		return out
	}
	return mt.host.ExecuteBrowserItem(ctx, thingID, itemID)
}

// SetThingSettings validates and applies settings one by one.
func (m *ThingManager) SetThingSettings(ctx context.Context, thingID string, settings types.ParamList) Outcome {
	mt, found := m.lookup(thingID)
	if !found {
		return failed(types.ThingErrorThingNotFound, "thing %s", thingID)
	}
	tc := mt.handle.Class()
	for _, p := range settings {
		pt, declared := tc.SettingsTypes.Lookup(p)
		if !declared {
			return failed(types.ThingErrorInvalidParameter, "unknown setting %q", p.ParamTypeID+p.Name)
		}
		if err := mt.host.SetThingSetting(ctx, thingID, pt.ID, p.Value); err != nil {
			if errors.Is(err, types.ErrInvalidParameter) {
				return paramOutcome(err)
			}
			return failed(types.ThingErrorHardwareNotAvailable, "%v", err)
		}
	}
	m.persist(mt.handle)
	return success
}

// PluginInfo describes an integration for clients.
type PluginInfo struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	ParamTypes types.ParamTypes `json:"paramTypes"`
}

// Plugins lists the running integrations.
func (m *ThingManager) Plugins() []PluginInfo {
	var out []PluginInfo
	for _, h := range m.hostList() {
		meta := h.Metadata()
		out = append(out, PluginInfo{ID: meta.ID, Name: meta.Name, ParamTypes: meta.ConfigTypes})
	}
	return out
}

// PluginConfig returns the current configuration of an integration.
func (m *ThingManager) PluginConfig(pluginID string) (types.ParamList, Outcome) {
	h, found := m.host(pluginID)
	if !found || h.Context() == nil {
		return nil, failed(types.ThingErrorPluginNotFound, "plugin %s", pluginID)
	}
	return h.Context().Config(), success
}

// SetPluginConfig validates the whole configuration, applies the values
// that changed and stores the result.
func (m *ThingManager) SetPluginConfig(ctx context.Context, pluginID string, params types.ParamList) Outcome {
	h, found := m.host(pluginID)
	if !found || h.Context() == nil {
		return failed(types.ThingErrorPluginNotFound, "plugin %s", pluginID)
	}
	validated, err := h.Metadata().ConfigTypes.Validate(params, false)
	if err != nil {
		return paramOutcome(err)
	}
	current := h.Context().Config()
	for _, p := range validated {
		if old, set := current.ByID(p.ParamTypeID); set && types.Equal(old.Value, p.Value) {
			continue
		}
		if err := h.SetConfigValue(ctx, p.ParamTypeID, p.Value); err != nil {
			return failed(types.ThingErrorHardwareNotAvailable, "%v", err)
		}
	}
	cfg := h.Context().Config()
	if err := m.store.SavePluginConfig(pluginID, cfg); err != nil {
		m.logger.Error("save plugin config", "plugin", pluginID, "err", err)
	}
	m.logger.Info("plugin configuration changed", "plugin", pluginID)
	m.bus.Emit(Event{Type: EventPluginConfigChange, Data: PluginConfigChanged{PluginID: pluginID, Configuration: cfg}})
	return success
}

// ThingsAppeared tracks new auto things and sets them up off the worker.
func (m *ThingManager) ThingsAppeared(pluginID string, things []*integration.Thing) {
	h, found := m.host(pluginID)
	if !found {
		return
	}
	for _, t := range things {
		m.track(h, t)
		go m.setupAppeared(h, t)
	}
}

func (m *ThingManager) setupAppeared(h *integration.Host, t *integration.Thing) {
	m.mu.RLock()
	ctx := m.ctx
	m.mu.RUnlock()
	handle, out := h.SetupExisting(ctx, t.ID())
	if out.Code == types.ThingErrorThingNotFound {
		return
	}
	if !out.OK() {
		m.logger.Warn("auto thing setup failed", "thing", t.ID(), "code", out.Code, "msg", out.Message)
	}
	if _, tracked := m.lookup(t.ID()); !tracked || handle == nil {
		return
	}
	m.persist(handle)
	m.logger.Info("auto thing added", "thing", t.ID(), "class", t.ClassID())
	m.bus.Emit(Event{Type: EventDeviceAdded, Data: ThingAdded{Thing: handle.Snapshot()}})
}

// ThingDisappeared forgets an auto thing.
func (m *ThingManager) ThingDisappeared(pluginID string, t *integration.Thing) {
	m.forget(t.ID())
}

// StateChanged stores the new value and reports it both as a state change
// and as the implicit state event.
func (m *ThingManager) StateChanged(t *integration.Thing, stateTypeID string, value any) {
	err := m.store.UpdateThing(t.ID(), func(th *types.Thing) error {
		th.SetStateValue(stateTypeID, value)
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Error("store state", "thing", t.ID(), "state", stateTypeID, "err", err)
	}
	m.bus.Emit(Event{Type: EventStateChanged, Data: StateChanged{ThingID: t.ID(), StateTypeID: stateTypeID, Value: value}})
	m.bus.Emit(Event{Type: EventEventTriggered, Data: EventTriggered{Event: types.Event{
		ThingID:     t.ID(),
		EventTypeID: stateTypeID,
		Params:      types.ParamList{{ParamTypeID: stateTypeID, Value: value}},
	}}})
}

// EventEmitted forwards an event.
func (m *ThingManager) EventEmitted(ev types.Event) {
	m.bus.Emit(Event{Type: EventEventTriggered, Data: EventTriggered{Event: ev}})
}
