package integration

import (
	"context"
	"log/slog"
	"sync"

	"thingrpc/internal/types"
)

// Outcome is the terminal result of an asynchronous hook.
type Outcome struct {
	Code    types.ThingError
	Message string
}

// OK reports success.
func (o Outcome) OK() bool { return o.Code.OK() }

// info is embedded by every info object. The first Finish wins.
type info struct {
	ctx    context.Context
	op     string
	logger *slog.Logger

	mu       sync.Mutex
	finished bool
	outcome  Outcome
	done     chan struct{}
}

func newInfo(ctx context.Context, op string, logger *slog.Logger) *info {
	return &info{ctx: ctx, op: op, logger: logger, done: make(chan struct{})}
}

// Context is cancelled when the host stops waiting for this operation.
func (i *info) Context() context.Context { return i.ctx }

// Finish reports the outcome. Any call after the first is a protocol
// violation: it is logged and returns ErrAlreadyFinished.
func (i *info) Finish(code types.ThingError, message ...string) error {
	o := Outcome{Code: code}
	if len(message) > 0 {
		o.Message = message[0]
	}
	if !i.complete(o) {
		i.logger.Warn("hook finished more than once", "op", i.op, "code", code)
		return ErrAlreadyFinished
	}
	return nil
}

func (i *info) complete(o Outcome) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.finished {
		return false
	}
	i.finished = true
	i.outcome = o
	close(i.done)
	return true
}

// Done is closed once the outcome is known.
func (i *info) Done() <-chan struct{} { return i.done }

// Outcome returns the reported outcome.
func (i *info) Outcome() Outcome {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.outcome
}

// DiscoveryInfo collects discovery results.
type DiscoveryInfo struct {
	*info
	ThingClassID string
	Params       types.ParamList

	descMu      sync.Mutex
	descriptors []types.ThingDescriptor
}

// AddDescriptor adds a candidate. The thing class defaults to the one being
// discovered.
func (d *DiscoveryInfo) AddDescriptor(desc types.ThingDescriptor) {
	if desc.ThingClassID == "" {
		desc.ThingClassID = d.ThingClassID
	}
	d.descMu.Lock()
	d.descriptors = append(d.descriptors, desc)
	d.descMu.Unlock()
}

// Descriptors returns the candidates added so far.
func (d *DiscoveryInfo) Descriptors() []types.ThingDescriptor {
	d.descMu.Lock()
	defer d.descMu.Unlock()
	return append([]types.ThingDescriptor(nil), d.descriptors...)
}

// PairingInfo describes a pairing transaction.
type PairingInfo struct {
	*info
	TransactionID string
	ThingClassID  string
	ThingID       string
	ThingName     string
	Params        types.ParamList
}

// SetupInfo carries the thing being set up.
type SetupInfo struct {
	*info
	Thing *Thing
}

// ActionInfo carries an action for one thing.
type ActionInfo struct {
	*info
	Thing        *Thing
	ActionTypeID string
	Params       types.ParamList
}

// ParamValue returns an action parameter by parameter type id.
func (a *ActionInfo) ParamValue(paramTypeID string) any {
	return a.Params.Value(paramTypeID)
}

// BrowseResult collects the items below ItemID ("" is the root).
type BrowseResult struct {
	*info
	Thing  *Thing
	ItemID string

	itemMu sync.Mutex
	items  []types.BrowserItem
}

func (b *BrowseResult) AddItem(item types.BrowserItem) {
	b.itemMu.Lock()
	b.items = append(b.items, item)
	b.itemMu.Unlock()
}

func (b *BrowseResult) Items() []types.BrowserItem {
	b.itemMu.Lock()
	defer b.itemMu.Unlock()
	return append([]types.BrowserItem{}, b.items...)
}

// BrowserActionInfo asks to execute a browser item.
type BrowserActionInfo struct {
	*info
	Thing  *Thing
	ItemID string
}
