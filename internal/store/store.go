package store

import (
	"errors"

	"thingrpc/internal/rules"
	"thingrpc/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Thing operations
	SaveThing(t *types.Thing) error
	GetThing(id string) (*types.Thing, error)
	DeleteThing(id string) error
	ListThings() ([]*types.Thing, error)

	// UpdateThing atomically reads, modifies, and saves a thing in a single
	// transaction. Returns ErrNotFound if the thing does not exist.
	UpdateThing(id string, fn func(t *types.Thing) error) error

	// Rules
	SaveRule(r *rules.Rule) error
	DeleteRule(id string) error
	ListRules() ([]*rules.Rule, error)

	// Plugin configuration, keyed by plugin id
	SavePluginConfig(pluginID string, params types.ParamList) error
	PluginConfig(pluginID string) (types.ParamList, error)

	// Vendor lookup by MAC prefix
	ImportVendors(prefixes map[string]string) (int, error)
	VendorLookup(mac string) (string, error)

	// Close the store
	Close() error
}
