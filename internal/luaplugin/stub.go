//go:build no_lua

package luaplugin

import (
	"log/slog"

	"thingrpc/internal/integration"
)

// LoadDir loads nothing when Lua support is compiled out.
func LoadDir(dir string, logger *slog.Logger) ([]integration.Integration, error) {
	logger.Info("lua plugins disabled at build time", "dir", dir)
	return nil, nil
}
