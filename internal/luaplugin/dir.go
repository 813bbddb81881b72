//go:build !no_lua

package luaplugin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"thingrpc/internal/integration"
)

// Header is the optional first-line metadata of a script file:
//
//	-- {"name": "Weather", "enabled": true}
type Header struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// parseHeader returns the header and whether the file had one.
func parseHeader(content string, logger *slog.Logger, path string) (Header, bool) {
	line, _, _ := strings.Cut(content, "\n")
	if !strings.HasPrefix(line, "-- {") {
		return Header{}, false
	}
	var h Header
	if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "-- ")), &h); err != nil {
		logger.Warn("script header parse error", "file", path, "err", err)
		return Header{}, false
	}
	return h, true
}

// LoadDir loads every *.lua file in dir as an integration, in file name
// order. A file whose header says enabled=false is skipped; a file without a
// header is enabled. Broken scripts are logged and skipped. A missing
// directory yields no plugins.
func LoadDir(dir string, logger *slog.Logger) ([]integration.Integration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("no lua plugin dir", "dir", dir)
			return nil, nil
		}
		return nil, fmt.Errorf("read lua plugin dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lua") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var plugins []integration.Integration
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		content := string(data)
		if h, ok := parseHeader(content, logger, path); ok && !h.Enabled {
			logger.Info("lua plugin disabled", "file", name)
			continue
		}
		p, err := Load(strings.TrimSuffix(name, ".lua"), content, logger)
		if err != nil {
			logger.Error("load lua plugin", "file", name, "err", err)
			continue
		}
		logger.Info("lua plugin loaded", "file", name, "plugin", p.meta.ID)
		plugins = append(plugins, p)
	}
	return plugins, nil
}
