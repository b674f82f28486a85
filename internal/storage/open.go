package storage

import (
	"fmt"
	"strings"
	"time"

	"msgblast/pkg/logx"
)

// Config selects and tunes the history backend.
type Config struct {
	Driver      string        // "none" or "sqlite"
	Path        string        // sqlite database file
	BusyTimeout time.Duration // sqlite busy_timeout pragma
}

// Open builds the configured Store. An empty or "none" driver disables
// history without failing startup.
func Open(cfg Config, log logx.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return Nop(), nil
	case "sqlite":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}
}
