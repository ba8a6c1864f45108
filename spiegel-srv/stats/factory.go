package stats

import (
	"fmt"

	"github.com/codefionn/spiegel/spiegel-srv/config"
)

// NewCollector builds the collector selected by the statistics config.
// Disabled statistics yield a no-op collector.
func NewCollector(cfg *config.StatisticsConfig) (Collector, error) {
	if !cfg.Enabled {
		return NewDummyCollector(), nil
	}

	switch cfg.Backend {
	case "memory", "":
		return NewMemoryCollector(), nil
	case "sqlite":
		sqlitePath := cfg.SQLitePath
		if sqlitePath == "" {
			sqlitePath = "spiegel_stats.db"
		}
		return NewSQLiteCollector(sqlitePath)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres-dsn is required for the postgres backend")
		}
		return NewPostgreSQLCollector(cfg.PostgresDSN)
	case "dummy":
		return NewDummyCollector(), nil
	default:
		return nil, fmt.Errorf("unknown statistics backend: %s", cfg.Backend)
	}
}
