package transcript

import (
	"fmt"

	"gorm.io/gorm"
)

// Driver identifiers supported by the transcript store.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config describes the store selection parameters.
type Config struct {
	Driver string
	Redis  *RedisConfig
}

// RedisConfig captures connection options.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

// Dependencies captures external handles required by certain drivers.
type Dependencies struct {
	SQLiteDB *gorm.DB
}

// New creates a transcript store based on the provided configuration.
func New(cfg Config, deps Dependencies) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverMemory
	}

	switch driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		if deps.SQLiteDB == nil {
			return nil, fmt.Errorf("sqlite driver requires database handle")
		}
		return NewSQLite(deps.SQLiteDB), nil
	case DriverRedis:
		return NewRedis(cfg)
	default:
		return nil, fmt.Errorf("unsupported transcript store driver: %s", driver)
	}
}

// NewPhraseStore keeps phrases in SQLite when a database handle is available
// and in memory otherwise.
func NewPhraseStore(deps Dependencies) PhraseStore {
	if deps.SQLiteDB != nil {
		return NewSQLitePhrases(deps.SQLiteDB)
	}
	return NewMemoryPhrases()
}
