package settings

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Supported values for Arguments.StoreBackend.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
)

type Arguments struct {
	// The file path to the datafiles
	DataDir string
	// Directory for log files and the batch journal
	LogDir string

	// Which store implementation backs the engine
	// memory, file, sqlite, mongo
	StoreBackend string

	SQLitePath    string
	MongoURI      string
	MongoDatabase string

	// Default lifetime of a cached formula or rollup value
	FormulaCacheTTL time.Duration
	// Upper bound on cached formula values held by the in-memory store
	FormulaCacheSize int

	// Evaluation guards. Both are independent of wall-clock timeouts.
	MaxEvalDepth int
	MaxEvalSteps int

	// Maximum number of records a single cascade delete may touch
	MaxCascadeRecords int

	// Write cascade batches to the journal before applying them
	JournalEnabled bool
	// Days of journal files to keep; 0 keeps everything
	JournalRetentionDays int

	// Strongly verbose logging
	Verbose bool
	Debug   bool

	Version string
}

var (
	instance *Arguments
	once     sync.Once
)

// GetSettings returns the process wide Arguments, populated with defaults on first use.
func GetSettings() *Arguments {
	once.Do(func() {
		instance = Defaults()
		instance.applyEnv()
	})
	return instance
}

// Defaults returns a fresh Arguments with every field set to its default value.
func Defaults() *Arguments {
	return &Arguments{
		DataDir:              "./datafiles",
		LogDir:               "./log_files",
		StoreBackend:         BackendMemory,
		SQLitePath:           "./datafiles/brain.db",
		MongoURI:             "mongodb://127.0.0.1:27017",
		MongoDatabase:        "brain",
		FormulaCacheTTL:      10 * time.Minute,
		FormulaCacheSize:     4096,
		MaxEvalDepth:         32,
		MaxEvalSteps:         100000,
		MaxCascadeRecords:    10000,
		JournalEnabled:       false,
		JournalRetentionDays: 7,
		Verbose:              false,
		Debug:                false,
		Version:              "0.1.0",
	}
}

// applyEnv overrides defaults from BRAIN_* environment variables.
func (a *Arguments) applyEnv() {
	if v := os.Getenv("BRAIN_DATA_DIR"); v != "" {
		a.DataDir = v
	}
	if v := os.Getenv("BRAIN_LOG_DIR"); v != "" {
		a.LogDir = v
	}
	if v := os.Getenv("BRAIN_STORE"); v != "" {
		a.StoreBackend = v
	}
	if v := os.Getenv("BRAIN_SQLITE_PATH"); v != "" {
		a.SQLitePath = v
	}
	if v := os.Getenv("BRAIN_MONGO_URI"); v != "" {
		a.MongoURI = v
	}
	if v := os.Getenv("BRAIN_MONGO_DATABASE"); v != "" {
		a.MongoDatabase = v
	}
	if v := os.Getenv("BRAIN_FORMULA_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			a.FormulaCacheTTL = d
		}
	}
	if v := os.Getenv("BRAIN_JOURNAL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			a.JournalEnabled = b
		}
	}
	if v := os.Getenv("BRAIN_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			a.Debug = b
		}
	}
}

// Validate checks the arguments and returns an error if any are unusable.
func (a *Arguments) Validate() error {
	switch a.StoreBackend {
	case BackendMemory:
	case BackendFile:
		if a.DataDir == "" {
			return fmt.Errorf("file store requires a data directory")
		}
	case BackendSQLite:
		if a.SQLitePath == "" {
			return fmt.Errorf("sqlite store requires a database path")
		}
	case BackendMongo:
		if a.MongoURI == "" || a.MongoDatabase == "" {
			return fmt.Errorf("mongo store requires a URI and database name")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be memory, file, sqlite or mongo)", a.StoreBackend)
	}

	if a.MaxEvalDepth < 1 {
		return fmt.Errorf("invalid max eval depth: %d", a.MaxEvalDepth)
	}
	if a.MaxEvalSteps < 1 {
		return fmt.Errorf("invalid max eval steps: %d", a.MaxEvalSteps)
	}
	if a.MaxCascadeRecords < 1 {
		return fmt.Errorf("invalid max cascade records: %d", a.MaxCascadeRecords)
	}
	if a.JournalRetentionDays < 0 {
		return fmt.Errorf("invalid journal retention: %d days", a.JournalRetentionDays)
	}
	if a.FormulaCacheTTL < 0 {
		return fmt.Errorf("formula cache ttl cannot be negative")
	}

	return nil
}
