package app

import (
	"strings"
	"time"

	"github.com/joho/godotenv"

	"parley/cmd/identity"
)

// Store backends selectable with PARLEY_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Store is one of StoreMemory, StorePostgres or StoreSQLite.
	Store string

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32
	SQLitePath  string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// DevUsers are seeded into the user directory at startup.
	DevUsers []string

	// SendMinInterval throttles sends per sender; zero disables it.
	SendMinInterval time.Duration
	RedisAddr       string
	ListConcurrency int

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
// A .env file in the working directory is read first; variables already
// present in the environment win.
func LoadConfig() Config {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:  EnvString("PARLEY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("PARLEY_LOG_LEVEL", "info"),
		LogFormat: EnvString("PARLEY_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("PARLEY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PARLEY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PARLEY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("PARLEY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("PARLEY_HTTP_MAX_HEADER_BYTES", 1<<20),

		Store:       EnvString("PARLEY_STORE", ""),
		DatabaseURL: EnvString("PARLEY_DATABASE_URL", ""),
		DBSchema:    EnvString("PARLEY_DB_SCHEMA", "parley"),
		DBMaxConns:  EnvInt32("PARLEY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PARLEY_DB_MIN_CONNS", 0),
		SQLitePath:  EnvString("PARLEY_SQLITE_PATH", "parley.db"),

		ReadinessRequireDB: EnvBool("PARLEY_READINESS_REQUIRE_DB", false),

		DevUsers: identity.ParseSeedList(EnvString("PARLEY_DEV_USERS", "")),

		SendMinInterval: EnvDuration("PARLEY_SEND_MIN_INTERVAL", 0),
		RedisAddr:       EnvString("PARLEY_REDIS_ADDR", ""),
		ListConcurrency: EnvInt("PARLEY_LIST_CONCURRENCY", 8),

		CORSAllowedOrigins:   EnvCSV("PARLEY_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("PARLEY_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("PARLEY_CORS_MAX_AGE_SECONDS", 600),
	}
	cfg.Store = resolveStore(cfg.Store, cfg.DatabaseURL)
	return cfg
}

// resolveStore picks postgres when a database URL is configured and no
// explicit backend was requested. Unknown names fall back the same way.
func resolveStore(requested, databaseURL string) string {
	switch s := strings.ToLower(strings.TrimSpace(requested)); s {
	case StoreMemory, StorePostgres, StoreSQLite:
		return s
	}
	if databaseURL != "" {
		return StorePostgres
	}
	return StoreMemory
}
