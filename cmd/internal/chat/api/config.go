package chatapi

import (
	"os"
	"strconv"
	"strings"

	"parley/cmd/identity"
)

// Config controls the messaging HTTP API.
type Config struct {
	// IdentityHeader names the trusted header carrying the caller's user id.
	IdentityHeader string
	MaxBodyBytes   int64
}

// LoadConfigFromEnv loads API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		IdentityHeader: envString("PARLEY_IDENTITY_HEADER", identity.DefaultHeader),
		MaxBodyBytes:   envInt64("PARLEY_API_MAX_BODY_BYTES", 64<<10),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.IdentityHeader) == "" {
		c.IdentityHeader = identity.DefaultHeader
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 10
	}
	return c
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
