package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"sqlgate/internal/core"

	"github.com/joho/godotenv"
)

// DatabaseConfig is the per-database section of databases.json. All the
// knobs the pool, firewall and dispatcher need arrive here as plain values;
// plugin names are resolved against the registry at startup.
type DatabaseConfig struct {
	Name           string   `json:"name"`
	Driver         string   `json:"driver"`
	DSN            string   `json:"dsn"`
	Mode           string   `json:"mode"`      // protecting (default) or trusted
	Stateless      bool     `json:"stateless"` // acquire-use-release per call
	Authenticator  string   `json:"authenticator"`
	Managers       []string `json:"firewall_managers"`
	Triggers       []string `json:"triggers"`
	Listeners      []string `json:"update_listeners"`
	MaxOpen        int      `json:"max_open"`
	MaxIdle        int      `json:"max_idle"`
	ConnLifetimeS  int      `json:"conn_max_lifetime_s"`
	ConnIdleTimeS  int      `json:"conn_max_idle_s"`
	AcquireWaitMs  int      `json:"acquire_timeout_ms"`
	AllowlistTable string   `json:"allowlist_table"` // used by the table_allowlist manager
}

func (d DatabaseConfig) OperationalMode() core.Mode {
	if d.Mode == string(core.ModeTrusted) {
		return core.ModeTrusted
	}
	return core.ModeProtecting
}

func (d DatabaseConfig) AcquireTimeout() time.Duration {
	if d.AcquireWaitMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(d.AcquireWaitMs) * time.Millisecond
}

func (d DatabaseConfig) ConnMaxLifetime() time.Duration {
	if d.ConnLifetimeS <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(d.ConnLifetimeS) * time.Second
}

func (d DatabaseConfig) ConnMaxIdleTime() time.Duration {
	if d.ConnIdleTimeS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(d.ConnIdleTimeS) * time.Second
}

type Config struct {
	Port        int
	LogDir      string
	DataDir     string // internal sqlite store location
	SemDir      string // port semaphore file location
	TokenMode   string // opaque or signed
	TokenSecret string // HMAC key for signed tokens and console cookies

	SessionIdleTimeout time.Duration
	SweepInterval      time.Duration
	LeaseTimeout       time.Duration // bounded wait for a busy ConnectionKey

	MaxConcurrent int           // worker pool size
	QueueWait     time.Duration // how long a request may wait for a worker

	DebugStackTraces bool // include stack traces in error envelopes

	Databases map[string]DatabaseConfig
}

var supportedDrivers = map[string]bool{
	"sqlite":    true,
	"postgres":  true,
	"mysql":     true,
	"sqlserver": true,
	"odbc":      true,
}

// Load reads the environment (with .env fallback) and the databases file.
func Load() (*Config, error) {
	// Try loading .env, but don't fail if it doesn't exist.
	_ = godotenv.Load()

	secret := os.Getenv("SQLGATE_SECRET")
	if len(secret) < 32 {
		newSecret, err := generateRandomKey(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate secret: %w", err)
		}
		fmt.Println("SQLGATE_SECRET not set or too short; generated an ephemeral one (signed tokens will not survive restart)")
		secret = newSecret
	}

	cfg := &Config{
		Port:               getEnvInt("SQLGATE_PORT", 8080),
		LogDir:             getEnv("SQLGATE_LOG_DIR", "logs"),
		DataDir:            getEnv("SQLGATE_DATA_DIR", "."),
		SemDir:             getEnv("SQLGATE_SEM_DIR", "."),
		TokenMode:          getEnv("SQLGATE_TOKEN_MODE", "opaque"),
		TokenSecret:        secret,
		SessionIdleTimeout: getEnvDuration("SQLGATE_SESSION_TIMEOUT", 20*time.Minute),
		SweepInterval:      getEnvDuration("SQLGATE_SWEEP_INTERVAL", time.Minute),
		LeaseTimeout:       getEnvDuration("SQLGATE_LEASE_TIMEOUT", 10*time.Second),
		MaxConcurrent:      getEnvInt("SQLGATE_MAX_CONCURRENT", 64),
		QueueWait:          getEnvDuration("SQLGATE_QUEUE_WAIT", 5*time.Second),
		DebugStackTraces:   getEnv("SQLGATE_DEBUG", "") == "1",
	}

	dbFile := getEnv("SQLGATE_DATABASES_FILE", "databases.json")
	databases, err := LoadDatabases(dbFile)
	if err != nil {
		return nil, err
	}
	cfg.Databases = databases

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDatabases reads and structurally validates the databases file.
func LoadDatabases(path string) (map[string]DatabaseConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read databases file %s: %w", path, err)
	}

	var list []DatabaseConfig
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("invalid databases file %s: %w", path, err)
	}

	out := make(map[string]DatabaseConfig, len(list))
	for _, d := range list {
		if _, dup := out[d.Name]; dup {
			return nil, fmt.Errorf("duplicate database %q in %s", d.Name, path)
		}
		out[d.Name] = d
	}
	return out, nil
}

// Validate fails fast on structural problems so misconfiguration surfaces
// at startup, not at first request.
func (c *Config) Validate() error {
	if len(c.Databases) == 0 {
		return fmt.Errorf("no databases configured")
	}
	if c.TokenMode != "opaque" && c.TokenMode != "signed" {
		return fmt.Errorf("invalid SQLGATE_TOKEN_MODE %q (want opaque or signed)", c.TokenMode)
	}
	for name, d := range c.Databases {
		if d.Name == "" {
			return fmt.Errorf("database with empty name")
		}
		if !supportedDrivers[d.Driver] {
			return fmt.Errorf("database %q: unsupported driver %q", name, d.Driver)
		}
		if d.DSN == "" {
			return fmt.Errorf("database %q: empty dsn", name)
		}
		if d.Mode != "" && d.Mode != string(core.ModeProtecting) && d.Mode != string(core.ModeTrusted) {
			return fmt.Errorf("database %q: invalid mode %q", name, d.Mode)
		}
		if d.MaxOpen < 0 || d.MaxIdle < 0 {
			return fmt.Errorf("database %q: negative pool size", name)
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func generateRandomKey(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
