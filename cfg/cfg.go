package cfg

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port              string
	Environment       string
	LogLevel          string
	LedgerBackend     string
	DatabasePath      string
	BadgerDir         string
	RedisURL          string
	RedisTLS          bool
	RedisHostname     string
	RedisCACert       string
	RedisDevCA        string
	RedisUsername     string
	RedisPassword     Secret
	RedisTimeout      time.Duration
	RecordCacheTTL    time.Duration
	LRUCacheSize      int
	Argon2Time        uint32
	Argon2Memory      uint32
	Argon2Parallelism uint8
	CipherWorkerCount int
	RateLimit         RateLimitCfg
	MaxPasteSize      int64
	TrustedProxies    []string
	MetricsUser       string
	MetricsPass       Secret
	ContextTimeout    time.Duration
	AllowedOrigins    []string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBQueryTimeout    time.Duration
	ExplicitTypeTags  bool
	SigningKey        Secret
	SigningKeyWrapped bool
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
}

const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Load reads the configuration from the environment. The first malformed
// value aborts the load.
func Load() (*Cfg, error) {
	e := &env{}
	c := &Cfg{
		Port:              e.str("PORT", "8080"),
		Environment:       e.str("ENVIRONMENT", "development"),
		LogLevel:          e.str("LOG_LEVEL", "info"),
		LedgerBackend:     strings.ToLower(e.str("LEDGER_BACKEND", BackendSQLite)),
		DatabasePath:      e.str("DATABASE_PATH", "permapaste.db"),
		BadgerDir:         e.str("BADGER_DIR", "ledger"),
		RedisURL:          e.str("REDIS_URL", ""),
		RedisTLS:          e.flag("REDIS_TLS"),
		RedisHostname:     e.str("REDIS_HOSTNAME", ""),
		RedisCACert:       e.str("REDIS_TLS_CA_CERT", ""),
		RedisDevCA:        e.str("REDIS_TLS_DEV_CA", ""),
		RedisUsername:     e.str("REDIS_USERNAME", ""),
		RedisPassword:     NewSecret(e.str("REDIS_PASSWORD", "")),
		RedisTimeout:      e.duration("REDIS_TIMEOUT", 5*time.Second),
		RecordCacheTTL:    e.duration("RECORD_CACHE_TTL", 24*time.Hour),
		LRUCacheSize:      e.int("LRU_CACHE_SIZE", 1000),
		Argon2Time:        e.uint32("ARGON2_TIME", 4),
		Argon2Memory:      e.uint32("ARGON2_MEMORY", 128*1024),
		CipherWorkerCount: e.int("CIPHER_WORKER_COUNT", 4),
		RateLimit: RateLimitCfg{
			RPM:               e.int("RATE_LIMIT_RPM", 60),
			Burst:             e.int("RATE_LIMIT_BURST", 10),
			ConservativeLimit: e.int("RATE_LIMIT_CONSERVATIVE", 5),
		},
		MaxPasteSize:      e.int64("MAX_PASTE_SIZE", 512*1024),
		TrustedProxies:    e.list("TRUSTED_PROXIES"),
		MetricsUser:       e.str("METRICS_USER", ""),
		MetricsPass:       NewSecret(e.str("METRICS_PASS", "")),
		ContextTimeout:    e.duration("CONTEXT_TIMEOUT", 10*time.Second),
		AllowedOrigins:    e.list("ALLOWED_ORIGINS"),
		DBMaxOpenConns:    e.int("DB_MAX_OPEN_CONNS", 100),
		DBMaxIdleConns:    e.int("DB_MAX_IDLE_CONNS", 10),
		DBQueryTimeout:    e.duration("DB_QUERY_TIMEOUT", 5*time.Second),
		ExplicitTypeTags:  e.flag("EXPLICIT_TYPE_TAGS"),
		SigningKey:        NewSecret(e.str("LEDGER_SIGNING_KEY", "")),
		SigningKeyWrapped: e.flag("LEDGER_SIGNING_KEY_WRAPPED"),
	}
	parallelism := e.uint32("ARGON2_PARALLELISM", 2)
	if e.err != nil {
		return nil, e.err
	}
	if parallelism > 128 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 128")
	}
	c.Argon2Parallelism = uint8(parallelism)
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	switch c.LedgerBackend {
	case BackendSQLite:
		if err := withinWorkDir("DATABASE_PATH", c.DatabasePath); err != nil {
			return err
		}
	case BackendBadger:
		if err := withinWorkDir("BADGER_DIR", c.BadgerDir); err != nil {
			return err
		}
	default:
		return fmt.Errorf("LEDGER_BACKEND must be %q or %q", BackendSQLite, BackendBadger)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.RecordCacheTTL < time.Minute {
		return errors.New("RECORD_CACHE_TTL must be at least 1 minute")
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.Argon2Time < 1 {
		return errors.New("ARGON2_TIME must be >= 1")
	}
	if c.Environment == "production" && c.Argon2Memory < 64*1024 {
		return errors.New("ARGON2_MEMORY must be >= 65536 (64MB) in production")
	}
	if c.Argon2Memory < 1024 {
		return errors.New("ARGON2_MEMORY must be >= 1024")
	}
	if c.Argon2Parallelism < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}
	if c.CipherWorkerCount <= 0 {
		return errors.New("CIPHER_WORKER_COUNT must be positive")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	// leaves room for the JSON envelope and cipher overhead of private pastes
	if c.MaxPasteSize > 8*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 8MB")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if c.SigningKey.Value() == "" {
			return errors.New("LEDGER_SIGNING_KEY is required in production")
		}
	}
	return nil
}

func withinWorkDir(name, path string) error {
	if path == "" {
		return fmt.Errorf("%s is required", name)
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if !strings.HasPrefix(absPath, absWorkDir+string(filepath.Separator)) && absPath != absWorkDir {
		return fmt.Errorf("%s must be within working directory %s", name, absWorkDir)
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.SigningKey.Wipe()
}
// env reads typed values and keeps the first parse error.
type env struct {
	err error
}

func (e *env) str(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func (e *env) flag(key string) bool {
	return e.str(key, "false") == "true"
}

func (e *env) parse(key, kind string, parse func(string) error) {
	s := e.str(key, "")
	if s == "" || e.err != nil {
		return
	}
	if err := parse(s); err != nil {
		e.err = fmt.Errorf("invalid %s for %s: %w", kind, key, err)
	}
}

func (e *env) int(key string, fallback int) int {
	v := fallback
	e.parse(key, "integer", func(s string) (err error) {
		v, err = strconv.Atoi(s)
		return err
	})
	return v
}

func (e *env) int64(key string, fallback int64) int64 {
	v := fallback
	e.parse(key, "integer", func(s string) (err error) {
		v, err = strconv.ParseInt(s, 10, 64)
		return err
	})
	return v
}

func (e *env) uint32(key string, fallback uint32) uint32 {
	v := fallback
	e.parse(key, "uint32", func(s string) error {
		n, err := strconv.ParseUint(s, 10, 32)
		v = uint32(n)
		return err
	})
	return v
}

func (e *env) duration(key string, fallback time.Duration) time.Duration {
	v := fallback
	e.parse(key, "duration", func(s string) (err error) {
		v, err = time.ParseDuration(s)
		return err
	})
	return v
}

// list splits a comma separated value, dropping empty items.
func (e *env) list(key string) []string {
	var out []string
	for _, p := range strings.Split(e.str(key, ""), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
