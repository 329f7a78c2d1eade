package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"llmarena/internal/providers"
)

const (
	ModeAll    = "ALL"
	ModeAPI    = "API"
	ModeWorker = "WORKER"

	BackendMemory = "memory"
	BackendSQL    = "sql"
	BackendRedis  = "redis"
)

var (
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required when STORE_BACKEND=sql")
	ErrMissingMasterKey   = errors.New("at least one master key is required")
	ErrMissingRedisAddr   = errors.New("REDIS_ADDR is required")
)

type Config struct {
	AppMode string

	HTTP     HTTPConfig
	Store    StoreConfig
	DB       DBConfig
	Redis    RedisConfig
	Worker   WorkerConfig
	Provider ProviderConfig
	Run      RunConfig
	Quota    QuotaConfig
	Crypto   CryptoConfig
	Log      LogConfig
}

type HTTPConfig struct {
	ListenAddr   string
	HealthPath   string
	MetricsPath  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type StoreConfig struct {
	// Backend holds sessions and keys: memory or sql.
	Backend string
	// QuotaBackend holds quota series: memory, sql or redis.
	QuotaBackend string
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type RedisConfig struct {
	Enabled     bool
	Addr        string
	Password    string
	DB          int
	Prefix      string
	QueueStream string
	QueueGroup  string
	QueueBlock  time.Duration
	JobTTL      time.Duration
}

type WorkerConfig struct {
	Concurrency  int
	ConsumerName string
	MaxRetries   int
}

type ProviderConfig struct {
	ClientTimeout  time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	KeyTestTimeout time.Duration
	RegistryFile   string
	// BaseURLs overrides catalog endpoints, keyed by provider.
	BaseURLs map[providers.ID]string
}

type RunConfig struct {
	Deadline     time.Duration
	MaxDeadline  time.Duration
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	PerHour      int64
}

type QuotaConfig struct {
	// Ceilings are token budgets per provider; absent means unbounded.
	Ceilings map[providers.ID]int64
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string
}

// Load reads configuration from the environment. A .env file in the working
// directory, or the file named by ENV_FILE, is applied first without
// overriding variables that are already set.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &Config{
		AppMode: strings.ToUpper(mustEnv("APP_MODE", ModeAll)),
		HTTP: HTTPConfig{
			ListenAddr:   mustEnv("LISTEN_ADDR", ":8080"),
			HealthPath:   mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:  mustEnv("METRICS_PATH", "/metrics"),
			ReadTimeout:  mustDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: mustDuration("HTTP_WRITE_TIMEOUT", 90*time.Second),
		},
		Store: StoreConfig{
			Backend:      strings.ToLower(mustEnv("STORE_BACKEND", BackendMemory)),
			QuotaBackend: strings.ToLower(mustEnv("QUOTA_BACKEND", "")),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "file:llmarena.db?_pragma=busy_timeout(5000)"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:        mustEnv("REDIS_ADDR", ""),
			Password:    mustEnv("REDIS_PASSWORD", ""),
			DB:          mustInt("REDIS_DB", 0),
			Prefix:      mustEnv("REDIS_PREFIX", "llmarena"),
			QueueStream: mustEnv("QUEUE_STREAM", "llmarena:runs"),
			QueueGroup:  mustEnv("QUEUE_GROUP", "llmarena-workers"),
			QueueBlock:  mustDuration("QUEUE_BLOCK", 5*time.Second),
			JobTTL:      mustDuration("JOB_DEDUPE_TTL", 6*time.Hour),
		},
		Worker: WorkerConfig{
			Concurrency:  mustInt("WORKER_CONCURRENCY", 4),
			ConsumerName: mustEnv("WORKER_CONSUMER_NAME", hostnameOr("worker")),
			MaxRetries:   mustInt("WORKER_MAX_RETRIES", 3),
		},
		Provider: ProviderConfig{
			ClientTimeout:  mustDuration("HTTP_TIMEOUT", 90*time.Second),
			MaxRetries:     mustInt("HTTP_MAX_RETRIES", 2),
			BackoffBase:    mustDuration("HTTP_BACKOFF_BASE", 400*time.Millisecond),
			KeyTestTimeout: mustDuration("KEY_TEST_TIMEOUT", 20*time.Second),
			RegistryFile:   mustEnv("REGISTRY_FILE", ""),
			BaseURLs:       perProvider("BASE_URL_", func(v string) (string, bool) { return v, v != "" }),
		},
		Run: RunConfig{
			Deadline:     mustDuration("RUN_DEADLINE", 0),
			MaxDeadline:  mustDuration("RUN_MAX_DEADLINE", 60*time.Second),
			SystemPrompt: mustEnv("RUN_SYSTEM_PROMPT", ""),
			MaxTokens:    mustInt("RUN_MAX_TOKENS", 1024),
			Temperature:  mustFloat("RUN_TEMPERATURE", 0.7),
			PerHour:      mustInt64("RATE_LIMIT_PER_HOUR", 0),
		},
		Quota: QuotaConfig{
			Ceilings: perProvider("QUOTA_CEILING_", func(v string) (int64, bool) {
				n, err := strconv.ParseInt(v, 10, 64)
				return n, err == nil && n > 0
			}),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}
	cfg.Redis.Enabled = cfg.Redis.Addr != ""
	if cfg.Store.QuotaBackend == "" {
		cfg.Store.QuotaBackend = cfg.Store.Backend
	}

	if cfg.AppMode != ModeAll && cfg.AppMode != ModeAPI && cfg.AppMode != ModeWorker {
		return nil, fmt.Errorf("unsupported APP_MODE %q", cfg.AppMode)
	}
	if cfg.Store.Backend != BackendMemory && cfg.Store.Backend != BackendSQL {
		return nil, fmt.Errorf("unsupported STORE_BACKEND %q", cfg.Store.Backend)
	}
	switch cfg.Store.QuotaBackend {
	case BackendMemory, BackendSQL, BackendRedis:
	default:
		return nil, fmt.Errorf("unsupported QUOTA_BACKEND %q", cfg.Store.QuotaBackend)
	}
	if cfg.Store.QuotaBackend == BackendSQL && cfg.Store.Backend != BackendSQL {
		return nil, errors.New("QUOTA_BACKEND=sql requires STORE_BACKEND=sql")
	}
	if cfg.Store.Backend == BackendSQL && cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if !cfg.Redis.Enabled && (cfg.AppMode == ModeWorker || cfg.Store.QuotaBackend == BackendRedis) {
		return nil, ErrMissingRedisAddr
	}
	if cfg.AppMode == ModeWorker && cfg.Store.Backend == BackendMemory {
		return nil, errors.New("APP_MODE=WORKER needs a shared store, set STORE_BACKEND=sql")
	}

	cc, err := loadCryptoConfig()
	switch {
	case errors.Is(err, ErrMissingMasterKey) && cfg.Store.Backend == BackendMemory:
		// Keys never leave process memory.
	case err != nil:
		return nil, err
	default:
		cfg.Crypto = cc
	}

	return cfg, nil
}

func loadDotEnv() error {
	path := mustEnv("ENV_FILE", "")
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// perProvider collects PREFIX<PROVIDER> variables, e.g. QUOTA_CEILING_OPENAI_MINI.
func perProvider[T any](prefix string, parse func(string) (T, bool)) map[providers.ID]T {
	out := map[providers.ID]T{}
	for _, id := range providers.All() {
		key := prefix + strings.ToUpper(strings.ReplaceAll(string(id), "-", "_"))
		if v, ok := parse(mustEnv(key, "")); ok {
			out[id] = v
		}
	}
	return out
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "MASTER_KEY_B64" {
			continue
		}
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		if len(keys) > 1 {
			return CryptoConfig{}, errors.New("MASTER_KEY_CURRENT_ID is required when several master keys are set")
		}
		for id := range keys {
			current = id
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustInt64(key string, def int64) int64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustFloat(key string, def float64) float64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
