package infra

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string `envconfig:"APP_ENV" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	Port        string `envconfig:"PORT" default:"8080"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	JWTSecret   string `envconfig:"JWT_SECRET"`
	RedisURL    string `envconfig:"REDIS_URL"`
	GeoIPDBPath string `envconfig:"GEOIP_DB_PATH"`

	DBMaxConns int32 `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns int32 `envconfig:"DB_MIN_CONNS" default:"1"`
	// DBStatementTimeout bounds every ledger and record statement server side.
	DBStatementTimeout time.Duration `envconfig:"DB_STATEMENT_TIMEOUT" default:"5s"`

	ProviderName      string `envconfig:"PROVIDER_NAME" default:"video"`
	ProviderAPIKey    string `envconfig:"PROVIDER_API_KEY"`
	ProviderCreateURL string `envconfig:"PROVIDER_CREATE_URL"`
	ProviderQueryURL  string `envconfig:"PROVIDER_QUERY_URL"`

	// ModelCosts maps model identifiers to their credit cost.
	ModelCosts CostMap `envconfig:"MODEL_COSTS"`

	RetryMaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryDelay       time.Duration `envconfig:"RETRY_DELAY" default:"2s"`
	ProviderTimeout  time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"60s"`

	IdempotencyTTL      time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	ReconcileSchedule   string        `envconfig:"RECONCILE_SCHEDULE" default:"@every 5m"`
	ReconcileStaleAfter time.Duration `envconfig:"RECONCILE_STALE_AFTER" default:"15m"`

	CORSAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS"`
	HTTPReadTimeout    time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	HTTPWriteTimeout   time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"90s"`
	HTTPIdleTimeout    time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`
	RateLimitPerMin    int           `envconfig:"RATE_LIMIT_PER_MIN" default:"30"`
	DefaultLocale      string        `envconfig:"DEFAULT_LOCALE" default:"en"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 3
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.DBMaxConns <= 0 {
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 || cfg.DBMinConns > cfg.DBMaxConns {
		cfg.DBMinConns = 1
	}
	if cfg.ModelCosts == nil {
		cfg.ModelCosts = CostMap{}
	}

	return &cfg, nil
}

// CostMap is the per-model credit cost table as supplied by the environment.
// It accepts either a JSON object ({"sora-2":10}) or comma separated
// model:cost pairs (sora-2:10,veo3-fast:4).
type CostMap map[string]int

// Decode implements envconfig.Decoder.
func (m *CostMap) Decode(value string) error {
	value = strings.TrimSpace(value)
	out := CostMap{}
	if value == "" {
		*m = out
		return nil
	}
	if strings.HasPrefix(value, "{") {
		var raw map[string]int
		if err := json.Unmarshal([]byte(value), &raw); err != nil {
			return fmt.Errorf("model costs: %w", err)
		}
		for model, cost := range raw {
			if err := out.set(model, cost); err != nil {
				return err
			}
		}
		*m = out
		return nil
	}
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.LastIndex(pair, ":")
		if idx <= 0 {
			return fmt.Errorf("model costs: invalid pair %q", pair)
		}
		cost, err := strconv.Atoi(strings.TrimSpace(pair[idx+1:]))
		if err != nil {
			return fmt.Errorf("model costs: invalid cost in %q", pair)
		}
		if err := out.set(pair[:idx], cost); err != nil {
			return err
		}
	}
	*m = out
	return nil
}

func (m CostMap) set(model string, cost int) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return fmt.Errorf("model costs: empty model id")
	}
	if cost < 0 {
		return fmt.Errorf("model costs: negative cost for %q", model)
	}
	m[model] = cost
	return nil
}
