package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/ehr/orsched/internal/domain/orschedule"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	LockMemory = "memory"
	LockRedis  = "redis"

	AuthDevelopment = "development"
	AuthJWT         = "jwt"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreBackend string `mapstructure:"STORE_BACKEND"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32  `mapstructure:"DB_MIN_CONNS"`

	LockBackend string        `mapstructure:"LOCK_BACKEND"`
	LockTTL     time.Duration `mapstructure:"LOCK_TTL"`
	RedisURL    string        `mapstructure:"REDIS_URL"`

	AuthMode       string `mapstructure:"AUTH_MODE"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultTenant  string `mapstructure:"DEFAULT_TENANT"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	OTLPEndpoint    string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure    bool    `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	TraceSampleRate float64 `mapstructure:"OTEL_TRACES_SAMPLE_RATE"`
	MetricsEnabled  bool    `mapstructure:"METRICS_ENABLED"`

	HospitalTimezone       string        `mapstructure:"HOSPITAL_TIMEZONE"`
	LookaheadDays          int           `mapstructure:"SCHED_LOOKAHEAD_DAYS"`
	TurnoverMinutes        int           `mapstructure:"SCHED_TURNOVER_MINUTES"`
	RoomOpenTime           string        `mapstructure:"ROOM_OPEN_TIME"`
	RoomCloseTime          string        `mapstructure:"ROOM_CLOSE_TIME"`
	EmergencyGuardWindow   time.Duration `mapstructure:"EMERGENCY_GUARD_WINDOW"`
	EmergentMaxWait        time.Duration `mapstructure:"EMERGENT_MAX_WAIT"`
	UrgentMaxWait          time.Duration `mapstructure:"URGENT_MAX_WAIT"`
	OptimizerMaxChanges    int           `mapstructure:"OPTIMIZER_MAX_CHANGES"`
	OptimizerMaxIterations int           `mapstructure:"OPTIMIZER_MAX_ITERATIONS"`
	OptimizerTimeout       time.Duration `mapstructure:"OPTIMIZER_TIMEOUT"`
	PredictorMinSamples    int           `mapstructure:"PREDICTOR_MIN_SAMPLES"`
}

var defaults = map[string]any{
	"PORT":                        "8000",
	"ENV":                         "development",
	"LOG_LEVEL":                   "info",
	"STORE_BACKEND":               StorePostgres,
	"DB_MAX_CONNS":                20,
	"DB_MIN_CONNS":                5,
	"LOCK_BACKEND":                LockMemory,
	"LOCK_TTL":                    "30s",
	"AUTH_MODE":                   "",
	"DEFAULT_TENANT":              "default",
	"RATE_LIMIT_RPS":              50,
	"RATE_LIMIT_BURST":            100,
	"REQUEST_TIMEOUT":             "30s",
	"BODY_LIMIT":                  "1M",
	"OTEL_TRACES_SAMPLE_RATE":     1.0,
	"METRICS_ENABLED":             true,
	"HOSPITAL_TIMEZONE":           "UTC",
	"SCHED_LOOKAHEAD_DAYS":        14,
	"SCHED_TURNOVER_MINUTES":      0,
	"ROOM_OPEN_TIME":              "07:00",
	"ROOM_CLOSE_TIME":             "17:00",
	"EMERGENCY_GUARD_WINDOW":      "2h",
	"EMERGENT_MAX_WAIT":           "4h",
	"URGENT_MAX_WAIT":             "24h",
	"OPTIMIZER_MAX_CHANGES":       10,
	"OPTIMIZER_MAX_ITERATIONS":    500,
	"OPTIMIZER_TIMEOUT":           "10s",
	"PREDICTOR_MIN_SAMPLES":       5,
	"OTEL_EXPORTER_OTLP_INSECURE": false,
}

// keys with no default that must still be read from the environment
var unsetKeys = []string{
	"DATABASE_URL", "REDIS_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
	"AUTH_SIGNING_KEY", "OTEL_EXPORTER_OTLP_ENDPOINT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
		_ = v.BindEnv(k)
	}
	for _, k := range unsetKeys {
		_ = v.BindEnv(k)
	}

	// a missing .env is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.StoreBackend == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=%s", StorePostgres)
	}

	if cfg.ResolvedAuthMode() == AuthDevelopment {
		log.Warn().Msg("development auth is active: every request runs as an admin. Do NOT use this configuration in production")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise development auth in
// the development environment and JWT everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthDevelopment
	}
	return AuthJWT
}

func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case AuthDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=%s is not allowed in production", AuthDevelopment)
		}
	case AuthJWT:
		if c.AuthIssuer == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when AUTH_MODE is %q", AuthJWT)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthDevelopment, AuthJWT, mode)
	}

	switch c.StoreBackend {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=%s", StorePostgres)
		}
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_BACKEND=%s is not allowed in production", StoreMemory)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StorePostgres, StoreMemory, c.StoreBackend)
	}

	switch c.LockBackend {
	case LockMemory:
	case LockRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when LOCK_BACKEND=%s", LockRedis)
		}
	default:
		return fmt.Errorf("LOCK_BACKEND must be %q or %q, got %q", LockMemory, LockRedis, c.LockBackend)
	}

	if _, err := c.EngineOptions(); err != nil {
		return err
	}
	return nil
}

// EngineOptions converts the scheduling keys into engine options.
func (c *Config) EngineOptions() (orschedule.Options, error) {
	loc, err := time.LoadLocation(c.HospitalTimezone)
	if err != nil {
		return orschedule.Options{}, fmt.Errorf("HOSPITAL_TIMEZONE: %w", err)
	}
	open, err := orschedule.ParseTimeOfDay(c.RoomOpenTime)
	if err != nil {
		return orschedule.Options{}, fmt.Errorf("ROOM_OPEN_TIME: %w", err)
	}
	closing, err := orschedule.ParseTimeOfDay(c.RoomCloseTime)
	if err != nil {
		return orschedule.Options{}, fmt.Errorf("ROOM_CLOSE_TIME: %w", err)
	}
	if closing <= open {
		return orschedule.Options{}, fmt.Errorf("ROOM_CLOSE_TIME %s must be after ROOM_OPEN_TIME %s", closing, open)
	}
	if c.TurnoverMinutes < 0 {
		return orschedule.Options{}, fmt.Errorf("SCHED_TURNOVER_MINUTES must not be negative")
	}
	if c.LookaheadDays <= 0 {
		return orschedule.Options{}, fmt.Errorf("SCHED_LOOKAHEAD_DAYS must be positive")
	}

	return orschedule.Options{
		Location:               loc,
		LookaheadDays:          c.LookaheadDays,
		TurnoverMinutes:        c.TurnoverMinutes,
		DefaultOpen:            open,
		DefaultClose:           closing,
		GuardWindow:            c.EmergencyGuardWindow,
		EmergentMaxWait:        c.EmergentMaxWait,
		UrgentMaxWait:          c.UrgentMaxWait,
		OptimizerMaxChanges:    c.OptimizerMaxChanges,
		OptimizerMaxIterations: c.OptimizerMaxIterations,
		OptimizerTimeout:       c.OptimizerTimeout,
		PredictorMinSamples:    c.PredictorMinSamples,
	}, nil
}
