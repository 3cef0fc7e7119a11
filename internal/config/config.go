package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"payments-core/internal/domain"
	"payments-core/pkg/money"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Redis          RedisConfig
	Kafka          KafkaConfig
	Auth           AuthConfig
	Orchestrator   OrchestratorConfig
	Ledger         LedgerConfig
	Reconciliation ReconciliationConfig
	Risk           RiskConfig
	Providers      []ProviderConfig
	Routes         []RouteConfig
}

type ServerConfig struct {
	HTTPAddr        string
	GRPCAddr        string
	Env             string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

// URL builds the pgx connection string.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	Enabled bool
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

type OrchestratorConfig struct {
	ProviderTimeout     time.Duration
	FailureThreshold    int
	HealthCheckInterval time.Duration
	StatusStaleAfter    time.Duration
	PollInterval        time.Duration
	StatusCacheTTL      time.Duration
	WebhookWorkers      int
	WebhookQueueSize    int
	PayoutHoldTTL       time.Duration
}

type LedgerConfig struct {
	HoldSweepInterval time.Duration
	HoldSweepBatch    int
	BalanceCacheTTL   time.Duration
	CashoutFeePercent decimal.Decimal
	CashoutFeeFixed   money.Amount
}

// RiskConfig feeds the rule assessor. LargeAmounts is keyed by currency.
type RiskConfig struct {
	LargeAmounts   map[string]money.Amount
	VelocityLimit  int
	VelocityWindow time.Duration
	Blocked        []string
}

// Thresholds are the tunables of one reconciliation run. Amounts are major units of
// whatever currency the run covers; In resolves them for one currency.
type Thresholds struct {
	TolerancePercent             decimal.Decimal `json:"tolerance_percent"`
	FixedTolerance               decimal.Decimal `json:"fixed_tolerance"`
	AutoResolveLimit             decimal.Decimal `json:"auto_resolve_limit"`
	CriticalDiscrepancyThreshold decimal.Decimal `json:"critical_discrepancy_threshold"`
	Severity                     SeverityBands   `json:"severity"`
}

// SeverityBands are the major-unit lower bounds of MEDIUM, HIGH and CRITICAL.
type SeverityBands struct {
	Medium   decimal.Decimal `json:"medium"`
	High     decimal.Decimal `json:"high"`
	Critical decimal.Decimal `json:"critical"`
}

// Limits are Thresholds expressed in one currency's minor units.
type Limits struct {
	TolerancePercent             decimal.Decimal
	FixedTolerance               money.Amount
	AutoResolveLimit             money.Amount
	CriticalDiscrepancyThreshold money.Amount
	Severity                     domain.SeverityBands
}

// In converts t to currency's minor units.
func (t Thresholds) In(currency string) Limits {
	return Limits{
		TolerancePercent:             t.TolerancePercent,
		FixedTolerance:               money.FromMajor(t.FixedTolerance, currency),
		AutoResolveLimit:             money.FromMajor(t.AutoResolveLimit, currency),
		CriticalDiscrepancyThreshold: money.FromMajor(t.CriticalDiscrepancyThreshold, currency),
		Severity: domain.SeverityBands{
			Medium:   money.FromMajor(t.Severity.Medium, currency),
			High:     money.FromMajor(t.Severity.High, currency),
			Critical: money.FromMajor(t.Severity.Critical, currency),
		},
	}
}

type ReconciliationConfig struct {
	Defaults        Thresholds
	Overrides       map[string]Thresholds
	RunAt           string
	LockTTL         time.Duration
	BalanceAttempts int
	BalanceBackoff  time.Duration
}

// For returns provider's thresholds, falling back to the defaults, in currency's minor units.
func (c ReconciliationConfig) For(provider, currency string) Limits {
	if t, ok := c.Overrides[provider]; ok {
		return t.In(currency)
	}
	return c.Defaults.In(currency)
}

// ProviderConfig declares one adapter. Kind selects the implementation ("sandbox").
type ProviderConfig struct {
	Name          string   `json:"name"`
	Kind          string   `json:"kind"`
	WebhookSecret string   `json:"webhook_secret"`
	Currencies    []string `json:"currencies"`
}

// RouteConfig is one row of the routing table: preference-ordered providers per
// (currency, country, method).
type RouteConfig struct {
	Currency  string   `json:"currency"`
	Country   string   `json:"country"`
	Method    string   `json:"method"`
	Providers []string `json:"providers"`
}

func Load(logger *zap.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded", zap.Error(err))
	}

	cfg := &Config{
		Server: ServerConfig{
			HTTPAddr:        getEnv("HTTP_ADDR", ":8030"),
			GRPCAddr:        getEnv("GRPC_ADDR", ":8031"),
			Env:             getEnv("ENVIRONMENT", "development"),
			AllowedOrigins:  getEnvSlice("ALLOWED_ORIGINS", []string{"*"}),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "payments"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 50)),
			MinConns: int32(getEnvInt("DB_MIN_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "redis:6379"),
			Password: getEnv("REDIS_PASS", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvSlice("KAFKA_BROKERS", []string{"kafka:9092"}),
			Topic:   getEnv("KAFKA_TOPIC", "payments.events"),
			Enabled: getEnvBool("KAFKA_ENABLED", true),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", "payments-core"),
		},
		Orchestrator: OrchestratorConfig{
			ProviderTimeout:     getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second),
			FailureThreshold:    getEnvInt("PROVIDER_FAILURE_THRESHOLD", 3),
			HealthCheckInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", 30*time.Second),
			StatusStaleAfter:    getEnvDuration("STATUS_STALE_AFTER", 2*time.Minute),
			PollInterval:        getEnvDuration("PAYMENT_POLL_INTERVAL", time.Minute),
			StatusCacheTTL:      getEnvDuration("STATUS_CACHE_TTL", 30*time.Second),
			WebhookWorkers:      getEnvInt("WEBHOOK_WORKERS", 8),
			WebhookQueueSize:    getEnvInt("WEBHOOK_QUEUE_SIZE", 1024),
			PayoutHoldTTL:       getEnvDuration("PAYOUT_HOLD_TTL", 24*time.Hour),
		},
		Ledger: LedgerConfig{
			HoldSweepInterval: getEnvDuration("HOLD_SWEEP_INTERVAL", time.Minute),
			HoldSweepBatch:    getEnvInt("HOLD_SWEEP_BATCH", 500),
			BalanceCacheTTL:   getEnvDuration("BALANCE_CACHE_TTL", 15*time.Second),
			CashoutFeePercent: getEnvDecimal("CASHOUT_FEE_PERCENT", decimal.RequireFromString("0.02")),
			CashoutFeeFixed:   money.Amount(getEnvInt("CASHOUT_FEE_FIXED", 50)),
		},
		Reconciliation: ReconciliationConfig{
			Defaults:        DefaultThresholds(),
			RunAt:           getEnv("RECON_RUN_AT", "02:00"),
			LockTTL:         getEnvDuration("RECON_LOCK_TTL", 30*time.Minute),
			BalanceAttempts: getEnvInt("RECON_BALANCE_ATTEMPTS", 3),
			BalanceBackoff:  getEnvDuration("RECON_BALANCE_BACKOFF", 2*time.Second),
		},
	}

	cfg.Risk = RiskConfig{
		LargeAmounts:   map[string]money.Amount{"KES": 10_000_000, "NGN": 50_000_000, "GHS": 1_000_000},
		VelocityLimit:  getEnvInt("RISK_VELOCITY_LIMIT", 10),
		VelocityWindow: getEnvDuration("RISK_VELOCITY_WINDOW", time.Hour),
		Blocked:        getEnvSlice("RISK_BLOCKED_ACCOUNTS", nil),
	}
	if err := getEnvJSON("RISK_LARGE_AMOUNTS", &cfg.Risk.LargeAmounts); err != nil {
		return nil, err
	}

	d := &cfg.Reconciliation.Defaults
	d.TolerancePercent = getEnvDecimal("RECON_TOLERANCE_PERCENT", d.TolerancePercent)
	d.FixedTolerance = getEnvDecimal("RECON_FIXED_TOLERANCE", d.FixedTolerance)
	d.AutoResolveLimit = getEnvDecimal("RECON_AUTO_RESOLVE_LIMIT", d.AutoResolveLimit)
	d.CriticalDiscrepancyThreshold = getEnvDecimal("RECON_CRITICAL_THRESHOLD", d.CriticalDiscrepancyThreshold)

	if err := getEnvJSON("RECON_OVERRIDES", &cfg.Reconciliation.Overrides); err != nil {
		return nil, err
	}
	if err := getEnvJSON("PROVIDERS", &cfg.Providers); err != nil {
		return nil, err
	}
	if err := getEnvJSON("ROUTES", &cfg.Routes); err != nil {
		return nil, err
	}

	if len(cfg.Providers) == 0 {
		logger.Warn("no providers configured, falling back to sandbox rail")
		cfg.Providers = []ProviderConfig{{
			Name:          "sandbox",
			Kind:          "sandbox",
			WebhookSecret: getEnv("SANDBOX_WEBHOOK_SECRET", "sandbox-secret"),
			Currencies:    []string{"KES", "NGN", "GHS"},
		}}
	}
	if len(cfg.Routes) == 0 {
		names := make([]string, 0, len(cfg.Providers))
		for _, p := range cfg.Providers {
			names = append(names, p.Name)
		}
		cfg.Routes = []RouteConfig{{Currency: "*", Country: "*", Method: "*", Providers: names}}
	}

	logger.Info("configuration loaded",
		zap.String("env", cfg.Server.Env),
		zap.Int("providers", len(cfg.Providers)),
		zap.Int("routes", len(cfg.Routes)))

	return cfg, nil
}

// DefaultThresholds mirrors the bands used in production, in local currency units:
// < 1,000 LOW, < 10,000 MEDIUM, < 50,000 HIGH, otherwise CRITICAL.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TolerancePercent:             decimal.RequireFromString("0.001"),
		FixedTolerance:               decimal.NewFromInt(1),
		AutoResolveLimit:             decimal.NewFromInt(100),
		CriticalDiscrepancyThreshold: decimal.NewFromInt(100_000),
		Severity: SeverityBands{
			Medium:   decimal.NewFromInt(1_000),
			High:     decimal.NewFromInt(10_000),
			Critical: decimal.NewFromInt(50_000),
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvJSON(key string, out any) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	return nil
}
