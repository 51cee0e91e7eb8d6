package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Store         StoreConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Queue         QueueConfig
	Audit         AuditConfig
	Settlement    SettlementConfig
	Pipeline      PipelineConfig
	Auth          AuthConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// StoreConfig selects the persistence backend shared by every service
type StoreConfig struct {
	Backend     string // memory, file, postgres or redis
	FilePath    string
	FileSync    bool
	RedisPrefix string
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// QueueConfig holds multisig transaction queue settings
type QueueConfig struct {
	RequiredSignatures int
	ExpiryHours        int
	SignerRoles        []string
}

// AuditConfig holds audit bridge settings
type AuditConfig struct {
	Network       string
	MaxEvents     int
	RetentionDays int
}

// SettlementConfig holds DvP settlement settings
type SettlementConfig struct {
	DefaultModel         string
	DefaultDeadlineHours int
	SettlementDays       int
}

// PipelineConfig holds the funding pipeline's accounts, tokens and bond terms
type PipelineConfig struct {
	Network         string
	XRPL            XRPLAccounts
	Stellar         StellarAccounts
	Tokens          []TokenConfig
	Bond            BondConfig
	SnapshotFile    string // offline ledger seed
	LegalDocsHashed bool
}

// XRPLAccounts are the XRPL addresses the pipeline prepares transactions for
type XRPLAccounts struct {
	Issuer      string
	Treasury    string
	Escrow      string
	Attestation string
	AMM         string
	Trading     string
}

// StellarAccounts are the Stellar addresses the pipeline prepares transactions for
type StellarAccounts struct {
	Issuer       string
	Distribution string
	Anchor       string
}

// TokenConfig defines one token activated by the pipeline
type TokenConfig struct {
	Code           string
	Ledger         string
	Type           string
	TrustlineLimit string
}

// BondConfig holds the terms of the funding bond
type BondConfig struct {
	Name                  string
	FaceValue             string
	Currency              string
	CouponRate            float64
	MaturityYears         int
	CollateralDescription string
	CollateralValue       string
	CoverageRatio         float64
}

// AuthConfig holds signer token settings
type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	Issuer    string
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel          string
	LogFormat         string // json or console
	ServiceName       string
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Store: StoreConfig{
			Backend:     strings.ToLower(getEnv("STORE_BACKEND", StoreMemory)),
			FilePath:    getEnv("STORE_FILE_PATH", "data/funding-ops.jsonl"),
			FileSync:    getEnvAsBool("STORE_FILE_SYNC", true),
			RedisPrefix: getEnv("STORE_REDIS_PREFIX", "fundingops"),
		},
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			RequiredSignatures: getEnvAsInt("QUEUE_REQUIRED_SIGNATURES", 2),
			ExpiryHours:        getEnvAsInt("QUEUE_EXPIRY_HOURS", 72),
			SignerRoles:        getEnvAsList("QUEUE_SIGNER_ROLES", []string{"treasury", "compliance", "trustee"}),
		},
		Audit: AuditConfig{
			Network:       getEnv("AUDIT_NETWORK", "testnet"),
			MaxEvents:     getEnvAsInt("AUDIT_MAX_EVENTS", 100000),
			RetentionDays: getEnvAsInt("AUDIT_RETENTION_DAYS", 2555),
		},
		Settlement: SettlementConfig{
			DefaultModel:         getEnv("SETTLEMENT_DEFAULT_MODEL", "rtgs"),
			DefaultDeadlineHours: getEnvAsInt("SETTLEMENT_DEADLINE_HOURS", 96),
			SettlementDays:       getEnvAsInt("SETTLEMENT_DAYS", 0),
		},
		Pipeline: loadPipelineConfig(),
		Auth: AuthConfig{
			Enabled:   getEnvAsBool("AUTH_ENABLED", false),
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", "funding-control-plane"),
		},
		Observability: ObservabilityConfig{
			LogLevel:          getEnv("LOG_LEVEL", "info"),
			LogFormat:         getEnv("LOG_FORMAT", "json"),
			ServiceName:       getEnv("SERVICE_NAME", "funding-gateway"),
			TracingEnabled:    getEnvAsBool("TRACING_ENABLED", false),
			TracingEndpoint:   getEnv("TRACING_ENDPOINT", ""),
			TracingSampleRate: getEnvAsFloat("TRACING_SAMPLE_RATE", 0.1),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory:
	case StoreFile:
		if c.Store.FilePath == "" {
			return fmt.Errorf("store file path is required for the file backend")
		}
	case StorePostgres:
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	case StoreRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Queue.RequiredSignatures < 1 {
		return fmt.Errorf("queue required signatures must be at least 1")
	}
	if len(c.Queue.SignerRoles) < c.Queue.RequiredSignatures {
		return fmt.Errorf("queue needs at least %d signer roles, got %d",
			c.Queue.RequiredSignatures, len(c.Queue.SignerRoles))
	}
	if c.Queue.ExpiryHours <= 0 {
		return fmt.Errorf("queue expiry hours must be positive")
	}

	if c.Audit.Network != "testnet" && c.Audit.Network != "mainnet" {
		return fmt.Errorf("audit network must be testnet or mainnet")
	}
	if c.Audit.MaxEvents < 1 {
		return fmt.Errorf("audit max events must be at least 1")
	}

	switch c.Settlement.DefaultModel {
	case "rtgs", "deferred_net", "escrow_mediated":
	default:
		return fmt.Errorf("unknown settlement model %q", c.Settlement.DefaultModel)
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required when auth is enabled")
	}

	if c.IsProduction() {
		if !c.Auth.Enabled {
			return fmt.Errorf("auth must be enabled in production")
		}
		if c.Store.Backend == StoreMemory {
			return fmt.Errorf("memory store is not allowed in production")
		}
		if c.Pipeline.XRPL.Issuer == "" || c.Pipeline.Stellar.Issuer == "" {
			return fmt.Errorf("pipeline issuer accounts are required in production")
		}
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, strings.TrimPrefix(u.Path, "/"))
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TokensFor returns the configured tokens living on ledger
func (c *PipelineConfig) TokensFor(ledger string) []TokenConfig {
	var out []TokenConfig
	for _, t := range c.Tokens {
		if t.Ledger == ledger {
			out = append(out, t)
		}
	}
	return out
}

func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "funding"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "funding_ops"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

func loadPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Network: getEnv("LEDGER_NETWORK", "testnet"),
		XRPL: XRPLAccounts{
			Issuer:      getEnv("XRPL_ISSUER_ADDRESS", ""),
			Treasury:    getEnv("XRPL_TREASURY_ADDRESS", ""),
			Escrow:      getEnv("XRPL_ESCROW_ADDRESS", ""),
			Attestation: getEnv("XRPL_ATTESTATION_ADDRESS", ""),
			AMM:         getEnv("XRPL_AMM_ADDRESS", ""),
			Trading:     getEnv("XRPL_TRADING_ADDRESS", ""),
		},
		Stellar: StellarAccounts{
			Issuer:       getEnv("STELLAR_ISSUER_ADDRESS", ""),
			Distribution: getEnv("STELLAR_DISTRIBUTION_ADDRESS", ""),
			Anchor:       getEnv("STELLAR_ANCHOR_ADDRESS", ""),
		},
		Tokens: parseTokens(getEnv("PIPELINE_TOKENS",
			"OPTKAS.BOND:xrpl:claim_receipt:1000000000,OPTKAS-USD:stellar:regulated_asset:1000000000")),
		Bond: BondConfig{
			Name:                  getEnv("BOND_NAME", "Funding Bond Series A"),
			FaceValue:             getEnv("BOND_FACE_VALUE", "10000000"),
			Currency:              getEnv("BOND_CURRENCY", "USD"),
			CouponRate:            getEnvAsFloat("BOND_COUPON_RATE", 0.065),
			MaturityYears:         getEnvAsInt("BOND_MATURITY_YEARS", 5),
			CollateralDescription: getEnv("BOND_COLLATERAL_DESCRIPTION", "Senior secured collateral pool"),
			CollateralValue:       getEnv("BOND_COLLATERAL_VALUE", "15000000"),
			CoverageRatio:         getEnvAsFloat("BOND_COVERAGE_RATIO", 1.5),
		},
		SnapshotFile:    getEnv("LEDGER_SNAPSHOT_FILE", ""),
		LegalDocsHashed: getEnvAsBool("LEGAL_DOCS_HASHED", true),
	}
}

// parseTokens reads "CODE:ledger:type:limit" entries separated by commas.
// Malformed entries are skipped.
func parseTokens(raw string) []TokenConfig {
	var tokens []TokenConfig
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 4 {
			continue
		}
		tokens = append(tokens, TokenConfig{
			Code:           parts[0],
			Ledger:         strings.ToLower(parts[1]),
			Type:           parts[2],
			TrustlineLimit: parts[3],
		})
	}
	return tokens
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
