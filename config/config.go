package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process-wide configuration loaded from the environment.
type Config struct {
	Exchange ExchangeConfig `json:"exchange"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Trading  TradingConfig  `json:"trading"`
}

// ExchangeConfig holds MEXC API configuration
type ExchangeConfig struct {
	APIKey     string        `json:"api_key"`
	SecretKey  string        `json:"secret_key"`
	BaseURL    string        `json:"base_url"`
	WebBaseURL string        `json:"web_base_url"` // calendar host, separate from trading
	Timeout    time.Duration `json:"timeout"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL          string        `json:"url"`
	QueryTimeout time.Duration `json:"query_timeout"`
}

// RedisConfig holds Redis configuration for dedup and price caching
type RedisConfig struct {
	URL string `json:"url"`
}

// ServerConfig holds HTTP/WebSocket server configuration
type ServerConfig struct {
	Port               int      `json:"port"`
	Host               string   `json:"host"`
	CORSEnabled        bool     `json:"cors_enabled"`
	AllowedOrigins     []string `json:"allowed_origins"`
	IPWhitelistEnabled bool     `json:"ip_whitelist_enabled"`
	IPWhitelist        []string `json:"ip_whitelist"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level string `json:"level"` // debug, info, warn, error
}

// TradingConfig holds process-level trading defaults. Per-user limits live
// in the trading_configurations table.
type TradingConfig struct {
	MaxTradesPerHour int           `json:"max_trades_per_hour"`
	PollingInterval  time.Duration `json:"polling_interval"`
	OrderTimeout     time.Duration `json:"order_timeout"`
	SellTickInterval time.Duration `json:"sell_tick_interval"`
	DedupWindow      time.Duration `json:"dedup_window"`
	SignalTTL        time.Duration `json:"signal_ttl"`
	RecvWindowMs     int64         `json:"recv_window_ms"`
	MaxOpenPositions int           `json:"max_open_positions"`
	DailyLossLimit   float64       `json:"daily_loss_limit"`
	RulesCacheTTL    time.Duration `json:"rules_cache_ttl"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Exchange: ExchangeConfig{
			APIKey:     os.Getenv("EXCHANGE_API_KEY"),
			SecretKey:  os.Getenv("EXCHANGE_SECRET_KEY"),
			BaseURL:    getEnvOrDefault("EXCHANGE_BASE_URL", "https://api.mexc.com"),
			WebBaseURL: getEnvOrDefault("EXCHANGE_WEB_BASE_URL", "https://www.mexc.com"),
			Timeout:    time.Duration(getEnvIntOrDefault("API_TIMEOUT_MS", 3000)) * time.Millisecond,
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			QueryTimeout: time.Duration(getEnvIntOrDefault("DB_QUERY_TIMEOUT_MS", 5000)) * time.Millisecond,
		},
		Redis: RedisConfig{
			URL: getEnvOrDefault("REDIS_URL", ""),
		},
		Server: ServerConfig{
			Port:               getEnvIntOrDefault("WEB_PORT", 8080),
			Host:               getEnvOrDefault("WEB_HOST", "0.0.0.0"),
			CORSEnabled:        getEnvOrDefault("CORS_ENABLED", "true") == "true",
			AllowedOrigins:     splitList(getEnvOrDefault("ALLOWED_ORIGINS", "*")),
			IPWhitelistEnabled: getEnvOrDefault("IP_WHITELIST_ENABLED", "false") == "true",
			IPWhitelist:        splitList(os.Getenv("IP_WHITELIST")),
		},
		Logging: LoggingConfig{
			Level: getEnvOrDefault("LOG_LEVEL", "info"),
		},
		Trading: TradingConfig{
			MaxTradesPerHour: getEnvIntOrDefault("MAX_TRADES_PER_HOUR", 10),
			PollingInterval:  time.Duration(getEnvIntOrDefault("DEFAULT_POLLING_INTERVAL_MS", 5000)) * time.Millisecond,
			OrderTimeout:     time.Duration(getEnvIntOrDefault("DEFAULT_ORDER_TIMEOUT_MS", 10000)) * time.Millisecond,
			SellTickInterval: time.Second,
			DedupWindow:      time.Minute,
			SignalTTL:        60 * time.Second,
			RecvWindowMs:     int64(getEnvIntOrDefault("RECV_WINDOW_MS", 1000)),
			MaxOpenPositions: getEnvIntOrDefault("MAX_OPEN_POSITIONS", 5),
			DailyLossLimit:   getEnvFloatOrDefault("DAILY_LOSS_LIMIT", 100.0),
			RulesCacheTTL:    time.Duration(getEnvIntOrDefault("RULES_CACHE_TTL_SECONDS", 3600)) * time.Second,
		},
	}

	return cfg, nil
}

// Validate checks that required settings are present and sane.
func (c *Config) Validate() error {
	if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" {
		return fmt.Errorf("EXCHANGE_API_KEY and EXCHANGE_SECRET_KEY are required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Trading.PollingInterval < time.Second {
		return fmt.Errorf("polling interval must be >= 1000ms, got %v", c.Trading.PollingInterval)
	}
	if c.Trading.OrderTimeout < 5*time.Second {
		return fmt.Errorf("order timeout must be >= 5000ms, got %v", c.Trading.OrderTimeout)
	}
	if c.Trading.RecvWindowMs < 1 || c.Trading.RecvWindowMs > 1000 {
		return fmt.Errorf("recv window must be in [1, 1000]ms, got %d", c.Trading.RecvWindowMs)
	}
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
