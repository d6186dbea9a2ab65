package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port string

	// Database
	SQLiteDBPath string

	// Auth: comma-separated token=owner pairs for the static authenticator
	AuthTokens string

	// AMQP
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Google Sheets export
	GoogleSpreadsheetID string
	GoogleSheetName     string

	// Exporter worker
	ExportBatchSize int
	ExportInterval  time.Duration

	// Client
	ServerURL       string
	ClientToken     string
	StateDir        string
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RequestTimeout  time.Duration
}

func Load() *Config {
	cfg := &Config{
		Port:         getEnv("PORT", "8081"),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/spendlog.db"),

		AuthTokens: getEnv("AUTH_TOKENS", ""),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "spendlog"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "export_expenses"),

		GoogleSpreadsheetID: getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleSheetName:     getEnv("GOOGLE_SHEET_NAME", "Expenses"),

		ExportBatchSize: getEnvInt("EXPORT_BATCH_SIZE", 10),
		ExportInterval:  getEnvDuration("EXPORT_INTERVAL", 30*time.Second),

		ServerURL:      getEnv("SPENDLOG_SERVER_URL", "http://localhost:8081"),
		ClientToken:    getEnv("SPENDLOG_TOKEN", ""),
		StateDir:       getEnv("SPENDLOG_STATE_DIR", defaultStateDir()),
		MaxRetries:     getEnvInt("SPENDLOG_MAX_RETRIES", 2),
		RetryBaseDelay: getEnvDuration("SPENDLOG_RETRY_BASE_DELAY", 500*time.Millisecond),
		RequestTimeout: getEnvDuration("SPENDLOG_REQUEST_TIMEOUT", 10*time.Second),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.SQLiteDBPath == "" {
		errors = append(errors, "SQLite database path cannot be empty")
	} else {
		dir := filepath.Dir(c.SQLiteDBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	}

	// Validate auth token pairs if provided
	if c.AuthTokens != "" {
		if _, err := ParseTokenPairs(c.AuthTokens); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AUTH_TOKENS: %v", err))
		}
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	// Validate exporter configuration
	if c.ExportBatchSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid export batch size %d: must be at least 1", c.ExportBatchSize))
	} else if c.ExportBatchSize > 1000 {
		errors = append(errors, fmt.Sprintf("invalid export batch size %d: must be at most 1000", c.ExportBatchSize))
	}

	if c.ExportInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid export interval %v: must be at least 1 second", c.ExportInterval))
	} else if c.ExportInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid export interval %v: must be at most 24 hours", c.ExportInterval))
	}

	// Validate client configuration
	if c.ServerURL != "" {
		if parsedURL, err := url.Parse(c.ServerURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid server URL '%s': %v", c.ServerURL, err))
		} else if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			errors = append(errors, fmt.Sprintf("invalid server URL scheme '%s': must be 'http' or 'https'", parsedURL.Scheme))
		}
	}
	if c.MaxRetries < 0 {
		errors = append(errors, fmt.Sprintf("invalid max retries %d: must not be negative", c.MaxRetries))
	}
	if c.RetryBaseDelay < 0 {
		errors = append(errors, fmt.Sprintf("invalid retry base delay %v: must not be negative", c.RetryBaseDelay))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// ParseTokenPairs parses "token=owner,token2=owner2" into a token->owner map.
func ParseTokenPairs(s string) (map[string]string, error) {
	pairs := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		token, owner, ok := strings.Cut(part, "=")
		token = strings.TrimSpace(token)
		owner = strings.TrimSpace(owner)
		if !ok || token == "" || owner == "" {
			return nil, fmt.Errorf("malformed token pair %q: want token=owner", part)
		}
		pairs[token] = owner
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no token pairs found")
	}
	return pairs, nil
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "spendlog")
	}
	return "./.spendlog"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
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
