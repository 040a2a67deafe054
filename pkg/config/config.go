package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	// Load environment variables from .env files when present.
	_ "github.com/joho/godotenv/autoload"
)

// Config holds all application configuration
type Config struct {
	Database      DatabaseConfig
	Extraction    ExtractionConfig
	Resolver      ResolverConfig
	Analysis      AnalysisConfig
	Storage       StorageConfig
	Observability ObservabilityConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

type ExtractionConfig struct {
	ToleranceCents   int64
	TolerancePercent float64
	Workers          int
	DefaultCurrency  string
	DateLayout       string
}

type ResolverConfig struct {
	AcceptThreshold    int
	CandidateThreshold int
	// SearchIndexPath enables the bleve description index when set.
	SearchIndexPath string
}

type AnalysisConfig struct {
	Backend       string
	APIURL        string
	Command       string
	ModelPath     string
	LocalBinary   string
	Timeout       time.Duration
	RatePerMinute int
	PromptPath    string
	// SignificanceThreshold is the percent change at or above which a change is flagged.
	// Zero keeps each analysis kind's preset.
	SignificanceThreshold float64
	FlaggedStart          string
	FlaggedEnd            string
	Schedule              string
}

type StorageConfig struct {
	// ArchivePath is where processed source documents are copied. Empty disables archiving.
	ArchivePath string
	TemplateDir string
}

type ObservabilityConfig struct {
	MetricsEnabled bool
	MetricsPort    int
	LogLevel       string
	LogFormat      string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnvAsInt("POSTGRES_PORT", 5432),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			Database: getEnv("POSTGRES_DB", "invoices"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		Extraction: ExtractionConfig{
			ToleranceCents:   int64(getEnvAsInt("RECONCILE_TOLERANCE_CENTS", 2)),
			TolerancePercent: getEnvAsFloat("RECONCILE_TOLERANCE_PERCENT", 0.5),
			Workers:          getEnvAsInt("EXTRACT_WORKERS", 4),
			DefaultCurrency:  strings.ToUpper(getEnv("DEFAULT_CURRENCY", "USD")),
			DateLayout:       getEnv("DATE_LAYOUT", "01/02/2006"),
		},
		Resolver: ResolverConfig{
			AcceptThreshold:    getEnvAsInt("FUZZY_ACCEPT_THRESHOLD", 90),
			CandidateThreshold: getEnvAsInt("FUZZY_CANDIDATE_THRESHOLD", 70),
			SearchIndexPath:    getEnv("SEARCH_INDEX_PATH", ""),
		},
		Analysis: AnalysisConfig{
			Backend:               getEnv("ANALYSIS_BACKEND", "api"),
			APIURL:                getEnv("ANALYSIS_API_URL", "http://localhost:8000/generate"),
			Command:               getEnv("ANALYSIS_COMMAND", ""),
			ModelPath:             getEnv("ANALYSIS_MODEL_PATH", ""),
			LocalBinary:           getEnv("ANALYSIS_LOCAL_BINARY", ""),
			Timeout:               getEnvAsDuration("ANALYSIS_TIMEOUT", 2*time.Minute),
			RatePerMinute:         getEnvAsInt("ANALYSIS_RATE_PER_MINUTE", 0),
			PromptPath:            getEnv("PROMPT_TEMPLATE_PATH", ""),
			SignificanceThreshold: getEnvAsFloat("SIGNIFICANCE_THRESHOLD", 0),
			FlaggedStart:          getEnv("FLAGGED_START", "FLAGGED ITEMS:"),
			FlaggedEnd:            getEnv("FLAGGED_END", "END FLAGGED"),
			Schedule:              getEnv("ANALYSIS_SCHEDULE", "0 6 * * *"),
		},
		Storage: StorageConfig{
			ArchivePath: getEnv("STORAGE_PATH", ""),
			TemplateDir: getEnv("TEMPLATE_DIR", ""),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
			MetricsPort:    getEnvAsInt("METRICS_PORT", 9090),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "text"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Extraction.Workers < 1 {
		return fmt.Errorf("EXTRACT_WORKERS must be at least 1, got %d", c.Extraction.Workers)
	}
	if c.Resolver.CandidateThreshold > c.Resolver.AcceptThreshold {
		return fmt.Errorf("FUZZY_CANDIDATE_THRESHOLD (%d) must not exceed FUZZY_ACCEPT_THRESHOLD (%d)",
			c.Resolver.CandidateThreshold, c.Resolver.AcceptThreshold)
	}
	switch c.Analysis.Backend {
	case "api", "command", "local":
	default:
		return fmt.Errorf("ANALYSIS_BACKEND must be api, command or local, got %q", c.Analysis.Backend)
	}
	return nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
