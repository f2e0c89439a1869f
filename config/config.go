// Package config loads process configuration from the environment and the
// optional risk-profile YAML file. Services fail fast on missing required
// values rather than limping along half-configured.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"trading-execution/internal/breaker"
	"trading-execution/internal/executor"
	"trading-execution/internal/risk"
	"trading-execution/internal/session"
)

// Config is everything the execution daemon needs at startup.
type Config struct {
	LogLevel string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SQLitePath string

	APIAddr     string
	MetricsAddr string

	RiskProfilesPath string
	AlertWebhookURL  string

	Executor executor.Config
	Breaker  breaker.Config
	Session  session.Config
}

// Load reads the environment. REDIS_ADDR and SQLITE_PATH are required.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		SQLitePath: os.Getenv("SQLITE_PATH"),

		APIAddr:     getEnv("API_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9100"),

		RiskProfilesPath: getEnv("RISK_PROFILES_PATH", ""),
		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("config: REDIS_ADDR is required")
	}
	if cfg.SQLitePath == "" {
		return nil, fmt.Errorf("config: SQLITE_PATH is required")
	}

	cfg.Executor = executor.Config{
		MaxRetries: getEnvInt("EXEC_MAX_RETRIES", 3),
		RetryDelay: time.Duration(getEnvInt("EXEC_RETRY_DELAY_SECONDS", 2)) * time.Second,
		Timeout:    time.Duration(getEnvInt("EXEC_TIMEOUT_SECONDS", 30)) * time.Second,
	}

	cfg.Breaker = breaker.DefaultConfig()
	cfg.Breaker.FailureThreshold = getEnvInt("CB_FAILURE_THRESHOLD", cfg.Breaker.FailureThreshold)
	cfg.Breaker.SuccessThreshold = getEnvInt("CB_SUCCESS_THRESHOLD", cfg.Breaker.SuccessThreshold)
	cfg.Breaker.RecoveryTimeout = time.Duration(getEnvInt("CB_RECOVERY_TIMEOUT_SECONDS", 30)) * time.Second
	cfg.Breaker.CallTimeout = cfg.Executor.Timeout

	cfg.Session = session.Config{
		SessionTimeout:      time.Duration(getEnvInt("SESSION_TIMEOUT_MINUTES", 30)) * time.Minute,
		MaxErrorCount:       getEnvInt("SESSION_MAX_ERROR_COUNT", 3),
		HealthCheckInterval: time.Duration(getEnvInt("SESSION_HEALTH_CHECK_INTERVAL_SECONDS", 60)) * time.Second,
	}

	return cfg, nil
}

// ProfilesFile is the YAML schema of the risk-profile bundle.
type ProfilesFile struct {
	Profiles    []risk.Limits     `yaml:"profiles"`
	Assignments map[string]string `yaml:"assignments"` // tenant ID → profile name
}

// LoadRiskProfiles parses the profile bundle and seeds a ProfileStore plus
// the tenant assignments. A missing path yields defaults only.
func LoadRiskProfiles(path string) (*risk.ProfileStore, error) {
	if path == "" {
		return risk.NewProfileStore(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read risk profiles: %w", err)
	}
	var file ProfilesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("config: parse risk profiles: %w", err)
	}
	store := risk.NewProfileStore(file.Profiles...)
	for tenant, profile := range file.Assignments {
		if err := store.Assign(tenant, profile); err != nil {
			return nil, fmt.Errorf("config: assignment for tenant %s: %w", tenant, err)
		}
	}
	return store, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
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
