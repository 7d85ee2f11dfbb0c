// Package config resolves oracle configuration from defaults, an optional
// YAML file, and environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

// Config is the full set of recognized options.
type Config struct {
	Provider string `yaml:"provider"`

	// Cloud-provider parameters.
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`

	// Provider-specific resource identifiers.
	FPTableName           string `yaml:"fp_table_name"`
	ConsentTableName      string `yaml:"consent_table_name"`
	BlockCounterTableName string `yaml:"block_counter_table_name"`
	CalibrationTableName  string `yaml:"calibration_table_name"`
	NonceParameterName    string `yaml:"nonce_parameter_name"`
	BaselineBucket        string `yaml:"baseline_bucket"`
	BaselinePrefix        string `yaml:"baseline_prefix"`
	GCPProjectID          string `yaml:"gcp_project_id"`

	// LocalDataDir replaces every resource identifier for provider=local.
	LocalDataDir string `yaml:"local_data_dir"`

	// Redis, when set, overrides the provider's block counter so multiple
	// processes share circuit-breaker state.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	StrictMode              bool  `yaml:"strict_mode"`
	DryRun                  bool  `yaml:"dry_run"`
	CircuitBreakerThreshold int64 `yaml:"circuit_breaker_threshold"`
	NonceTTLMS              int64 `yaml:"nonce_ttl_ms"`

	ByzantineFilterPercentile float64 `yaml:"byzantine_filter_percentile"`
	ZScoreThreshold           float64 `yaml:"z_score_threshold"`
	KAnonymityThreshold       int     `yaml:"k_anonymity_threshold"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Provider:                  string(adapters.ProviderLocal),
		LocalDataDir:              ".test-data",
		CircuitBreakerThreshold:   100,
		NonceTTLMS:                3_600_000,
		ByzantineFilterPercentile: 0.2,
		ZScoreThreshold:           3.0,
		KAnonymityThreshold:       10,
		LogLevel:                  "INFO",
	}
}

// Load resolves configuration from defaults and environment variables.
func Load() (Config, error) {
	cfg := Default()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile resolves configuration from defaults, then the YAML file, then
// environment variables.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Provider, "PMD_PROVIDER")
	setString(&c.Region, "PMD_REGION")
	setString(&c.Endpoint, "PMD_ENDPOINT")
	setString(&c.FPTableName, "PMD_FP_TABLE")
	setString(&c.ConsentTableName, "PMD_CONSENT_TABLE")
	setString(&c.BlockCounterTableName, "PMD_BLOCK_COUNTER_TABLE")
	setString(&c.CalibrationTableName, "PMD_CALIBRATION_TABLE")
	setString(&c.NonceParameterName, "PMD_NONCE_PARAMETER")
	setString(&c.BaselineBucket, "PMD_BASELINE_BUCKET")
	setString(&c.BaselinePrefix, "PMD_BASELINE_PREFIX")
	setString(&c.GCPProjectID, "PMD_GCP_PROJECT")
	setString(&c.LocalDataDir, "LOCAL_DATA_DIR")
	setString(&c.RedisAddr, "PMD_REDIS_ADDR")
	setString(&c.RedisPassword, "PMD_REDIS_PASSWORD")
	setInt(&c.RedisDB, "PMD_REDIS_DB")
	setBool(&c.StrictMode, "PMD_STRICT_MODE")
	setBool(&c.DryRun, "PMD_DRY_RUN")
	setInt64(&c.CircuitBreakerThreshold, "PMD_CIRCUIT_BREAKER_THRESHOLD")
	setInt64(&c.NonceTTLMS, "PMD_NONCE_TTL_MS")
	setFloat(&c.ByzantineFilterPercentile, "PMD_BYZANTINE_FILTER_PERCENTILE")
	setFloat(&c.ZScoreThreshold, "PMD_ZSCORE_THRESHOLD")
	setInt(&c.KAnonymityThreshold, "PMD_K_ANONYMITY_THRESHOLD")
	setString(&c.LogLevel, "LOG_LEVEL")
}

// Validate enforces cross-field requirements per provider.
func (c *Config) Validate() error {
	provider, err := adapters.ParseProvider(c.Provider)
	if err != nil {
		return err
	}
	switch provider {
	case adapters.ProviderLocal:
		if c.LocalDataDir == "" {
			return fmt.Errorf("config: provider local requires local_data_dir")
		}
	case adapters.ProviderAWS:
		if c.Region == "" {
			return fmt.Errorf("config: provider aws requires region")
		}
	case adapters.ProviderOracle:
		// OCI is reached through its S3-compatibility endpoint.
		if c.Endpoint == "" {
			return fmt.Errorf("config: provider oracle requires endpoint")
		}
		if c.Region == "" {
			return fmt.Errorf("config: provider oracle requires region")
		}
	case adapters.ProviderGCP:
		if c.GCPProjectID == "" {
			return fmt.Errorf("config: provider gcp requires gcp_project_id")
		}
	}
	if c.CircuitBreakerThreshold <= 0 {
		return fmt.Errorf("config: circuit_breaker_threshold must be positive")
	}
	if c.NonceTTLMS <= 0 {
		return fmt.Errorf("config: nonce_ttl_ms must be positive")
	}
	if c.ByzantineFilterPercentile < 0 || c.ByzantineFilterPercentile >= 1 {
		return fmt.Errorf("config: byzantine_filter_percentile must be in [0, 1)")
	}
	if c.KAnonymityThreshold < 1 {
		return fmt.Errorf("config: k_anonymity_threshold must be at least 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
