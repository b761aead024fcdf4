package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/speedrun-hq/speedrun-relayer/pkg/logger"
)

// Config is the runtime configuration handed to every component at construction
type Config struct {
	PrivateKey       string
	WalletName       string
	Profiles         []Profile
	WorkerCount      int
	MaxAttempts      int
	TransferCountMin int
	TransferCountMax int
	GraphQLEndpoint  string
	IndexerTimeout   time.Duration
	MetricsPort      string
	JournalPath      string
	RPCRateLimit     float64
	IndexerRateLimit float64
	FailureCooldown  time.Duration
	CircuitBreaker   CircuitBreakerConfig
	LoggerConfig     LoggerConfig
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
	Format   string
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	profileNames, err := GetEnvProfiles()
	if err != nil {
		return nil, err
	}

	profiles, err := ResolveProfiles(profileNames)
	if err != nil {
		return nil, err
	}

	workerCount, err := GetEnvWorkerCount()
	if err != nil {
		return nil, err
	}

	maxAttempts, err := GetEnvMaxAttempts()
	if err != nil {
		return nil, err
	}

	countMin, countMax, err := GetEnvTransferCount()
	if err != nil {
		return nil, err
	}

	graphqlEndpoint, err := GetEnvGraphQLEndpoint()
	if err != nil {
		return nil, err
	}

	indexerTimeout, err := GetEnvIndexerTimeout()
	if err != nil {
		return nil, err
	}

	metricsPort, err := GetEnvMetricsPort()
	if err != nil {
		return nil, err
	}

	rpcRate, err := GetEnvRateLimit("RPC_RATE_LIMIT", DefaultRPCRateLimit)
	if err != nil {
		return nil, err
	}

	indexerRate, err := GetEnvRateLimit("INDEXER_RATE_LIMIT", DefaultIndexerRateLimit)
	if err != nil {
		return nil, err
	}

	cooldown, err := GetEnvFailureCooldown()
	if err != nil {
		return nil, err
	}

	cbEnabled, err := GetEnvCircuitBreakerEnabled()
	if err != nil {
		return nil, err
	}

	cbThreshold, err := GetEnvCircuitBreakerThreshold()
	if err != nil {
		return nil, err
	}

	cbWindow, err := GetEnvCircuitBreakerWindow()
	if err != nil {
		return nil, err
	}

	cbReset, err := GetEnvCircuitBreakerReset()
	if err != nil {
		return nil, err
	}

	logLevel, err := GetEnvLogLevel()
	if err != nil {
		return nil, err
	}

	logColoring, err := GetEnvLogColoring()
	if err != nil {
		return nil, err
	}

	logFormat, err := GetEnvLogFormat()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		PrivateKey:       os.Getenv("PRIVATE_KEY"),
		WalletName:       GetEnvWalletName(),
		Profiles:         profiles,
		WorkerCount:      workerCount,
		MaxAttempts:      maxAttempts,
		TransferCountMin: countMin,
		TransferCountMax: countMax,
		GraphQLEndpoint:  graphqlEndpoint,
		IndexerTimeout:   indexerTimeout,
		MetricsPort:      metricsPort,
		JournalPath:      GetEnvJournalPath(),
		RPCRateLimit:     rpcRate,
		IndexerRateLimit: indexerRate,
		FailureCooldown:  cooldown,
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        cbEnabled,
			Threshold:      cbThreshold,
			WindowDuration: cbWindow,
			ResetTimeout:   cbReset,
		},
		LoggerConfig: LoggerConfig{
			Level:    logLevel,
			Coloring: logColoring,
			Format:   logFormat,
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ResolveProfiles looks up built-in profiles by name and applies environment overrides
func ResolveProfiles(names []string) ([]Profile, error) {
	profiles := make([]Profile, 0, len(names))
	for _, name := range names {
		p, ok := LookupProfile(name)
		if !ok {
			return nil, fmt.Errorf("unknown profile: %s", name)
		}
		if err := applyProfileOverrides(&p); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if _, err := ParsePrivateKey(cfg.PrivateKey); err != nil {
		return err
	}
	if len(cfg.Profiles) == 0 {
		return fmt.Errorf("at least one profile is required")
	}
	for _, p := range cfg.Profiles {
		if err := ValidateProfile(p); err != nil {
			return err
		}
	}
	return nil
}

// ValidateProfile checks the fields a profile needs before it can submit
func ValidateProfile(p Profile) error {
	prefix := p.EnvPrefix()
	if len(p.RPCURLs) == 0 {
		return fmt.Errorf("%s_RPC_URLS for profile %s is required", prefix, p.Name)
	}
	if p.RPCSelection == SelectionFixed && p.FixedEndpoint >= len(p.RPCURLs) {
		return fmt.Errorf("%s_RPC_INDEX %d is out of range for %d endpoints", prefix, p.FixedEndpoint, len(p.RPCURLs))
	}
	if p.Operand == "" {
		return fmt.Errorf("%s_OPERAND for profile %s is required", prefix, p.Name)
	}
	if p.GasLimit == 0 {
		return fmt.Errorf("gas limit for profile %s must be greater than 0", p.Name)
	}
	if p.Confirmation.MaxRetries <= 0 || p.Correlation.MaxRetries <= 0 {
		return fmt.Errorf("retry ceilings for profile %s must be greater than 0", p.Name)
	}
	if p.Delay.Max < p.Delay.Min {
		return fmt.Errorf("delay bounds for profile %s are inverted", p.Name)
	}
	return nil
}
