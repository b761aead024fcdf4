package config

import (
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/speedrun-hq/speedrun-relayer/pkg/logger"
)

const (
	// DefaultWalletName labels log lines when WALLET_NAME is unset
	DefaultWalletName = "Unnamed"

	// DefaultProfiles is the comma separated list of profiles run when PROFILES is unset
	DefaultProfiles = "sepolia-holesky"

	// DefaultWorkerCount bounds how many orchestrators run in parallel
	DefaultWorkerCount = 4

	// DefaultMaxAttempts is the submission attempt ceiling per transfer
	DefaultMaxAttempts = 5

	// MaxAttemptsLimit keeps the ceiling bounded
	MaxAttemptsLimit = 100

	// DefaultTransferCountMin and DefaultTransferCountMax bound the random transfer count of a run
	DefaultTransferCountMin = 100
	DefaultTransferCountMax = 200

	// DefaultGraphQLEndpoint is the relay indexer queried for packet hashes
	DefaultGraphQLEndpoint = "https://graphql.union.build/v1/graphql"

	// DefaultIndexerTimeout is the per-request timeout for indexer queries in seconds
	DefaultIndexerTimeout = 15

	// DefaultMetricsPort defines the default port for the metrics server
	DefaultMetricsPort = "8080"

	// DefaultJournalPath is the leveldb directory holding transfer results
	DefaultJournalPath = "./data/journal"

	// JournalDisabled as JOURNAL_PATH turns the journal off
	JournalDisabled = "none"

	// DefaultRPCRateLimit is the per-endpoint request rate in requests per second
	DefaultRPCRateLimit = 10.0

	// DefaultIndexerRateLimit is the indexer request rate in requests per second
	DefaultIndexerRateLimit = 2.0

	// DefaultFailureCooldown is the pause after a failed transfer in seconds
	DefaultFailureCooldown = 10

	// DefaultCircuitBreakerEnabled defines whether endpoint circuit breakers are enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failures before an endpoint is skipped
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the failure window in seconds
	DefaultCircuitBreakerWindow = 30

	// DefaultCircuitBreakerReset defines how long a tripped endpoint is skipped in seconds
	DefaultCircuitBreakerReset = 60

	// DefaultLogLevel is used when LOG_LEVEL is unset
	DefaultLogLevel = "info"

	// Log output formats
	LogFormatText = "text"
	LogFormatJSON = "json"
)

func getEnvPositiveInt(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", name, raw)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return v, nil
}

func getEnvBool(name string, def bool) (bool, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	switch raw {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid %s value: %s, must be 'true' or 'false'", name, raw)
}

func getEnvDuration(name string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a valid duration string", name, raw)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("%s must not be negative", name)
	}
	return parsed, nil
}

// GetEnvWalletName returns the label attached to log lines
func GetEnvWalletName() string {
	name := strings.TrimSpace(os.Getenv("WALLET_NAME"))
	if name == "" {
		return DefaultWalletName
	}
	return name
}

// GetEnvProfiles returns the profile names to run
func GetEnvProfiles() ([]string, error) {
	raw := os.Getenv("PROFILES")
	if raw == "" {
		raw = DefaultProfiles
	}
	return ParseProfileList(raw)
}

// ParseProfileList splits a comma separated profile list and checks every name is known
func ParseProfileList(raw string) ([]string, error) {
	var names []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" || seen[name] {
			continue
		}
		if _, ok := LookupProfile(name); !ok {
			return nil, fmt.Errorf("unknown profile: %s, must be one of %s", name, strings.Join(ProfileNames(), ", "))
		}
		seen[name] = true
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("at least one profile is required")
	}
	return names, nil
}

// GetEnvWorkerCount returns the number of orchestrators allowed to run in parallel
func GetEnvWorkerCount() (int, error) {
	return getEnvPositiveInt("WORKER_COUNT", DefaultWorkerCount)
}

// GetEnvMaxAttempts returns the submission attempt ceiling
func GetEnvMaxAttempts() (int, error) {
	attempts, err := getEnvPositiveInt("MAX_ATTEMPTS", DefaultMaxAttempts)
	if err != nil {
		return 0, err
	}
	if attempts > MaxAttemptsLimit {
		return 0, fmt.Errorf("MAX_ATTEMPTS must not exceed %d, got %d", MaxAttemptsLimit, attempts)
	}
	return attempts, nil
}

// GetEnvTransferCount returns the bounds of the random transfer count
func GetEnvTransferCount() (int, int, error) {
	minCount, err := getEnvPositiveInt("TRANSFER_COUNT_MIN", DefaultTransferCountMin)
	if err != nil {
		return 0, 0, err
	}
	maxCount, err := getEnvPositiveInt("TRANSFER_COUNT_MAX", DefaultTransferCountMax)
	if err != nil {
		return 0, 0, err
	}
	if maxCount < minCount {
		return 0, 0, fmt.Errorf("TRANSFER_COUNT_MAX (%d) must not be below TRANSFER_COUNT_MIN (%d)", maxCount, minCount)
	}
	return minCount, maxCount, nil
}

// GetEnvGraphQLEndpoint returns the relay indexer endpoint
func GetEnvGraphQLEndpoint() (string, error) {
	endpoint := os.Getenv("GRAPHQL_ENDPOINT")
	if endpoint == "" {
		return DefaultGraphQLEndpoint, nil
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return "", fmt.Errorf("invalid GRAPHQL_ENDPOINT value: %s, must be a valid URL", endpoint)
	}
	return endpoint, nil
}

// GetEnvIndexerTimeout returns the per-request indexer timeout
func GetEnvIndexerTimeout() (time.Duration, error) {
	return getEnvDuration("INDEXER_TIMEOUT", DefaultIndexerTimeout*time.Second)
}

// GetEnvMetricsPort returns the metrics server port from environment variables
func GetEnvMetricsPort() (string, error) {
	metricsPort := os.Getenv("METRICS_PORT")
	if metricsPort == "" {
		return DefaultMetricsPort, nil
	}
	if _, err := strconv.Atoi(metricsPort); err != nil {
		return "", fmt.Errorf("invalid METRICS_PORT value: %s, must be a valid integer", metricsPort)
	}
	return metricsPort, nil
}

// GetEnvJournalPath returns the journal directory; JournalDisabled turns it off
func GetEnvJournalPath() string {
	path := os.Getenv("JOURNAL_PATH")
	if path == "" {
		return DefaultJournalPath
	}
	return path
}

// GetEnvRateLimit returns a requests-per-second limit; zero disables limiting
func GetEnvRateLimit(name string, def float64) (float64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a number", name, raw)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s must be greater than or equal to 0", name)
	}
	return v, nil
}

// GetEnvFailureCooldown returns the pause after a failed transfer
func GetEnvFailureCooldown() (time.Duration, error) {
	return getEnvDuration("FAILURE_COOLDOWN", DefaultFailureCooldown*time.Second)
}

// GetEnvCircuitBreakerEnabled returns whether endpoint circuit breakers are enabled
func GetEnvCircuitBreakerEnabled() (bool, error) {
	return getEnvBool("CIRCUIT_BREAKER_ENABLED", DefaultCircuitBreakerEnabled)
}

// GetEnvCircuitBreakerThreshold returns the failure count that trips a breaker
func GetEnvCircuitBreakerThreshold() (int, error) {
	return getEnvPositiveInt("CIRCUIT_BREAKER_THRESHOLD", DefaultCircuitBreakerThreshold)
}

// GetEnvCircuitBreakerWindow returns the failure window
func GetEnvCircuitBreakerWindow() (time.Duration, error) {
	return getEnvDuration("CIRCUIT_BREAKER_WINDOW", DefaultCircuitBreakerWindow*time.Second)
}

// GetEnvCircuitBreakerReset returns how long a tripped breaker stays open
func GetEnvCircuitBreakerReset() (time.Duration, error) {
	return getEnvDuration("CIRCUIT_BREAKER_RESET", DefaultCircuitBreakerReset*time.Second)
}

// GetEnvLogLevel returns the minimum log level
func GetEnvLogLevel() (logger.Level, error) {
	raw := os.Getenv("LOG_LEVEL")
	if raw == "" {
		raw = DefaultLogLevel
	}
	level, err := logger.ParseLevel(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL value: %s, must be debug, info, notice or error", raw)
	}
	return level, nil
}

// GetEnvLogColoring returns whether chain prefixes are colored
func GetEnvLogColoring() (bool, error) {
	return getEnvBool("LOG_COLORING", true)
}

// GetEnvLogFormat returns text or json
func GetEnvLogFormat() (string, error) {
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	if format == "" {
		return LogFormatText, nil
	}
	if format != LogFormatText && format != LogFormatJSON {
		return "", fmt.Errorf("invalid LOG_FORMAT value: %s, must be 'text' or 'json'", format)
	}
	return format, nil
}

// applyProfileOverrides reads <PROFILE>_* variables on top of a built-in profile
func applyProfileOverrides(p *Profile) error {
	prefix := p.EnvPrefix()

	if raw := os.Getenv(prefix + "_RPC_URLS"); raw != "" {
		var urls []string
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, err := url.ParseRequestURI(part); err != nil {
				return fmt.Errorf("invalid %s_RPC_URLS entry: %s, must be a valid URL", prefix, part)
			}
			urls = append(urls, part)
		}
		if len(urls) > 0 {
			p.RPCURLs = urls
		}
	}

	if raw := os.Getenv(prefix + "_RPC_SELECTION"); raw != "" {
		if raw != SelectionRoundRobin && raw != SelectionFixed {
			return fmt.Errorf("invalid %s_RPC_SELECTION value: %s, must be '%s' or '%s'", prefix, raw, SelectionRoundRobin, SelectionFixed)
		}
		p.RPCSelection = raw
	}

	if raw := os.Getenv(prefix + "_RPC_INDEX"); raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil || idx < 0 {
			return fmt.Errorf("invalid %s_RPC_INDEX value: %s, must be a non-negative integer", prefix, raw)
		}
		p.FixedEndpoint = idx
	}

	if raw := os.Getenv(prefix + "_OPERAND"); raw != "" {
		p.Operand = raw
	}

	if raw := os.Getenv(prefix + "_VALUE"); raw != "" {
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok || v.Sign() < 0 {
			return fmt.Errorf("invalid %s_VALUE value: %s, must be a non-negative integer string", prefix, raw)
		}
		p.Value = v
	}

	if raw := os.Getenv(prefix + "_GAS_LIMIT"); raw != "" {
		v, err := strconv.ParseUint(raw, 0, 64)
		if err != nil || v == 0 {
			return fmt.Errorf("invalid %s_GAS_LIMIT value: %s, must be a positive integer", prefix, raw)
		}
		p.GasLimit = v
	}

	if raw := os.Getenv(prefix + "_FEE_MARKUP"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 1 {
			return fmt.Errorf("invalid %s_FEE_MARKUP value: %s, must be a number >= 1", prefix, raw)
		}
		p.Fees.Markup = v
	}

	if raw := os.Getenv(prefix + "_MAX_FEE_CAP"); raw != "" {
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok || v.Sign() < 0 {
			return fmt.Errorf("invalid %s_MAX_FEE_CAP value: %s, must be a non-negative integer string", prefix, raw)
		}
		p.Fees.MaxFeeCap = v
	}

	return nil
}
