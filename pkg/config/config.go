// Package config loads Constitutional Governance Core configuration
// from the environment: string env vars with safe defaults, one bool
// flag per operational mode switch.
package config

import (
	"os"
	"strconv"
	"time"
)

// ConstitutionalHash is the fixed reference constant every gated entity
// must carry. It is never configurable.
const ConstitutionalHash = "cdd01ef066bc6cf2"

// Config holds process-wide governance core configuration.
type Config struct {
	// Profile names the deployment profile ("development", "staging",
	// "production"). Only "production" disables the insecure KMS fallback.
	Profile string

	LogLevel string

	// RouterInitialThreshold is the router's starting impact threshold.
	RouterInitialThreshold float64

	// DeliberationDefaultTimeout bounds a DeliberationItem's voting window
	// when the caller does not specify one.
	DeliberationDefaultTimeout time.Duration

	// SagaStatePath is the directory FileStateStore persists saga state to.
	SagaStatePath string

	// SagaStateDSN, if set, selects the SQL-backed state store instead
	// of the file-backed one.
	SagaStateDSN string

	// PSVMaxIterations bounds the propose-solve-verify loop.
	PSVMaxIterations int

	// VerifierTimeout bounds external verifier subprocess wall-clock
	// time (default 30s).
	VerifierTimeout time.Duration

	// VerifierMaxConcurrent bounds the Dafny subprocess worker pool.
	VerifierMaxConcurrent int

	// AllowInsecureLocalFallback permits pkg/kms to fall back to its XOR
	// scheme. Never set true by a "production"-named profile.
	AllowInsecureLocalFallback bool

	// PublicKeyCacheTTL bounds how long policy-signing public keys are
	// cached before re-fetch.
	PublicKeyCacheTTL time.Duration
}

// Load reads configuration from the environment, applying the defaults a
// fresh development checkout needs to boot without any env vars set.
func Load() *Config {
	cfg := &Config{
		Profile:                    getEnv("GOVERND_PROFILE", "development"),
		LogLevel:                   getEnv("GOVERND_LOG_LEVEL", "INFO"),
		RouterInitialThreshold:     getEnvFloat("GOVERND_ROUTER_THRESHOLD", 0.8),
		DeliberationDefaultTimeout: getEnvDuration("GOVERND_DELIBERATION_TIMEOUT", 5*time.Minute),
		SagaStatePath:              getEnv("GOVERND_SAGA_STATE_PATH", "./governd-data/sagas"),
		SagaStateDSN:               getEnv("GOVERND_SAGA_STATE_DSN", ""),
		PSVMaxIterations:           getEnvInt("GOVERND_PSV_MAX_ITERATIONS", 5),
		VerifierTimeout:            getEnvDuration("GOVERND_VERIFIER_TIMEOUT", 30*time.Second),
		VerifierMaxConcurrent:      getEnvInt("GOVERND_VERIFIER_MAX_CONCURRENT", 4),
		AllowInsecureLocalFallback: getEnvBool("GOVERND_ALLOW_INSECURE_KMS_FALLBACK", false),
		PublicKeyCacheTTL:          getEnvDuration("GOVERND_PUBKEY_CACHE_TTL", 5*time.Minute),
	}

	// Safety net: a profile literally named "production" can never enable
	// the insecure fallback, regardless of the env var.
	if cfg.Profile == "production" {
		cfg.AllowInsecureLocalFallback = false
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
