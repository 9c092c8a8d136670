// Package clientconfig holds the runtime settings of the coursectl client.
package clientconfig

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coursemarket/internal/enrollment"
	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
)

// Cache drivers accepted by CacheDriver.
const (
	CacheDriverGorm   = "gorm"
	CacheDriverPgx    = "pgx"
	CacheDriverMemory = "memory"
)

const (
	defaultBackendURL        = "http://localhost:8080"
	defaultCacheDSN          = "sqlite://coursemarket-cache.db"
	defaultWalletRPCAddress  = "localhost:7070"
	defaultRequestTimeout    = 10 * time.Second
	defaultPaymentTimeout    = 2 * time.Minute
	defaultReconcileInterval = 30 * time.Second
)

// Config aggregates runtime settings for the client CLI.
type Config struct {
	BackendURL        string
	BearerToken       string
	StudentID         string
	CacheDSN          string
	CacheDriver       string
	WalletRPCAddress  string
	RequestTimeout    time.Duration
	PaymentTimeout    time.Duration
	EnrollRetryBudget uint64
	EnrollRetryBase   time.Duration
	ReconcileInterval time.Duration
	Recipient         string
	LogDevelopment    bool
}

// Validate applies defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.BackendURL = strings.TrimRight(defaultIfEmpty(cfg.BackendURL, defaultBackendURL), "/")
	cfg.WalletRPCAddress = defaultIfEmpty(cfg.WalletRPCAddress, defaultWalletRPCAddress)
	cfg.BearerToken = strings.TrimSpace(cfg.BearerToken)
	cfg.StudentID = strings.TrimSpace(cfg.StudentID)
	cfg.Recipient = strings.TrimSpace(cfg.Recipient)
	cfg.CacheDriver = strings.ToLower(defaultIfEmpty(cfg.CacheDriver, CacheDriverGorm))
	if cfg.CacheDriver != CacheDriverMemory {
		cfg.CacheDSN = defaultIfEmpty(cfg.CacheDSN, defaultCacheDSN)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = defaultPaymentTimeout
	}
	if cfg.EnrollRetryBudget == 0 {
		cfg.EnrollRetryBudget = enrollment.DefaultRetryBudget
	}
	if cfg.EnrollRetryBase <= 0 {
		cfg.EnrollRetryBase = enrollment.DefaultRetryBase
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}

	parsed, err := url.Parse(cfg.BackendURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("%w: backend url %q must be an absolute http(s) url", marketplace.ErrInvalidConfig, cfg.BackendURL)
	}
	switch cfg.CacheDriver {
	case CacheDriverGorm, CacheDriverMemory:
	case CacheDriverPgx:
		if !strings.HasPrefix(cfg.CacheDSN, "postgres://") && !strings.HasPrefix(cfg.CacheDSN, "postgresql://") {
			return fmt.Errorf("%w: pgx cache requires a postgres dsn", marketplace.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported cache driver %q", marketplace.ErrInvalidConfig, cfg.CacheDriver)
	}
	if cfg.BearerToken != "" && cfg.StudentID == "" {
		return fmt.Errorf("%w: student id is required with a bearer token", marketplace.ErrInvalidConfig)
	}
	if cfg.StudentID != "" {
		if _, err := marketplace.NewStudentID(cfg.StudentID); err != nil {
			return fmt.Errorf("%w: %v", marketplace.ErrInvalidConfig, err)
		}
	}
	return nil
}

// Authenticated reports whether the configuration carries student credentials.
func (cfg Config) Authenticated() bool {
	return cfg.BearerToken != "" && cfg.StudentID != ""
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
