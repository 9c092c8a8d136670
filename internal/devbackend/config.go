package devbackend

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
)

const (
	defaultListenAddr          = ":8080"
	defaultWalletRPCListenAddr = ":7070"
	defaultAllowedOrigin       = "http://localhost:3000"
	defaultJWTIssuer           = "coursemarket-dev"
	defaultTokenTTL            = 24 * time.Hour
	defaultWalletChainID       = "0x539"
	defaultWalletSeedAddress   = "0x00000000000000000000000000000000000000a1"
	defaultWalletSeedBalance   = "10"
)

// Config aggregates runtime settings for the development backend.
type Config struct {
	ListenAddr          string
	AllowedOrigins      []string
	JWTSigningKey       string
	JWTIssuer           string
	TokenTTL            time.Duration
	WalletRPCListenAddr string
	WalletChainID       string
	WalletSeedAddress   string
	WalletSeedBalance   string
}

// Validate applies defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.WalletRPCListenAddr = defaultIfEmpty(cfg.WalletRPCListenAddr, defaultWalletRPCListenAddr)
	cfg.JWTIssuer = defaultIfEmpty(cfg.JWTIssuer, defaultJWTIssuer)
	cfg.WalletChainID = defaultIfEmpty(cfg.WalletChainID, defaultWalletChainID)
	cfg.WalletSeedAddress = defaultIfEmpty(cfg.WalletSeedAddress, defaultWalletSeedAddress)
	cfg.WalletSeedBalance = defaultIfEmpty(cfg.WalletSeedBalance, defaultWalletSeedBalance)
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if len(cfg.JWTSigningKey) == 0 {
		return fmt.Errorf("%w: jwt signing key is required", marketplace.ErrInvalidConfig)
	}
	if _, err := marketplace.ParseAmount(cfg.WalletSeedBalance); err != nil {
		return fmt.Errorf("%w: wallet seed balance: %v", marketplace.ErrInvalidConfig, err)
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
