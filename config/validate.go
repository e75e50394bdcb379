package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

func validAddress(s string) bool {
	return common.IsHexAddress(s)
}

// Validate rejects configurations the daemon cannot safely run with.
func (c *Config) Validate() error {
	if c.ChainID <= 0 {
		return fmt.Errorf("config: ChainID must be positive, got %d", c.ChainID)
	}
	if c.EngineAddress != "" && !validAddress(c.EngineAddress) {
		return fmt.Errorf("config: invalid EngineAddress %q", c.EngineAddress)
	}
	if c.Fees.FeeBps > 10_000 {
		return fmt.Errorf("config: fees.FeeBps %d exceeds 10000", c.Fees.FeeBps)
	}
	if c.Fees.FeeBps > 0 && !validAddress(c.Fees.FeeRecipient) {
		return fmt.Errorf("config: fees.FeeRecipient required when fees.FeeBps is set")
	}
	for _, relayer := range c.Relayers.Trusted {
		if !validAddress(relayer) {
			return fmt.Errorf("config: invalid trusted relayer %q", relayer)
		}
	}
	for _, target := range c.Targets.Allowed {
		if !validAddress(target) {
			return fmt.Errorf("config: invalid allowed target %q", target)
		}
	}
	seen := make(map[string]bool)
	for i, tok := range c.Tokens {
		if !validAddress(tok.Address) {
			return fmt.Errorf("config: tokens[%d] invalid address %q", i, tok.Address)
		}
		normalized := strings.ToLower(tok.Address)
		if seen[normalized] {
			return fmt.Errorf("config: tokens[%d] duplicate address %s", i, tok.Address)
		}
		seen[normalized] = true
		if strings.TrimSpace(tok.Name) == "" {
			return fmt.Errorf("config: tokens[%d] missing name", i)
		}
		if tok.TransferFeeBps > 10_000 {
			return fmt.Errorf("config: tokens[%d] TransferFeeBps %d exceeds 10000", i, tok.TransferFeeBps)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	return nil
}
