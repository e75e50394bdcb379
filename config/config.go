package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"swapsettle/crypto"

	"github.com/BurntSushi/toml"
)

// TokenConfig registers one settleable asset with the ledger at startup.
type TokenConfig struct {
	Address        string `toml:"Address"`
	Name           string `toml:"Name"`
	Symbol         string `toml:"Symbol"`
	Decimals       uint8  `toml:"Decimals"`
	TransferFeeBps uint32 `toml:"TransferFeeBps,omitempty"`
}

// FeesConfig seeds the engine's positive-slippage fee policy.
type FeesConfig struct {
	FeeBps       uint32 `toml:"FeeBps"`
	FeeRecipient string `toml:"FeeRecipient"`
}

// RelayersConfig seeds the relayer gate.
type RelayersConfig struct {
	Restrict bool     `toml:"Restrict"`
	Trusted  []string `toml:"Trusted"`
}

// TargetsConfig seeds the interaction-target allowlist.
type TargetsConfig struct {
	Restrict bool     `toml:"Restrict"`
	Allowed  []string `toml:"Allowed"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level      string `toml:"Level"`
	File       string `toml:"File,omitempty"`
	MaxSizeMB  int    `toml:"MaxSizeMB,omitempty"`
	MaxBackups int    `toml:"MaxBackups,omitempty"`
	MaxAgeDays int    `toml:"MaxAgeDays,omitempty"`
}

// TelemetryConfig controls the OTLP exporters. An empty endpoint disables
// export while keeping instrumentation active.
type TelemetryConfig struct {
	ServiceName  string `toml:"ServiceName"`
	OTLPEndpoint string `toml:"OTLPEndpoint,omitempty"`
	Insecure     bool   `toml:"Insecure,omitempty"`
}

type Config struct {
	RPCAddress        string `toml:"RPCAddress"`
	DataDir           string `toml:"DataDir"`
	ChainID           int64  `toml:"ChainID"`
	EngineAddress     string `toml:"EngineAddress"`
	OwnerKeystorePath string `toml:"OwnerKeystorePath"`
	RPCTokenEnv       string `toml:"RPCTokenEnv"`
	AdminJWTSecretEnv string `toml:"AdminJWTSecretEnv"`
	RateLimitPerMin   int    `toml:"RateLimitPerMin"`

	Fees      FeesConfig      `toml:"fees"`
	Relayers  RelayersConfig  `toml:"relayers"`
	Targets   TargetsConfig   `toml:"targets"`
	Tokens    []TokenConfig   `toml:"tokens"`
	Log       LogConfig       `toml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// Load loads the configuration from the given path, creating a default file
// (and an owner keystore next to it) on first boot.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./settle-data"
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = 1337
	}
	if strings.TrimSpace(cfg.RPCTokenEnv) == "" {
		cfg.RPCTokenEnv = "SETTLE_RPC_TOKEN"
	}
	if strings.TrimSpace(cfg.AdminJWTSecretEnv) == "" {
		cfg.AdminJWTSecretEnv = "SETTLE_ADMIN_JWT_SECRET"
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 600
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
	if strings.TrimSpace(cfg.Telemetry.ServiceName) == "" {
		cfg.Telemetry.ServiceName = "settled"
	}
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OwnerKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := crypto.EnsureKeystore(keystorePath, ""); err != nil {
		return err
	}

	if cfg.OwnerKeystorePath != keystorePath {
		cfg.OwnerKeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	keystorePath := defaultKeystorePath(path)
	if _, err := crypto.EnsureKeystore(keystorePath, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		OwnerKeystorePath: keystorePath,
	}
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultKeystorePath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "owner.keystore")
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
