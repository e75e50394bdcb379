package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"swapsettle/config"
	"swapsettle/core/events"
	"swapsettle/crypto"
	"swapsettle/native/runtime"
	"swapsettle/native/settlement"
	"swapsettle/native/token"
	"swapsettle/observability/logging"
	"swapsettle/observability/metrics"
	"swapsettle/observability/otel"
	"swapsettle/rpc"
	"swapsettle/state"
	"swapsettle/storage"
)

const eventFeedLimit = 1024

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup(logging.Options{
		Service:    cfg.Telemetry.ServiceName,
		Env:        strings.TrimSpace(os.Getenv("SETTLE_ENV")),
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := otel.Init(ctx, otel.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: strings.TrimSpace(os.Getenv("SETTLE_ENV")),
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Error("Failed to initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	ownerKey, err := crypto.LoadFromKeystore(cfg.OwnerKeystorePath, os.Getenv("SETTLE_KEYSTORE_PASS"))
	if err != nil {
		panic(fmt.Sprintf("Failed to load owner key: %v", err))
	}
	owner := ownerKey.PubKey().Address()

	st := state.NewManager()
	if err := st.Load(db); err != nil {
		panic(fmt.Sprintf("Failed to load state: %v", err))
	}

	chainID := big.NewInt(cfg.ChainID)
	ledger := token.NewLedger(st, chainID)
	for _, tok := range cfg.Tokens {
		addr := common.HexToAddress(tok.Address)
		err := ledger.Register(addr, token.Metadata{
			Name:           tok.Name,
			Symbol:         tok.Symbol,
			Decimals:       tok.Decimals,
			TransferFeeBps: tok.TransferFeeBps,
		})
		if err != nil {
			logger.Error("Failed to register token", "address", tok.Address, slog.Any("error", err))
			os.Exit(1)
		}
	}

	engine := settlement.NewEngine(settlement.Config{
		Address: engineAddress(cfg),
		Owner:   owner,
		ChainID: chainID,
	}, st, ledger, ledger, runtime.NewRegistry(ledger), st)

	store := settlement.NewPolicyStore(db)
	_, restored, err := store.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to read policy: %v", err))
	}
	if err := engine.SetPolicyStore(store); err != nil {
		panic(fmt.Sprintf("Failed to restore policy: %v", err))
	}
	if !restored {
		if err := seedPolicy(engine, owner, cfg); err != nil {
			panic(fmt.Sprintf("Failed to seed policy: %v", err))
		}
	}

	feed := events.NewMemoryEmitter(eventFeedLimit)
	engine.SetEmitter(metrics.NewEmitter(feed))

	server := rpc.NewServer(engine, ledger, st, db, feed, rpc.Options{
		AuthToken:       os.Getenv(cfg.RPCTokenEnv),
		AdminJWTSecret:  []byte(os.Getenv(cfg.AdminJWTSecretEnv)),
		RateLimitPerMin: cfg.RateLimitPerMin,
		Logger:          logger,
	})

	logger.Info("Settlement daemon ready",
		"engine", engine.Address().Hex(),
		"owner", owner.Hex(),
		"chainId", cfg.ChainID,
		"domainSeparator", engine.DomainSeparator().Hex(),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.RPCAddress)
	}()

	select {
	case err := <-errCh:
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	case <-ctx.Done():
		logger.Info("Shutting down")
		if err := st.Commit(db); err != nil {
			logger.Error("Final state commit failed", slog.Any("error", err))
		}
	}
}

// engineAddress returns the configured verifying address, or a stable
// module-derived address when none is configured.
func engineAddress(cfg *config.Config) common.Address {
	if strings.TrimSpace(cfg.EngineAddress) != "" {
		return common.HexToAddress(cfg.EngineAddress)
	}
	return common.BytesToAddress(ethcrypto.Keccak256([]byte("swapsettle/engine/v1"))[12:])
}

// seedPolicy applies the config-file policy on first boot; thereafter the
// persisted policy (as mutated through the admin RPC) is authoritative.
func seedPolicy(engine *settlement.Engine, owner common.Address, cfg *config.Config) error {
	if cfg.Relayers.Restrict {
		if err := engine.SetRelayerRestriction(owner, true); err != nil {
			return err
		}
	}
	for _, relayer := range cfg.Relayers.Trusted {
		if err := engine.SetRelayerTrust(owner, common.HexToAddress(relayer), true); err != nil {
			return err
		}
	}
	if cfg.Targets.Restrict {
		if err := engine.SetTargetRestriction(owner, true); err != nil {
			return err
		}
	}
	for _, target := range cfg.Targets.Allowed {
		if err := engine.SetTargetAllowed(owner, common.HexToAddress(target), true); err != nil {
			return err
		}
	}
	if cfg.Fees.FeeBps > 0 {
		if err := engine.SetFeePolicy(owner, common.HexToAddress(cfg.Fees.FeeRecipient), cfg.Fees.FeeBps); err != nil {
			return err
		}
	}
	return nil
}
