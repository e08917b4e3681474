package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gorm.io/gorm"

	"escrowdao/core/events"
	"escrowdao/core/state"
	nativecommon "escrowdao/native/common"
	"escrowdao/native/dao"
	"escrowdao/native/escrow"
	"escrowdao/observability"
	"escrowdao/oracle"
	"escrowdao/services/escrowd/config"
	escrowmw "escrowdao/services/escrowd/middleware"
	"escrowdao/services/escrowd/models"
	"escrowdao/services/escrowd/server"
	"escrowdao/storage"
)

// disputeEngineAddress is the ledger identity of the in-process dispute
// engine.
var disputeEngineAddress = common.BytesToAddress(crypto.Keccak256([]byte("escrowdao/dispute-engine"))[12:])

type app struct {
	store  storage.Database
	db     *gorm.DB
	server *server.Server
	closer func() error
}

func (a *app) Close() error {
	var errs []error
	if a.closer != nil {
		errs = append(errs, a.closer())
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	out := &app{}
	ok := false
	defer func() {
		if !ok {
			_ = out.Close()
		}
	}()

	store, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	out.store = store
	manager := state.NewManager(store)
	if err := manager.EnsureStateVersion(ctx, cfg.Storage.AllowMigrate); err != nil {
		return nil, err
	}

	db, err := models.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	out.db = db
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	hub := events.NewHub(cfg.StreamHistory)
	manager.SetEmitter(events.MultiEmitter{hub, server.NewOutbox(db, logger), observability.EventCounter{}})

	owner := common.HexToAddress(cfg.Owner)
	pauses := nativecommon.NewPauseSet(cfg.Paused...)
	ledger := escrow.NewEngine(manager, owner, common.HexToAddress(cfg.FeeRecipient))
	if err := ledger.SetFeeBps(cfg.FeeBps); err != nil {
		return nil, err
	}
	ledger.SetPauses(pauses)

	source, closer, err := buildOracle(cfg.Oracle)
	if err != nil {
		return nil, err
	}
	out.closer = closer

	capability, err := ledger.RegisterDisputeEngine(ctx, owner, disputeEngineAddress)
	if err != nil {
		return nil, fmt.Errorf("register dispute engine: %w", err)
	}
	engine := dao.NewEngine(manager, ledger, oracle.NewInstrumented(source), owner)
	engine.SetCapability(capability)
	policy, err := buildPolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	if err := engine.SetPolicy(policy); err != nil {
		return nil, err
	}

	if locked, err := ledger.TotalLocked(ctx); err == nil {
		observability.Ledger().SetLocked(locked)
	}

	out.server = server.New(server.Config{
		Ledger: ledger,
		DAO:    engine,
		Hub:    hub,
		DB:     db,
		Pauses: pauses,
		Auth: escrowmw.NewAuthenticator(escrowmw.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew,
		}, logger),
		RateLimiter: escrowmw.NewRateLimiter(escrowmw.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		}),
		Logger:      logger,
		LogRequests: true,
	})
	logger.Info("escrow ledger ready",
		slog.String("owner", owner.Hex()),
		slog.String("dispute_engine", disputeEngineAddress.Hex()),
		slog.String("storage", cfg.Storage.Backend),
		slog.String("oracle", cfg.Oracle.Kind),
	)
	ok = true
	return out, nil
}

func buildOracle(cfg config.OracleConfig) (oracle.Source, func() error, error) {
	switch strings.ToLower(cfg.Kind) {
	case "erc20":
		client, err := oracle.DialEVMClient(cfg.Endpoint)
		if err != nil {
			return nil, nil, err
		}
		source, err := oracle.NewERC20(client, common.HexToAddress(cfg.Token), cfg.Timeout)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return source, func() error { client.Close(); return nil }, nil
	default:
		balances, err := oracle.ParseBalances(cfg.Balances)
		if err != nil {
			return nil, nil, err
		}
		static := oracle.NewStatic(balances)
		if strings.TrimSpace(cfg.TotalSupply) != "" {
			supply, ok := new(big.Int).SetString(strings.TrimSpace(cfg.TotalSupply), 10)
			if !ok {
				return nil, nil, fmt.Errorf("invalid oracle.total_supply %q", cfg.TotalSupply)
			}
			static.SetTotalSupply(supply)
		}
		return static, nil, nil
	}
}

func buildPolicy(cfg config.PolicyConfig) (dao.Policy, error) {
	policy := dao.DefaultPolicy()
	if cfg.VotingPeriod > 0 {
		policy.VotingPeriod = cfg.VotingPeriod
	}
	if cfg.QuorumPercentage > 0 {
		policy.QuorumPercentage = cfg.QuorumPercentage
	}
	if raw := strings.TrimSpace(cfg.MinTokenBalance); raw != "" {
		minimum, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return policy, fmt.Errorf("invalid policy.min_token_balance %q", cfg.MinTokenBalance)
		}
		policy.MinTokenBalance = minimum
	}
	return policy, policy.Validate()
}
