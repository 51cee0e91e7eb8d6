package app

import (
	"context"
	"fmt"

	"github.com/upb/funding-control-plane/auth"
	"github.com/upb/funding-control-plane/config"
	"github.com/upb/funding-control-plane/engines"
	"github.com/upb/funding-control-plane/internal/events"
	"github.com/upb/funding-control-plane/internal/shared"
	"github.com/upb/funding-control-plane/ledger"
	"github.com/upb/funding-control-plane/ledger/offline"
	"github.com/upb/funding-control-plane/middleware"
	"github.com/upb/funding-control-plane/models"
	"github.com/upb/funding-control-plane/repositories"
	"github.com/upb/funding-control-plane/repositories/filelog"
	"github.com/upb/funding-control-plane/repositories/memory"
	"github.com/upb/funding-control-plane/repositories/postgres"
	"github.com/upb/funding-control-plane/repositories/redisstore"
	"github.com/upb/funding-control-plane/services/audit"
	"github.com/upb/funding-control-plane/services/coordinator"
	"github.com/upb/funding-control-plane/services/pipeline"
	"github.com/upb/funding-control-plane/services/settlement"
	"github.com/upb/funding-control-plane/services/txqueue"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger
	Clock  shared.Clock
	IDs    shared.IDGenerator
	Store  repositories.Store
	Repos  *repositories.Repositories
	Bus    *events.Bus

	// Ledgers
	XRPL    *offline.Client
	Stellar *offline.Client

	// Services
	Queue       *txqueue.Service
	Audit       *audit.Service
	Settlements *settlement.Service
	Pipelines   *pipeline.Service
	Coordinator *coordinator.Coordinator

	// Auth; nil when signer tokens are disabled
	Tokens         *auth.TokenService
	AuthMiddleware *middleware.AuthMiddleware
}

// Option overrides a dependency before wiring
type Option func(*Dependencies)

// WithStore uses store instead of the configured backend
func WithStore(store repositories.Store) Option {
	return func(d *Dependencies) { d.Store = store }
}

// WithClock sets the clock every service stamps with
func WithClock(clock shared.Clock) Option {
	return func(d *Dependencies) { d.Clock = clock }
}

// WithIDs sets the identifier generator
func WithIDs(ids shared.IDGenerator) Option {
	return func(d *Dependencies) { d.IDs = ids }
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
		Clock:  shared.SystemClock{},
	}
	for _, opt := range opts {
		opt(deps)
	}
	if deps.IDs == nil {
		deps.IDs = shared.NewTimeRandomIDs(deps.Clock)
	}

	if err := deps.initStore(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	deps.Repos = repositories.New(deps.Store)
	deps.Bus = events.NewBus(logger)

	if err := deps.initLedgers(); err != nil {
		_ = deps.Store.Close()
		return nil, fmt.Errorf("failed to initialize ledgers: %w", err)
	}

	deps.initServices(ctx)
	deps.initAuth()

	logger.Info("all dependencies initialized successfully",
		zap.String("store", cfg.Store.Backend),
		zap.Bool("auth", cfg.Auth.Enabled))
	return deps, nil
}

// initStore opens the configured persistence backend
func (d *Dependencies) initStore(ctx context.Context) error {
	if d.Store != nil {
		return nil
	}
	cfg := d.Config
	switch cfg.Store.Backend {
	case config.StoreFile:
		store, err := filelog.Open(cfg.Store.FilePath, d.Logger, filelog.Options{
			Sync: cfg.Store.FileSync,
			OnLoadError: func(err error) {
				d.Logger.Warn("file store replay problem", zap.Error(err))
			},
		})
		if err != nil {
			return err
		}
		d.Store = store
	case config.StorePostgres:
		store, err := postgres.Open(ctx, cfg.Database, d.Logger)
		if err != nil {
			return err
		}
		d.Logger.Info("database connection established",
			zap.String("connection", cfg.Database.LogString()))
		d.Store = store
	case config.StoreRedis:
		store, err := redisstore.Open(ctx, cfg.Redis, cfg.Store.RedisPrefix, d.Logger)
		if err != nil {
			return err
		}
		d.Store = store
	default:
		d.Store = memory.New()
	}
	return nil
}

// initLedgers builds the offline ledger clients. Without a snapshot file they
// are seeded with the demo accounts.
func (d *Dependencies) initLedgers() error {
	network := models.Network(d.Config.Pipeline.Network)
	d.XRPL = offline.NewXRPL(network, d.Clock)
	d.Stellar = offline.NewStellar(network, d.Clock)

	if path := d.Config.Pipeline.SnapshotFile; path != "" {
		file, err := offline.LoadSnapshotFile(path)
		if err != nil {
			return err
		}
		if file.XRPL != nil {
			d.XRPL.Seed(file.XRPL)
		}
		if file.Stellar != nil {
			d.Stellar.Seed(file.Stellar)
		}
		return nil
	}
	d.XRPL.Seed(offline.DemoXRPLSnapshot())
	d.Stellar.Seed(offline.DemoStellarSnapshot())
	return nil
}

// initServices builds the services, restores their persisted state and
// attaches the coordinator to the bus
func (d *Dependencies) initServices(ctx context.Context) {
	cfg := d.Config

	d.Queue = txqueue.NewService(d.Repos, d.Bus, txqueue.Config{
		RequiredSignatures: cfg.Queue.RequiredSignatures,
		ExpiryHours:        cfg.Queue.ExpiryHours,
		SignerRoles:        cfg.Queue.SignerRoles,
	}, d.Clock, d.IDs, d.Logger)

	d.Audit = audit.NewService(d.Repos, d.Bus, audit.Config{
		Network:       models.Network(cfg.Audit.Network),
		MaxEvents:     cfg.Audit.MaxEvents,
		RetentionDays: cfg.Audit.RetentionDays,
	}, d.Clock, d.IDs, d.Logger)

	d.Settlements = settlement.NewService(d.Repos, d.Bus, settlement.Config{
		DefaultModel:         models.SettlementModel(cfg.Settlement.DefaultModel),
		DefaultDeadlineHours: cfg.Settlement.DefaultDeadlineHours,
		SettlementDays:       cfg.Settlement.SettlementDays,
	}, d.Clock, d.IDs, d.Logger)

	pcfg := pipelineConfig(cfg)
	eng := pipeline.Engines{
		Trustlines:  engines.NewTrustlineEngine(d.XRPL, d.Clock, d.Logger),
		Issuance:    engines.NewIssuanceEngine(d.XRPL, d.Clock, d.Logger),
		Escrow:      engines.NewEscrowEngine(d.XRPL, d.IDs, d.Clock, d.Logger),
		Bonds:       engines.NewBondEngine(d.IDs, d.Clock, d.Logger),
		Clearing:    engines.NewClearingEngine([]ledger.Client{d.XRPL, d.Stellar}, d.IDs, d.Clock, d.Logger),
		Attestation: engines.NewAttestationEngine(d.XRPL, d.Stellar, pcfg.XRPL.Attestation, pcfg.Stellar.Anchor, d.Clock, d.Logger),
	}
	d.Pipelines = pipeline.NewService(d.Repos, d.Queue, d.Bus, d.XRPL, d.Stellar, eng, pcfg, d.Clock, d.IDs, d.Logger)

	d.Queue.Load(ctx)
	d.Audit.Load(ctx)
	d.Settlements.Load(ctx)
	d.Pipelines.Load(ctx)

	d.Coordinator = coordinator.New(d.Audit, d.Settlements, d.Logger)
	d.Coordinator.Attach(d.Bus)
}

func (d *Dependencies) initAuth() {
	if !d.Config.Auth.Enabled {
		d.Logger.Warn("signer token auth disabled; mutating routes are open")
		return
	}
	d.Tokens = auth.NewTokenService(d.Config.Auth.JWTSecret, d.Config.Auth.Issuer, d.Config.Queue.SignerRoles, d.Clock)
	d.AuthMiddleware = middleware.NewAuthMiddleware(d.Tokens, d.Logger)
}

// pipelineConfig maps configuration onto the pipeline's accounts. Accounts
// left unset fall back to the offline demo accounts.
func pipelineConfig(cfg *config.Config) pipeline.Config {
	p := cfg.Pipeline
	out := pipeline.Config{
		XRPL: pipeline.XRPLAccounts{
			Issuer:      orDefault(p.XRPL.Issuer, offline.DemoXRPLIssuer),
			Treasury:    orDefault(p.XRPL.Treasury, offline.DemoXRPLTreasury),
			Escrow:      orDefault(p.XRPL.Escrow, offline.DemoXRPLEscrow),
			Attestation: orDefault(p.XRPL.Attestation, offline.DemoXRPLAttestation),
			AMM:         orDefault(p.XRPL.AMM, offline.DemoXRPLAMM),
			Trading:     orDefault(p.XRPL.Trading, offline.DemoXRPLTrading),
		},
		Stellar: pipeline.StellarAccounts{
			Issuer:       orDefault(p.Stellar.Issuer, offline.DemoStellarIssuer),
			Distribution: orDefault(p.Stellar.Distribution, offline.DemoStellarDistribution),
			Anchor:       orDefault(p.Stellar.Anchor, offline.DemoStellarAnchor),
		},
		Bond: pipeline.BondConfig{
			Name:                  p.Bond.Name,
			FaceValue:             p.Bond.FaceValue,
			Currency:              p.Bond.Currency,
			CouponRate:            p.Bond.CouponRate,
			MaturityYears:         p.Bond.MaturityYears,
			CollateralDescription: p.Bond.CollateralDescription,
			CollateralValue:       p.Bond.CollateralValue,
			CoverageRatio:         p.Bond.CoverageRatio,
		},
		RequiredSignatures: cfg.Queue.RequiredSignatures,
		SignerRoles:        cfg.Queue.SignerRoles,
		LegalDocsHashed:    p.LegalDocsHashed,
	}
	for _, t := range p.Tokens {
		out.Tokens = append(out.Tokens, pipeline.Token{
			Code:           t.Code,
			Ledger:         models.Ledger(t.Ledger),
			Type:           t.Type,
			TrustlineLimit: t.TrustlineLimit,
		})
	}
	return out
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs error
	if d.Store != nil {
		if err := d.Store.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to close store: %w", err))
		} else {
			d.Logger.Info("store closed")
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	return errs
}
