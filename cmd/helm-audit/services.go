package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-audit/pkg/config"
	"github.com/Mindburn-Labs/helm-audit/pkg/documents"
	"github.com/Mindburn-Labs/helm-audit/pkg/extraction"
	"github.com/Mindburn-Labs/helm-audit/pkg/observability"
	"github.com/Mindburn-Labs/helm-audit/pkg/recalc"
	"github.com/Mindburn-Labs/helm-audit/pkg/regulation"
	"github.com/Mindburn-Labs/helm-audit/pkg/report"
	"github.com/Mindburn-Labs/helm-audit/pkg/rules"
	"github.com/Mindburn-Labs/helm-audit/pkg/store"
)

// Services holds the wired components shared by every subcommand.
type Services struct {
	Config    *config.Config
	Profile   *config.Profile
	Logger    *slog.Logger
	Obs       *observability.Provider
	Metrics   *observability.Metrics
	Store     store.Store
	Catalog   *regulation.Catalog
	Engine    *rules.Engine
	Assembler *report.Assembler
	Coord     *recalc.Coordinator

	leaser *recalc.RedisLeaser
}

// openServices loads the configuration and wires the stores, the catalog,
// the rule engine, the assembler and the recalculation coordinator. The
// catalog is seeded from the configured rate table when its journal is
// empty.
func openServices(ctx context.Context, stderr io.Writer) (*Services, error) {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	profile := config.DefaultProfile()
	workers := cfg.Workers
	if cfg.ProfilePath != "" {
		p, err := config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			return nil, err
		}
		profile = p
		workers = p.Workers
	}

	svc := &Services{Config: cfg, Profile: profile, Logger: logger}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.Telemetry
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	svc.Obs = obs
	if svc.Metrics, err = observability.NewMetrics(obs.Meter()); err != nil {
		svc.Close(ctx)
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	switch cfg.DatabaseDriver {
	case "memory":
		svc.Store = store.NewMemoryStore()
	default:
		st, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			svc.Close(ctx)
			return nil, fmt.Errorf("open store: %w", err)
		}
		svc.Store = st
	}

	coordOpts := []recalc.Option{recalc.WithWorkers(workers), recalc.WithMetrics(svc.Metrics)}
	if cfg.RedisURL != "" {
		leaser, err := recalc.NewRedisLeaserFromURL(cfg.RedisURL, "helm-audit:")
		if err != nil {
			svc.Close(ctx)
			return nil, err
		}
		svc.leaser = leaser
		coordOpts = append(coordOpts, recalc.WithLeaser(leaser, time.Minute))
	}
	svc.Coord = recalc.New(nil, coordOpts...)

	svc.Catalog, err = store.RestoreCatalog(ctx, svc.Store, regulation.WithObserver(svc.Coord))
	if err != nil {
		svc.Close(ctx)
		return nil, fmt.Errorf("restore catalog: %w", err)
	}
	if svc.Catalog.Revision() == 0 {
		table, err := loadRateTable(cfg.RateTable)
		if err != nil {
			svc.Close(ctx)
			return nil, err
		}
		if _, err := regulation.Import(ctx, svc.Catalog, table); err != nil {
			svc.Close(ctx)
			return nil, fmt.Errorf("seed catalog: %w", err)
		}
	}

	registry, err := rules.DefaultRegistry()
	if err != nil {
		svc.Close(ctx)
		return nil, err
	}
	for _, path := range profile.RuleFiles {
		if err := registerRuleFile(registry, path); err != nil {
			svc.Close(ctx)
			return nil, err
		}
	}
	svc.Engine = rules.NewEngine(registry,
		rules.WithRateTolerance(profile.RateTolerance),
		rules.WithMetrics(svc.Metrics),
	)

	svc.Assembler = report.NewAssembler(svc.Catalog, svc.Engine, svc.Store, svc.Store,
		report.WithTracker(svc.Coord),
		report.WithObservability(obs),
		report.WithWorkers(workers),
	)
	svc.Coord.SetRegenerator(svc.Assembler)

	heads, err := svc.Store.ReportHeads(ctx)
	if err != nil {
		svc.Close(ctx)
		return nil, fmt.Errorf("load report heads: %w", err)
	}
	if stale := svc.Coord.Restore(ctx, heads, svc.Catalog.Journal()); stale > 0 {
		logger.InfoContext(ctx, "stale report lineages pending", "count", stale)
	}
	return svc, nil
}

// Pipeline builds the extraction pipeline. Profile settings win over the
// environment for the vault and the recognizer.
func (s *Services) Pipeline(ctx context.Context) (*extraction.Pipeline, error) {
	vaultCfg := s.Config.Vault
	if s.Profile.Vault.Backend != "" {
		vaultCfg = s.Profile.Vault
	}
	vault, err := documents.Open(ctx, vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}

	opts := []extraction.Option{
		extraction.WithVault(vault),
		extraction.WithMetrics(s.Metrics),
	}
	switch {
	case s.Profile.Recognition != nil:
		opts = append(opts, extraction.WithRecognizer(extraction.NewHTTPRecognizer(*s.Profile.Recognition, nil)))
	case s.Config.RecognitionURL != "":
		rc := extraction.DefaultHTTPRecognizerConfig(s.Config.RecognitionURL)
		opts = append(opts, extraction.WithRecognizer(extraction.NewHTTPRecognizer(rc, nil)))
	}
	return extraction.NewPipeline(s.Profile.Extraction, opts...), nil
}

// Close releases every opened resource.
func (s *Services) Close(ctx context.Context) {
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			s.Logger.WarnContext(ctx, "close store", "error", err)
		}
	}
	if s.leaser != nil {
		_ = s.leaser.Close()
	}
	if s.Obs != nil {
		_ = s.Obs.Shutdown(ctx)
	}
}

// loadRateTable reads a YAML table when name points at a file and falls
// back to the embedded tables otherwise.
func loadRateTable(name string) (*regulation.RateTable, error) {
	if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") || strings.ContainsRune(name, os.PathSeparator) {
		f, err := os.Open(name)
		if err != nil {
			return nil, fmt.Errorf("open rate table: %w", err)
		}
		defer func() { _ = f.Close() }()
		return regulation.ParseRateTable(f)
	}
	return regulation.EmbeddedTable(name)
}

func registerRuleFile(reg *rules.Registry, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open rule file: %w", err)
	}
	defer func() { _ = f.Close() }()

	loaded, err := rules.LoadCELRules(f)
	if err != nil {
		return fmt.Errorf("rule file %s: %w", path, err)
	}
	var errs error
	for _, r := range loaded {
		errs = errors.Join(errs, reg.Register(r))
	}
	return errs
}
