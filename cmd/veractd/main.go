// veractd runs the action lifecycle service: an HTTP API over the proposal,
// policy, approval, execution, and attestation pipeline, plus offline
// subcommands for chain verification and evidence export.
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	_ "modernc.org/sqlite"

	"github.com/stewardlabs/veract/pkg/actionstore"
	"github.com/stewardlabs/veract/pkg/api"
	"github.com/stewardlabs/veract/pkg/attestation"
	"github.com/stewardlabs/veract/pkg/blob"
	"github.com/stewardlabs/veract/pkg/budget"
	"github.com/stewardlabs/veract/pkg/capability"
	"github.com/stewardlabs/veract/pkg/config"
	"github.com/stewardlabs/veract/pkg/contracts"
	"github.com/stewardlabs/veract/pkg/dispatch"
	"github.com/stewardlabs/veract/pkg/engine"
	"github.com/stewardlabs/veract/pkg/evidence"
	"github.com/stewardlabs/veract/pkg/ledger"
	"github.com/stewardlabs/veract/pkg/lock"
	"github.com/stewardlabs/veract/pkg/observability"
	"github.com/stewardlabs/veract/pkg/policy"
	"github.com/stewardlabs/veract/pkg/schema"
	"github.com/stewardlabs/veract/pkg/tools/ingest"
	"github.com/stewardlabs/veract/pkg/tools/reportgen"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

const usageText = `veractd - action lifecycle and attestation service

Usage:
  veractd [server]                              run the HTTP server (default)
  veractd verify-chain <events.json>            verify an exported audit chain file
  veractd export-evidence [-out file] <entity> <period>
  veractd help                                  show this message
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := "server"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "server":
		return runServer(stderr)
	case "verify-chain":
		return runVerifyChain(args, stdout, stderr)
	case "export-evidence":
		return runExportEvidence(args, stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usageText)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usageText)
		return 2
	}
}

func runServer(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "veract",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	}, logger)
	if err != nil {
		logger.Error("telemetry init failed", zap.Error(err))
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	metrics := observability.NewLifecycleMetrics()
	eng, cleanup, err := buildEngine(ctx, cfg, metrics, logger)
	if err != nil {
		logger.Error("engine init failed", zap.Error(err))
		return 1
	}
	defer cleanup()

	go sweepLoop(ctx, eng, metrics, cfg.Lifecycle.SweepInterval, logger)

	authn := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if !authn.Enabled() {
		logger.Warn("token verification disabled; requests run as the development identity")
	}

	srv := api.NewServer(eng, api.ServerOptions{
		Auth:           authn,
		RateLimitRPS:   int(cfg.Server.RateLimitRPS),
		RateLimitBurst: cfg.Server.RateLimitBurst,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("http listening",
			zap.String("addr", httpServer.Addr),
			zap.String("version", version),
			zap.String("environment", cfg.Environment))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
		return 1
	}
	return 0
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if !cfg.IsProduction() {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.LogLevel, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// buildEngine assembles stores, tools, policy, and attestation into a
// running engine. The returned cleanup closes whatever was opened.
func buildEngine(ctx context.Context, cfg *config.Config, metrics *observability.LifecycleMetrics, logger *zap.Logger) (*engine.Engine, func(), error) {
	blobs, err := blob.NewStoreFromEnv(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("blob store: %w", err)
	}

	store, chains, budgets, cleanup, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	fail := func(err error) (*engine.Engine, func(), error) {
		cleanup()
		return nil, nil, err
	}

	registry, err := buildRegistry(cfg, blobs)
	if err != nil {
		return fail(err)
	}

	pol, err := policy.NewEngine(logger)
	if err != nil {
		return fail(fmt.Errorf("policy engine: %w", err))
	}

	profiles, err := capability.LoadAllProfiles(cfg.Lifecycle.ProfileDir)
	if err != nil {
		return fail(fmt.Errorf("load profiles: %w", err))
	}
	all := profiles.All()
	logger.Info("capability profiles loaded",
		zap.Int("count", len(all)),
		zap.String("dir", cfg.Lifecycle.ProfileDir))
	seedBudgets(ctx, budgets, all, logger)

	var keyring *attestation.Keyring
	if cfg.Lifecycle.MasterSeed != "" {
		seed, err := hex.DecodeString(cfg.Lifecycle.MasterSeed)
		if err != nil || len(seed) != ed25519.SeedSize {
			return fail(fmt.Errorf("master seed must be %d hex-encoded bytes", ed25519.SeedSize))
		}
		provider, err := attestation.NewMemoryKeyProviderFromSeed(seed)
		if err != nil {
			return fail(fmt.Errorf("attestation keys: %w", err))
		}
		keyring = attestation.NewKeyring(provider)
	} else {
		logger.Warn("no master seed configured; attestations will be unsigned")
	}
	attestor := attestation.NewGenerator(blobs, chains, keyring, logger)

	var locker lock.Locker
	if cfg.Redis.Addr != "" {
		// The lock must outlive the longest dispatch.
		locker = lock.NewRedisLocker(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			cfg.Lifecycle.DispatchTimeout+30*time.Second)
		logger.Info("using redis execution locks", zap.String("addr", cfg.Redis.Addr))
	}

	eng, err := engine.New(engine.Config{
		Store:           store,
		Ledger:          chains,
		Schemas:         schema.NewRegistry(),
		Registry:        registry,
		Policy:          pol,
		Profiles:        profiles,
		Budgets:         budgets,
		Locker:          locker,
		Attestor:        attestor,
		ApprovalTTL:     cfg.Lifecycle.ApprovalTTL,
		DispatchTimeout: cfg.Lifecycle.DispatchTimeout,
		Metrics:         metrics,
		Logger:          logger,
	})
	if err != nil {
		return fail(err)
	}
	return eng, cleanup, nil
}

// openStores selects the persistence backend: Postgres when DATABASE_URL is
// set, SQLite when a path is configured, in-memory otherwise.
func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (actionstore.Store, ledger.Store, budget.Store, func(), error) {
	switch {
	case cfg.Database.URL != "":
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		store := actionstore.NewSQLStore(db)
		chains := ledger.NewSQLStore(db)
		budgets := budget.NewPostgresStore(db)
		for _, init := range []func(context.Context) error{store.Init, chains.Init, budgets.Init} {
			if err := init(ctx); err != nil {
				db.Close()
				return nil, nil, nil, nil, fmt.Errorf("init schema: %w", err)
			}
		}
		logger.Info("using postgres stores")
		return store, chains, budgets, func() { _ = db.Close() }, nil

	case cfg.Database.SQLitePath != "":
		db, err := sql.Open("sqlite", cfg.Database.SQLitePath)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite serializes writers; a single connection avoids lock errors.
		db.SetMaxOpenConns(1)
		store := actionstore.NewSQLStore(db)
		chains := ledger.NewSQLStore(db)
		for _, init := range []func(context.Context) error{store.Init, chains.Init} {
			if err := init(ctx); err != nil {
				db.Close()
				return nil, nil, nil, nil, fmt.Errorf("init schema: %w", err)
			}
		}
		logger.Info("using sqlite stores", zap.String("path", cfg.Database.SQLitePath))
		// Budget spend stays in process; cross-process accounting needs Postgres.
		return store, chains, budget.NewMemoryStore(), func() { _ = db.Close() }, nil

	default:
		logger.Warn("using in-memory stores; state does not survive restart")
		return actionstore.NewMemoryStore(), ledger.NewMemoryStore(), budget.NewMemoryStore(), func() {}, nil
	}
}

// buildRegistry registers the bundled tool adapters.
func buildRegistry(cfg *config.Config, blobs blob.Store) (*dispatch.Registry, error) {
	registry := dispatch.NewRegistry()

	var source reportgen.Source
	if cfg.Tools.UsageFile != "" {
		src, err := loadUsageFile(cfg.Tools.UsageFile)
		if err != nil {
			return nil, fmt.Errorf("usage file: %w", err)
		}
		source = src
	}
	if err := registry.Register(reportgen.New(blobs, source).Definition()); err != nil {
		return nil, err
	}

	var embedder ingest.Embedder = &ingest.MemoryEmbedder{Dim: cfg.Tools.EmbeddingDim}
	if cfg.Tools.OpenAIAPIKey != "" {
		embedder = ingest.NewOpenAIEmbedder(cfg.Tools.OpenAIAPIKey)
	}
	if err := registry.Register(ingest.New(blobs, ingest.NewHTTPFetcher(), embedder, ingest.NewMemoryVectorStore()).Definition()); err != nil {
		return nil, err
	}

	return registry, nil
}

// loadUsageFile reads report rows keyed entity/period/kind.
func loadUsageFile(path string) (reportgen.StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var source reportgen.StaticSource
	if err := json.Unmarshal(data, &source); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return source, nil
}

// seedBudgets applies the per-category limits declared in the profiles.
func seedBudgets(ctx context.Context, budgets budget.Store, profiles []*capability.Profile, logger *zap.Logger) {
	for _, p := range profiles {
		for category, limit := range p.BudgetLimits {
			if err := budgets.SetLimit(ctx, p.Entity, category, limit); err != nil {
				logger.Warn("budget seed failed",
					zap.String("entity", p.Entity),
					zap.String("category", category),
					zap.Error(err))
			}
		}
	}
}

// sweepLoop expires overdue approvals on a fixed interval.
func sweepLoop(ctx context.Context, eng *engine.Engine, metrics *observability.LifecycleMetrics, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := eng.SweepExpired(ctx)
			if err != nil {
				logger.Warn("expiry sweep failed", zap.Error(err))
				continue
			}
			metrics.ObserveSweep(expired)
		}
	}
}

// runVerifyChain recomputes every hash in an exported event file. The file
// holds a JSON array of audit events, one or more targets mixed.
func runVerifyChain(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify-chain", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: veractd verify-chain <events.json>")
		return 2
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "read events: %v\n", err)
		return 1
	}
	var events []contracts.AuditEvent
	if err := json.Unmarshal(data, &events); err != nil {
		fmt.Fprintf(stderr, "parse events: %v\n", err)
		return 1
	}
	if len(events) == 0 {
		fmt.Fprintln(stdout, "no events in file")
		return 0
	}

	byTarget := make(map[string][]contracts.AuditEvent)
	for _, e := range events {
		byTarget[e.Target] = append(byTarget[e.Target], e)
	}
	targets := make([]string, 0, len(byTarget))
	for t := range byTarget {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	exit := 0
	for _, target := range targets {
		chain := byTarget[target]
		sort.Slice(chain, func(i, j int) bool { return chain[i].Sequence < chain[j].Sequence })
		res := ledger.VerifyChain(target, chain)
		if res.Valid {
			fmt.Fprintf(stdout, "ok    %s  entries=%d  head=%s\n", target, res.Entries, res.Head)
		} else {
			fmt.Fprintf(stdout, "FAIL  %s  %s\n", target, res.Detail)
			exit = 1
		}
	}
	return exit
}

// runExportEvidence collects an entity's evidence appendix for one period
// from the configured stores and writes it as JSON.
func runExportEvidence(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export-evidence", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "", "write the bundle to a file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(stderr, "usage: veractd export-evidence [-out file] <entity> <period>")
		return 2
	}
	entity, period := fs.Arg(0), fs.Arg(1)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if cfg.Database.URL == "" && cfg.Database.SQLitePath == "" {
		fmt.Fprintln(stderr, "warning: no database configured; exporting from empty in-memory stores")
	}

	ctx := context.Background()
	store, chains, _, cleanup, err := openStores(ctx, cfg, zap.NewNop())
	if err != nil {
		fmt.Fprintf(stderr, "open stores: %v\n", err)
		return 1
	}
	defer cleanup()

	appendix, err := evidence.NewCollector(store, chains, zap.NewNop()).Collect(ctx, entity, period)
	if err != nil {
		fmt.Fprintf(stderr, "collect evidence: %v\n", err)
		return 1
	}

	encoded, err := json.MarshalIndent(appendix, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "encode bundle: %v\n", err)
		return 1
	}
	encoded = append(encoded, '\n')

	if *out == "" {
		_, err = stdout.Write(encoded)
	} else {
		err = os.WriteFile(*out, encoded, 0o644)
	}
	if err != nil {
		fmt.Fprintf(stderr, "write bundle: %v\n", err)
		return 1
	}
	if *out != "" {
		fmt.Fprintf(stdout, "wrote %s (%d actions)\n", *out, len(appendix.Items))
	}
	return 0
}
