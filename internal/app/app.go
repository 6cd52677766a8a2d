// Package app wires configuration, storage, and the relay components into a
// running application.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okikawa/relay/db"
	"github.com/okikawa/relay/internal/config"
	"github.com/okikawa/relay/internal/embed"
	"github.com/okikawa/relay/internal/ingest"
	"github.com/okikawa/relay/internal/ledger"
	"github.com/okikawa/relay/internal/relay"
	"github.com/okikawa/relay/internal/search"
	"github.com/okikawa/relay/internal/session"
)

// App holds the wired components shared by the CLI commands.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Pool        *pgxpool.Pool
	Genkit      *genkit.Genkit
	Embedder    *embed.Embedder
	Ledger      *ledger.Ledger
	Pipeline    *ingest.Pipeline
	Engine      *search.Engine
	Coordinator *session.Coordinator
	Ring        *session.Ring
	Sessions    *session.Store
}

// New builds the application: runs migrations, opens the connection pool,
// initializes genkit with the Google AI plugin, and constructs every
// component on top.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))

	led := ledger.New()

	embedder, err := embed.New(
		googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel),
		cfg.EmbedRatePerSec, led, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	pipeline, err := ingest.NewPipeline(pool, embedder,
		ingest.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap), logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating ingestion pipeline: %w", err)
	}

	engine, err := search.New(pool, embedder, led, logger,
		search.WithLimit(cfg.SearchLimit),
		search.WithWeights(cfg.SemanticWeight, cfg.FTSWeight))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating search engine: %w", err)
	}

	ring, err := session.NewRing(pool, cfg.RingCapacity, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating ring buffer: %w", err)
	}

	sessions, err := session.NewStore(pool, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating session store: %w", err)
	}

	return &App{
		Config:      cfg,
		Logger:      logger,
		Pool:        pool,
		Genkit:      g,
		Embedder:    embedder,
		Ledger:      led,
		Pipeline:    pipeline,
		Engine:      engine,
		Coordinator: session.NewCoordinator(logger),
		Ring:        ring,
		Sessions:    sessions,
	}, nil
}

// NewRelay builds the message orchestrator around a backend runner.
// Runner implementations live outside this module.
func (a *App) NewRelay(runner relay.Runner) (*relay.Relay, error) {
	return relay.New(relay.Config{
		Runner:      runner,
		Coordinator: a.Coordinator,
		Ring:        a.Ring,
		Store:       a.Sessions,
		Engine:      a.Engine,
		Ledger:      a.Ledger,
		Timeout:     time.Duration(a.Config.BackendTimeoutSec) * time.Second,
		Logger:      a.Logger,
	})
}

// Close releases held resources and logs the usage summary.
func (a *App) Close() {
	if a.Ledger != nil {
		a.Ledger.LogSummary(a.Logger)
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// newPool opens the connection pool and verifies connectivity.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}
