package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mixaill76/solver_relay/internal/security"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS solve_history (
	id           UUID PRIMARY KEY,
	caller       TEXT NOT NULL,
	model        TEXT NOT NULL,
	prompt       TEXT NOT NULL,
	answer       TEXT NOT NULL,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	images       JSONB NOT NULL DEFAULT '[]',
	created_at   TIMESTAMPTZ NOT NULL
)`

const insertSQL = `
INSERT INTO solve_history (id, caller, model, prompt, answer, total_tokens, images, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// Config holds Postgres recorder settings.
type Config struct {
	DatabaseURL         string
	MaxConns            int32
	MinConns            int32
	ConnectTimeout      time.Duration
	HealthCheckInterval time.Duration
	Logger              *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = 4
	}
	if c.MinConns == 0 {
		c.MinConns = 1
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// PostgresRecorder persists entries in a pgx connection pool and tracks its
// own health with a background ping loop.
type PostgresRecorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	healthy atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	healthCheckInterval time.Duration
}

// NewPostgres connects, verifies the connection, ensures the schema exists
// and starts the health loop.
func NewPostgres(cfg *Config) (*PostgresRecorder, error) {
	cfg.applyDefaults()

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("history: database URL is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("history: invalid database URL: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	ctx, cancel := context.WithCancel(context.Background())

	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer connectCancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("history: failed to connect: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		cancel()
		return nil, fmt.Errorf("history: ping failed: %w", err)
	}

	if _, err := pool.Exec(connectCtx, createTableSQL); err != nil {
		pool.Close()
		cancel()
		return nil, fmt.Errorf("history: failed to ensure schema: %w", err)
	}

	r := &PostgresRecorder{
		pool:                pool,
		logger:              cfg.Logger,
		ctx:                 ctx,
		cancel:              cancel,
		healthCheckInterval: cfg.HealthCheckInterval,
	}
	r.healthy.Store(true)

	r.wg.Add(1)
	go r.healthLoop()

	r.logger.Info("History recorder initialized",
		"max_conns", cfg.MaxConns,
		"min_conns", cfg.MinConns,
		"database", security.MaskDatabaseURL(cfg.DatabaseURL),
	)

	return r, nil
}

func (r *PostgresRecorder) Record(ctx context.Context, entry *Entry) error {
	images, err := json.Marshal(entry.Images)
	if err != nil {
		return fmt.Errorf("history: failed to encode image metadata: %w", err)
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = r.pool.Exec(ctx, insertSQL,
		uuid.New(),
		entry.Caller,
		entry.Model,
		entry.Prompt,
		entry.Answer,
		entry.TotalTokens,
		images,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("history: insert failed: %w", err)
	}
	return nil
}

func (r *PostgresRecorder) Healthy() bool {
	return r.healthy.Load()
}

func (r *PostgresRecorder) Close() {
	r.cancel()
	r.wg.Wait()
	r.pool.Close()
}

func (r *PostgresRecorder) healthLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
			err := r.pool.Ping(pingCtx)
			cancel()

			wasHealthy := r.healthy.Swap(err == nil)
			if err != nil && wasHealthy {
				r.logger.Error("History database unhealthy", "error", err)
			} else if err == nil && !wasHealthy {
				r.logger.Info("History database recovered")
			}
		}
	}
}
