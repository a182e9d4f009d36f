// Package pgstore is a PostgreSQL Memory Substrate with goose-managed schema.
package pgstore

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql (needed by goose)
	"github.com/pressly/goose/v3"

	"github.com/ArnBdev/oneagent-delegation/internal/config"
	"github.com/ArnBdev/oneagent-delegation/internal/memory"
)

//go:embed migrations/*.sql
var migrations embed.FS

// NewPool creates a pgxpool connection pool from a config.Postgres struct.
func NewPool(ctx context.Context, cfg config.Postgres) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = cfg.MinConns
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheck > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheck
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return pool, nil
}

// RunMigrations applies all pending goose migrations from the embedded SQL files.
func RunMigrations(ctx context.Context, dsn string) error {
	goose.SetBaseFS(migrations)

	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Store implements memory.Substrate on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an open pool. The caller owns the pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open migrates the schema, opens a pool and returns a Store that owns it.
func Open(ctx context.Context, cfg config.Postgres) (*Store, error) {
	if err := RunMigrations(ctx, cfg.DSN); err != nil {
		return nil, err
	}
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(pool), nil
}

// Add implements memory.Substrate.
func (s *Store) Add(ctx context.Context, rec memory.Record) (string, error) {
	rec = memory.Prepare(rec)

	const q = `
		INSERT INTO memory_records (id, scope, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal memory metadata: %w", err)
	}

	var id string
	if err := s.pool.QueryRow(ctx, q, rec.ID, rec.Scope, rec.Content, metadata, rec.CreatedAt).Scan(&id); err != nil {
		return "", fmt.Errorf("insert memory record: %w", err)
	}
	return id, nil
}

// Search implements memory.Substrate.
func (s *Store) Search(ctx context.Context, query, scope string, limit int) ([]memory.Record, error) {
	const q = `
		SELECT id, scope, content, metadata, created_at
		FROM memory_records
		WHERE ($1 = '' OR scope = $1)
		  AND ($2 = '' OR metadata->>'type' = $2 OR content ILIKE $3 ESCAPE '\')
		ORDER BY created_at DESC
		LIMIT $4`

	rows, err := s.pool.Query(ctx, q, scope, query, likePattern(query), memory.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("search memory records: %w", err)
	}
	defer rows.Close()

	var out []memory.Record
	for rows.Next() {
		var (
			rec memory.Record
			raw []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Scope, &rec.Content, &raw, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal memory metadata: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func likePattern(query string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(query) + "%"
}
