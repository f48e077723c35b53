package indexer

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/cenkalti/backoff/v4"
	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresConfig holds configuration for the Postgres source of truth.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	Table    string `yaml:"table"`
	MaxConns int32  `yaml:"max_conns"`
}

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresStore keeps string ids in one table keyed by
// (use_case_id, organization_id, string).
type PostgresStore struct {
	pool   *pgxpool.Pool
	table  string
	logger zerolog.Logger
}

// NewPostgresStore opens a connection pool, retrying the first ping with
// backoff.
func NewPostgresStore(ctx context.Context, cfg *PostgresConfig, logger zerolog.Logger) (*PostgresStore, error) {
	if cfg == nil || cfg.DSN == "" {
		return nil, errors.New("postgres DSN is required")
	}
	table := cfg.Table
	if table == "" {
		table = "indexer_strings"
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid postgres table name %q", table)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	ping := func() error { return pool.Ping(ctx) }
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(ping, bo); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	logger.Info().Str("table", table).Msg("Connected to Postgres indexer store.")

	return &PostgresStore{
		pool:   pool,
		table:  table,
		logger: logger.With().Str("component", "PostgresStore").Logger(),
	}, nil
}

// EnsureSchema creates the strings table if it does not exist.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	use_case_id TEXT NOT NULL,
	organization_id BIGINT NOT NULL,
	string VARCHAR(200) NOT NULL,
	date_added TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (use_case_id, organization_id, string)
)`, p.table)
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", p.table, err)
	}
	return nil
}

func (p *PostgresStore) Fetch(ctx context.Context, useCase types.UseCaseID, keys *KeyCollection) (*KeyResults, error) {
	query := fmt.Sprintf(
		`SELECT string, id FROM %s WHERE use_case_id = $1 AND organization_id = $2 AND string = ANY($3)`,
		p.table)
	found := NewKeyResults()
	for _, org := range keys.Orgs() {
		if err := p.collect(ctx, found, FetchDBRead, org, query, string(useCase), org, keys.Strings(org)); err != nil {
			return nil, err
		}
	}
	return found, nil
}

func (p *PostgresStore) Insert(ctx context.Context, useCase types.UseCaseID, keys *KeyCollection) (*KeyResults, error) {
	insert := fmt.Sprintf(
		`INSERT INTO %s (use_case_id, organization_id, string)
SELECT $1, $2, s FROM unnest($3::text[]) AS s
ON CONFLICT DO NOTHING
RETURNING string, id`, p.table)

	out := NewKeyResults()
	for _, org := range keys.Orgs() {
		if err := p.collect(ctx, out, FetchFirstSeen, org, insert, string(useCase), org, keys.Strings(org)); err != nil {
			return nil, err
		}
	}
	// Strings inserted concurrently by another consumer.
	lost := out.Missing(keys)
	if lost.Size() > 0 {
		existing, err := p.Fetch(ctx, useCase, lost)
		if err != nil {
			return nil, err
		}
		out.Merge(existing)
	}
	p.logger.Debug().Int("requested", keys.Size()).Int("created", keys.Size()-lost.Size()).Msg("Strings inserted.")
	return out, nil
}

func (p *PostgresStore) collect(ctx context.Context, into *KeyResults, ft FetchType, org int64, query string, args ...any) error {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres query for org %d: %w", org, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			s  string
			id int64
		)
		if err := rows.Scan(&s, &id); err != nil {
			return fmt.Errorf("postgres scan for org %d: %w", org, err)
		}
		into.Add(org, s, id, ft)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres rows for org %d: %w", org, err)
	}
	return nil
}

func (p *PostgresStore) Reverse(ctx context.Context, useCase types.UseCaseID, orgID int64, id int64) (string, error) {
	query := fmt.Sprintf(`SELECT string FROM %s WHERE use_case_id = $1 AND organization_id = $2 AND id = $3`, p.table)
	var s string
	err := p.pool.QueryRow(ctx, query, string(useCase), orgID, id).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrStringNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres reverse lookup of %d: %w", id, err)
	}
	return s, nil
}

// Close closes the connection pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	p.logger.Info().Msg("Postgres pool closed.")
	return nil
}
