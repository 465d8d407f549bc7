package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"medic-agent/internal/domain"
)

// pgxAPI is the subset of *pgxpool.Pool used by PostgresLockClient.
type pgxAPI interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresLockClient persists conversation locks in a relational table, for
// deployments that keep conversation state next to the patient records.
type PostgresLockClient struct {
	db pgxAPI
}

// NewPostgresLockClient creates a PostgresLockClient.
func NewPostgresLockClient(db pgxAPI) (*PostgresLockClient, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	return &PostgresLockClient{db: db}, nil
}

// OpenPostgres creates a bounded connection pool and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: parse postgres dsn: %w", err)
	}
	config.MaxConns = 4
	config.MinConns = 0
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("repository: create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("repository: ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate creates the lock table if it does not exist.
func (c *PostgresLockClient) Migrate(ctx context.Context) error {
	_, err := c.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS conversation_locks (
			user_id      TEXT PRIMARY KEY,
			active_agent TEXT NOT NULL DEFAULT 'none',
			locked_at    TIMESTAMPTZ NOT NULL,
			ttl_seconds  INTEGER NOT NULL DEFAULT 86400
		)
	`)
	if err != nil {
		return fmt.Errorf("repository: Migrate conversation_locks: %w", err)
	}
	return nil
}

func (c *PostgresLockClient) GetLock(ctx context.Context, userID string) (domain.ConversationLock, bool, error) {
	var (
		rawAgent   string
		lockedAt   time.Time
		ttlSeconds int64
	)
	err := c.db.QueryRow(ctx, `
		SELECT active_agent, locked_at, ttl_seconds
		FROM conversation_locks
		WHERE user_id = $1
	`, userID).Scan(&rawAgent, &lockedAt, &ttlSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ConversationLock{}, false, nil
	}
	if err != nil {
		return domain.ConversationLock{}, false, fmt.Errorf("repository: GetLock query: %w", err)
	}

	agent, err := domain.ParseAgentID(rawAgent)
	if err != nil {
		return domain.ConversationLock{}, false, fmt.Errorf("repository: GetLock decode: %w", err)
	}
	return domain.ConversationLock{
		UserID:      userID,
		ActiveAgent: agent,
		LockedAt:    lockedAt,
		TTL:         time.Duration(ttlSeconds) * time.Second,
	}, true, nil
}

func (c *PostgresLockClient) PutLock(ctx context.Context, lock domain.ConversationLock) error {
	if strings.TrimSpace(lock.UserID) == "" {
		return errors.New("repository: PutLock: user id is required")
	}
	ttl := lock.TTL
	if ttl <= 0 {
		ttl = domain.DefaultLockTTL
	}
	agent := lock.ActiveAgent
	if agent == "" {
		agent = domain.AgentNone
	}
	_, err := c.db.Exec(ctx, `
		INSERT INTO conversation_locks (user_id, active_agent, locked_at, ttl_seconds)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET active_agent = EXCLUDED.active_agent,
		    locked_at = EXCLUDED.locked_at,
		    ttl_seconds = EXCLUDED.ttl_seconds
	`, lock.UserID, string(agent), lock.LockedAt.UTC(), int64(ttl/time.Second))
	if err != nil {
		return fmt.Errorf("repository: PutLock: %w", err)
	}
	return nil
}

func (c *PostgresLockClient) DeleteLockIfUnchanged(ctx context.Context, userID string, lockedAt time.Time) error {
	_, err := c.db.Exec(ctx, `
		DELETE FROM conversation_locks
		WHERE user_id = $1 AND locked_at = $2
	`, userID, lockedAt.UTC())
	if err != nil {
		return fmt.Errorf("repository: DeleteLockIfUnchanged: %w", err)
	}
	return nil
}
