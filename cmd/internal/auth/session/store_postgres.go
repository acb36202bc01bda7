package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agora/cmd/internal/platform/pgtx"
)

// PostgresStore implements Store on agora.sessions.
//
// Per-account serialization takes a row lock on agora.accounts for the
// duration of the transaction, so concurrent rotations of one account queue
// while other accounts proceed. When ctx carries a transaction (pgtx.With),
// Mutate runs as a savepoint inside it and uses no extra pool connection.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed session store. The pool is owned by the caller.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const sessionColumns = `
	id, account_id, token_hash, COALESCE(previous_token_hash, ''),
	created_at, last_used_at, expires_at,
	revoked, revoked_at, COALESCE(revoked_reason, ''),
	COALESCE(device_id, ''), COALESCE(user_agent, ''), COALESCE(ip, '')`

func (s *PostgresStore) Mutate(ctx context.Context, accountID string, fn MutateFunc) error {
	tx, err := pgtx.Begin(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM agora.accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUnknownAccount
	}
	if err != nil {
		return fmt.Errorf("lock account: %w", err)
	}

	current, err := querySessions(ctx, tx, `SELECT `+sessionColumns+`
		FROM agora.sessions WHERE account_id = $1 ORDER BY created_at, id`, accountID)
	if err != nil {
		return err
	}

	dirty, err := fn(current)
	if err != nil {
		return err
	}

	for _, d := range dirty {
		if err := upsertTx(ctx, tx, accountID, d); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) List(ctx context.Context, accountID string) ([]Session, error) {
	return querySessions(ctx, s.pool, `SELECT `+sessionColumns+`
		FROM agora.sessions WHERE account_id = $1 ORDER BY created_at, id`, accountID)
}

func (s *PostgresStore) Locate(ctx context.Context, hash string) (string, error) {
	if hash == "" {
		return "", ErrSessionNotFound
	}

	var accountID string
	err := s.pool.QueryRow(ctx, `
		SELECT account_id FROM agora.sessions
		WHERE token_hash = $1 OR previous_token_hash = $1
		ORDER BY revoked, last_used_at DESC
		LIMIT 1
	`, hash).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", err
	}
	return accountID, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func querySessions(ctx context.Context, q querier, sql string, args ...any) ([]Session, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Session, error) {
		var s Session
		err := row.Scan(
			&s.ID, &s.AccountID, &s.TokenHash, &s.PreviousTokenHash,
			&s.CreatedAt, &s.LastUsedAt, &s.ExpiresAt,
			&s.Revoked, &s.RevokedAt, &s.RevokedReason,
			&s.Meta.DeviceID, &s.Meta.UserAgent, &s.Meta.IP,
		)
		return s, err
	})
}

func upsertTx(ctx context.Context, tx pgx.Tx, accountID string, s Session) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO agora.sessions (
			id, account_id, token_hash, previous_token_hash,
			created_at, last_used_at, expires_at,
			revoked, revoked_at, revoked_reason,
			device_id, user_agent, ip
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			token_hash          = EXCLUDED.token_hash,
			previous_token_hash = EXCLUDED.previous_token_hash,
			last_used_at        = EXCLUDED.last_used_at,
			expires_at          = EXCLUDED.expires_at,
			revoked             = agora.sessions.revoked OR EXCLUDED.revoked,
			revoked_at          = COALESCE(agora.sessions.revoked_at, EXCLUDED.revoked_at),
			revoked_reason      = COALESCE(agora.sessions.revoked_reason, EXCLUDED.revoked_reason)
		WHERE agora.sessions.account_id = EXCLUDED.account_id
	`,
		s.ID, accountID, s.TokenHash, nullIfEmpty(s.PreviousTokenHash),
		s.CreatedAt, s.LastUsedAt, s.ExpiresAt,
		s.Revoked, s.RevokedAt, nullIfEmpty(s.RevokedReason),
		nullIfEmpty(s.Meta.DeviceID), nullIfEmpty(s.Meta.UserAgent), nullIfEmpty(s.Meta.IP),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", s.ID, err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
