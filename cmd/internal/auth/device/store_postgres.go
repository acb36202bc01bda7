package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agora/cmd/internal/platform/pgtx"
)

// PostgresStore implements Store on agora.devices and agora.device_links.
// Mutate holds the device row lock (SELECT ... FOR UPDATE) for its whole
// transaction and hands fn a context carrying that transaction, so session
// revocations made from fn share its connection.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, d Device) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO agora.devices (id, created_at, last_activity)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, d.ID, d.CreatedAt, d.LastActivity)
	if err != nil {
		return false, fmt.Errorf("create device: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Device, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return Device{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	return loadTx(ctx, tx, id, false)
}

func (s *PostgresStore) Mutate(ctx context.Context, id string, fn MutateFunc) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	d, err := loadTx(ctx, tx, id, true)
	if err != nil {
		return err
	}
	before := d.clone()

	changed, err := fn(pgtx.With(ctx, tx), &d)
	if err != nil || !changed {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE agora.devices SET last_activity = GREATEST(last_activity, $2) WHERE id = $1
	`, id, d.LastActivity); err != nil {
		return fmt.Errorf("update device: %w", err)
	}

	for _, l := range before.Links {
		if slices.Contains(d.Links, l) {
			continue
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM agora.device_links
			WHERE device_id = $1 AND account_id = $2 AND session_id = $3
		`, id, l.AccountID, l.SessionID); err != nil {
			return fmt.Errorf("unlink: %w", err)
		}
	}
	for _, l := range d.Links {
		if slices.Contains(before.Links, l) {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO agora.device_links (device_id, account_id, session_id, linked_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT DO NOTHING
		`, id, l.AccountID, l.SessionID); err != nil {
			return fmt.Errorf("link: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) Touch(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agora.devices SET last_activity = GREATEST(last_activity, $2) WHERE id = $1
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("touch device: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListIdleSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM agora.devices WHERE last_activity < $1 ORDER BY id
	`, cutoff)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func loadTx(ctx context.Context, tx pgx.Tx, id string, forUpdate bool) (Device, error) {
	q := `SELECT id, created_at, last_activity FROM agora.devices WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}

	var d Device
	err := tx.QueryRow(ctx, q, id).Scan(&d.ID, &d.CreatedAt, &d.LastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return Device{}, ErrDeviceNotFound
	}
	if err != nil {
		return Device{}, err
	}

	rows, err := tx.Query(ctx, `
		SELECT account_id, session_id FROM agora.device_links
		WHERE device_id = $1 ORDER BY linked_at, account_id, session_id
	`, id)
	if err != nil {
		return Device{}, err
	}
	d.Links, err = pgx.CollectRows(rows, pgx.RowToStructByPos[Link])
	if err != nil {
		return Device{}, err
	}
	return d, nil
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
