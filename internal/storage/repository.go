package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrNotConfigured indicates the storage pool was not initialised.
var ErrNotConfigured = errors.New("storage: pool not configured")

const (
	insertAlertSQL = `INSERT INTO buy_alerts (
        symbol,
        tx_hash,
        log_index,
        block_number,
        buyer,
        ref_in,
        token_out,
        usd_value,
        source,
        destinations,
        failed
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (tx_hash, log_index) DO UPDATE
    SET destinations = EXCLUDED.destinations,
        failed       = EXCLUDED.failed
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        symbol,
        tx_hash,
        log_index,
        block_number,
        buyer,
        ref_in,
        token_out,
        usd_value,
        source,
        destinations,
        failed,
        created_at
    FROM buy_alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	listAlertsBetweenSQL = `SELECT
        id,
        symbol,
        tx_hash,
        log_index,
        block_number,
        buyer,
        ref_in,
        token_out,
        usd_value,
        source,
        destinations,
        failed,
        created_at
    FROM buy_alerts
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	deleteAlertsBeforeSQL = `DELETE FROM buy_alerts WHERE created_at < $1;`

	countAlertsSQL = `SELECT COUNT(*) FROM buy_alerts;`

	upsertCursorSQL = `INSERT INTO poll_cursors (name, block_number, updated_at)
    VALUES ($1, $2, now())
    ON CONFLICT (name) DO UPDATE
    SET block_number = GREATEST(poll_cursors.block_number, EXCLUDED.block_number),
        updated_at   = now();`

	selectCursorSQL = `SELECT block_number FROM poll_cursors WHERE name = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	ListAlertsBetween(ctx context.Context, from, to time.Time) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
	CountAlerts(ctx context.Context) (int64, error)
}

// CursorStore persists the listener's poll cursor across restarts.
type CursorStore interface {
	SaveCursor(ctx context.Context, name string, block uint64) error
	LoadCursor(ctx context.Context, name string) (uint64, bool, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to buy alerts and poll cursors.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertAlert persists a delivered alert. Conflicting identities update the
// delivery accounting only.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.Symbol,
		alert.TxHash,
		int64(alert.LogIndex),
		int64(alert.BlockNumber),
		alert.Buyer,
		alert.RefIn.String(),
		alert.TokenOut.String(),
		alert.USDValue.String(),
		alert.Source,
		alert.Destinations,
		alert.Failed,
	)

	rec := alert
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	return collectAlerts(rows, limit)
}

// ListAlertsBetween lists alerts within a time window.
func (s *Store) ListAlertsBetween(ctx context.Context, from, to time.Time) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAlertsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts between: %w", queryErr)
	}
	defer rows.Close()

	return collectAlerts(rows, 0)
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

// CountAlerts counts stored alerts.
func (s *Store) CountAlerts(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countAlertsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count alerts: %w", scanErr)
	}
	return count, nil
}

// SaveCursor upserts the poll cursor; the stored value never rewinds.
func (s *Store) SaveCursor(ctx context.Context, name string, block uint64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertCursorSQL, name, int64(block)); execErr != nil {
		return fmt.Errorf("save cursor: %w", execErr)
	}
	return nil
}

// LoadCursor reads the persisted poll cursor, reporting whether one exists.
func (s *Store) LoadCursor(ctx context.Context, name string) (uint64, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, false, err
	}

	var block int64
	scanErr := pool.QueryRow(ctx, selectCursorSQL, name).Scan(&block)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("load cursor: %w", scanErr)
	}
	return uint64(block), true, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a
// release func. Used so only one watcher instance runs against one database.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func collectAlerts(rows pgx.Rows, hint int) ([]AlertRecord, error) {
	alerts := make([]AlertRecord, 0, hint)
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanAlert(rows pgx.Rows) (AlertRecord, error) {
	var (
		rec         AlertRecord
		logIndex    int64
		blockNumber int64
		refInStr    string
		tokenOutStr string
		usdStr      string
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.Symbol,
		&rec.TxHash,
		&logIndex,
		&blockNumber,
		&rec.Buyer,
		&refInStr,
		&tokenOutStr,
		&usdStr,
		&rec.Source,
		&rec.Destinations,
		&rec.Failed,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	rec.LogIndex = uint(logIndex)
	rec.BlockNumber = uint64(blockNumber)

	var err error
	if rec.RefIn, err = decimal.NewFromString(refInStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse ref_in: %w", err)
	}
	if rec.TokenOut, err = decimal.NewFromString(tokenOutStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse token_out: %w", err)
	}
	if rec.USDValue, err = decimal.NewFromString(usdStr); err != nil {
		return AlertRecord{}, fmt.Errorf("parse usd_value: %w", err)
	}

	return rec, nil
}
