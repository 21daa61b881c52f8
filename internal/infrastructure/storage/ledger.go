package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/ports"
)

const ledgerTable = "ledger_records"

var ledgerColumns = []string{
	"source_id",
	"item_id",
	"state",
	"failed_stage",
	"attempt_count",
	"last_error_kind",
	"published_ref",
	"checkpoint",
	"first_seen_at",
	"last_updated_at",
}

const upsertSuffix = `ON CONFLICT (source_id, item_id) DO UPDATE
              SET state = excluded.state,
                  failed_stage = excluded.failed_stage,
                  attempt_count = excluded.attempt_count,
                  last_error_kind = excluded.last_error_kind,
                  published_ref = excluded.published_ref,
                  checkpoint = excluded.checkpoint,
                  last_updated_at = excluded.last_updated_at`

// SQLLedger persists ledger records in SQLite or Postgres.
type SQLLedger struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

var _ ports.Ledger = (*SQLLedger)(nil)

// NewSQLLedger wires a sql.DB with the placeholder format of its dialect.
func NewSQLLedger(db *sql.DB, placeholder sq.PlaceholderFormat) *SQLLedger {
	return &SQLLedger{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(placeholder),
	}
}

// HasSeen reports whether any record exists for the identity.
func (l *SQLLedger) HasSeen(ctx context.Context, sourceID, itemID string) (bool, error) {
	query, args, err := l.builder.
		Select("1").
		From(ledgerTable).
		Where(sq.Eq{"source_id": sourceID, "item_id": itemID}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build has-seen query: %w", err)
	}

	var one int
	err = l.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query has-seen: %w", err)
	}
	return true, nil
}

// Get loads the record for the identity or returns domain.ErrNotFound.
func (l *SQLLedger) Get(ctx context.Context, sourceID, itemID string) (domain.LedgerRecord, error) {
	query, args, err := l.builder.
		Select(ledgerColumns...).
		From(ledgerTable).
		Where(sq.Eq{"source_id": sourceID, "item_id": itemID}).
		ToSql()
	if err != nil {
		return domain.LedgerRecord{}, fmt.Errorf("build get query: %w", err)
	}

	rec, err := scanRecord(l.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LedgerRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.LedgerRecord{}, fmt.Errorf("get record %s/%s: %w", sourceID, itemID, err)
	}
	return rec, nil
}

// InsertIfAbsent creates the record unless its identity already exists.
// It reports whether this call created the row.
func (l *SQLLedger) InsertIfAbsent(ctx context.Context, record domain.LedgerRecord) (bool, error) {
	values, err := recordValues(record)
	if err != nil {
		return false, err
	}

	query, args, err := l.builder.
		Insert(ledgerTable).
		Columns(ledgerColumns...).
		Values(values...).
		Suffix("ON CONFLICT (source_id, item_id) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert query: %w", err)
	}

	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert record %s: %w", record.Key(), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// Upsert inserts the record or replaces the mutable columns of an existing one.
func (l *SQLLedger) Upsert(ctx context.Context, record domain.LedgerRecord) error {
	values, err := recordValues(record)
	if err != nil {
		return err
	}

	query, args, err := l.builder.
		Insert(ledgerTable).
		Columns(ledgerColumns...).
		Values(values...).
		Suffix(upsertSuffix).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert query: %w", err)
	}

	if _, err := l.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert record %s: %w", record.Key(), err)
	}
	return nil
}

// ListPending returns non-terminal records of a source, oldest first.
func (l *SQLLedger) ListPending(ctx context.Context, sourceID string, limit int) ([]domain.LedgerRecord, error) {
	builder := l.builder.
		Select(ledgerColumns...).
		From(ledgerTable).
		Where(sq.Eq{"source_id": sourceID}).
		Where(sq.NotEq{"state": terminalStates()}).
		OrderBy("first_seen_at ASC", "item_id ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build pending query: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}

	var result []domain.LedgerRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		result = append(result, rec)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("rows iteration: %w", rowsErr)
	}

	if closeErr := rows.Close(); closeErr != nil {
		return nil, fmt.Errorf("close rows: %w", closeErr)
	}

	return result, nil
}

// PurgeOlderThan deletes terminal records last updated before the horizon.
// Non-terminal records are kept regardless of age.
func (l *SQLLedger) PurgeOlderThan(ctx context.Context, horizon time.Time) (int64, error) {
	query, args, err := l.builder.
		Delete(ledgerTable).
		Where(sq.Eq{"state": terminalStates()}).
		Where(sq.Lt{"last_updated_at": toMillis(horizon)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build purge query: %w", err)
	}

	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge records: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return deleted, nil
}

// Ping checks that the database is reachable.
func (l *SQLLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close releases the connection pool.
func (l *SQLLedger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func terminalStates() []string {
	return []string{string(domain.StatePublished), string(domain.StateFailed)}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.LedgerRecord, error) {
	var (
		rec          domain.LedgerRecord
		state        string
		failedStage  string
		errorKind    string
		checkpoint   string
		firstSeenMs  int64
		lastUpdateMs int64
	)

	err := row.Scan(
		&rec.SourceID,
		&rec.ItemID,
		&state,
		&failedStage,
		&rec.AttemptCount,
		&errorKind,
		&rec.PublishedRef,
		&checkpoint,
		&firstSeenMs,
		&lastUpdateMs,
	)
	if err != nil {
		return domain.LedgerRecord{}, err
	}

	rec.State = domain.ItemState(state)
	rec.FailedStage = domain.Stage(failedStage)
	rec.LastErrorKind = domain.ErrorKind(errorKind)
	rec.FirstSeenAt = fromMillis(firstSeenMs)
	rec.LastUpdatedAt = fromMillis(lastUpdateMs)

	if checkpoint != "" {
		if err := json.Unmarshal([]byte(checkpoint), &rec.Checkpoint); err != nil {
			return domain.LedgerRecord{}, fmt.Errorf("decode checkpoint: %w", err)
		}
	}

	return rec, nil
}

func recordValues(rec domain.LedgerRecord) ([]any, error) {
	if !rec.State.Valid() {
		return nil, fmt.Errorf("record %s: invalid state %q", rec.Key(), rec.State)
	}

	checkpoint, err := json.Marshal(rec.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}

	return []any{
		rec.SourceID,
		rec.ItemID,
		string(rec.State),
		string(rec.FailedStage),
		rec.AttemptCount,
		string(rec.LastErrorKind),
		rec.PublishedRef,
		string(checkpoint),
		toMillis(rec.FirstSeenAt),
		toMillis(rec.LastUpdatedAt),
	}, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
