// Package postgres implements an audit persister backed by PostgreSQL.
//
// Rows are keyed by sequence number with a unique constraint on the entry
// ID. A migration installs a trigger that rejects UPDATE and DELETE, so the
// table is append-only even for a compromised application role.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/jmcleod/sessionguard/audit"
	"github.com/jmcleod/sessionguard/storage"
)

const (
	defaultQueryCapacity = 100
	maxQueryCapacity     = 10000

	uniqueViolation = "23505"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var entryColumns = []string{
	"seq", "id", "timestamp", "event_type", "subject_id", "resource_id",
	"outcome", "risk_level", "details", "prev_hash", "hash",
}

type Store struct {
	db *sql.DB
}

var _ audit.Persister = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn, applies pending migrations and returns a Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	details := []byte("{}")
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encoding audit details: %w", err)
		}
		details = b
	}

	query, args, err := psq.Insert("audit_entries").
		Columns(entryColumns...).
		Values(int64(e.Seq), e.ID, e.Timestamp, string(e.EventType), e.SubjectID, e.ResourceID,
			string(e.Outcome), string(e.RiskLevel), details, e.PrevHash, e.Hash).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("building audit insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("seq %d: %w", e.Seq, storage.ErrSeqConflict)
		}
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// applyFilter adds filter conditions to a SELECT builder.
func applyFilter(qb sq.SelectBuilder, f audit.Filter) sq.SelectBuilder {
	if !f.From.IsZero() {
		qb = qb.Where(sq.GtOrEq{"timestamp": f.From})
	}
	if !f.To.IsZero() {
		qb = qb.Where(sq.Lt{"timestamp": f.To})
	}
	if f.SubjectID != "" {
		qb = qb.Where(sq.Eq{"subject_id": f.SubjectID})
	}
	if f.EventType != "" {
		qb = qb.Where(sq.Eq{"event_type": string(f.EventType)})
	}
	return qb
}

func (s *Store) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	qb := applyFilter(psq.Select(entryColumns...).From("audit_entries"), f).OrderBy("seq ASC")
	if f.Limit > 0 {
		qb = qb.Limit(uint64(f.Limit))
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building audit query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	allocCap := defaultQueryCapacity
	if f.Limit > 0 && f.Limit <= maxQueryCapacity {
		allocCap = f.Limit
	}
	entries := make([]audit.Entry, 0, allocCap)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}
	return entries, nil
}

func (s *Store) Last(ctx context.Context) (*audit.Entry, error) {
	query, args, err := psq.Select(entryColumns...).From("audit_entries").
		OrderBy("seq DESC").Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building audit query: %w", err)
	}
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (audit.Entry, error) {
	var (
		e       audit.Entry
		seq     int64
		details []byte
	)
	err := row.Scan(&seq, &e.ID, &e.Timestamp, &e.EventType, &e.SubjectID, &e.ResourceID,
		&e.Outcome, &e.RiskLevel, &details, &e.PrevHash, &e.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return e, err
	}
	if err != nil {
		return e, fmt.Errorf("scanning audit row: %w", err)
	}
	e.Seq = uint64(seq)
	e.Timestamp = e.Timestamp.UTC()
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return e, fmt.Errorf("decoding audit details for %s: %w", e.ID, err)
		}
		if len(e.Details) == 0 {
			e.Details = nil
		}
	}
	return e, nil
}
