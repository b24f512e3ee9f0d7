package runningmode

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS running_modes (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	reference_id INTEGER,
	version      INTEGER NOT NULL DEFAULT 0,
	timestamp    INTEGER NOT NULL,
	duration     INTEGER NOT NULL,
	utc_offset   INTEGER NOT NULL,
	mode         TEXT    NOT NULL,
	auto_forced  INTEGER NOT NULL,
	reasons      TEXT    NOT NULL,
	is_valid     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_running_modes_timestamp ON running_modes(timestamp);
CREATE INDEX IF NOT EXISTS idx_running_modes_reference ON running_modes(reference_id);
`

const columns = `r.id, r.reference_id, r.version, r.timestamp, r.duration, r.utc_offset, r.mode, r.auto_forced, r.reasons, r.is_valid`

// effectiveClause keeps valid rows that no amendment points at.
const effectiveClause = `r.is_valid = 1 AND NOT EXISTS (SELECT 1 FROM running_modes s WHERE s.reference_id = r.id)`

// SQLRepository stores records in a database/sql table. Timestamps and
// durations are stored as Unix milliseconds.
type SQLRepository struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a sqlite database at dsn, e.g.
// "file:closedloop.db" or "file::memory:?cache=shared".
func OpenSQLite(ctx context.Context, dsn string) (*SQLRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("runningmode: open sqlite: %w", err)
	}
	// sqlite serializes writers anyway; one connection also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	repo := NewSQLRepository(db)
	if err := repo.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

func (s *SQLRepository) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("runningmode: migrate: %w", err)
	}
	return nil
}

func (s *SQLRepository) Close() error { return s.db.Close() }

func (s *SQLRepository) Insert(ctx context.Context, r Record) (Record, error) {
	var ref any
	if r.ReferenceID != nil {
		ref = *r.ReferenceID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO running_modes (reference_id, version, timestamp, duration, utc_offset, mode, auto_forced, reasons, is_valid)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ref, r.Version, r.Timestamp.UnixMilli(), r.Duration.Milliseconds(), r.UTCOffset.Milliseconds(),
		string(r.Mode), boolToInt(r.AutoForced), r.Reasons, boolToInt(r.IsValid))
	if err != nil {
		return Record{}, fmt.Errorf("runningmode: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("runningmode: insert id: %w", err)
	}
	r.ID = id
	// round-trip precision matches what a later read returns
	r.Timestamp = time.UnixMilli(r.Timestamp.UnixMilli())
	r.Duration = time.Duration(r.Duration.Milliseconds()) * time.Millisecond
	return r, nil
}

func (s *SQLRepository) Get(ctx context.Context, id int64) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM running_modes r WHERE r.id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (s *SQLRepository) PermanentAt(ctx context.Context, t time.Time) (Record, bool, error) {
	return s.latest(ctx,
		`SELECT `+columns+` FROM running_modes r
		 WHERE r.timestamp <= ? AND r.duration = 0 AND `+effectiveClause+`
		 ORDER BY r.timestamp DESC, r.id DESC LIMIT 1`,
		t.UnixMilli())
}

func (s *SQLRepository) TemporaryAt(ctx context.Context, t time.Time) (Record, bool, error) {
	ms := t.UnixMilli()
	return s.latest(ctx,
		`SELECT `+columns+` FROM running_modes r
		 WHERE r.timestamp <= ? AND r.duration > 0 AND r.timestamp + r.duration > ? AND `+effectiveClause+`
		 ORDER BY r.timestamp DESC, r.id DESC LIMIT 1`,
		ms, ms)
}

func (s *SQLRepository) Effective(ctx context.Context, from, to time.Time) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM running_modes r
		 WHERE r.timestamp >= ? AND r.timestamp <= ? AND `+effectiveClause+`
		 ORDER BY r.timestamp ASC, r.id ASC`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("runningmode: query effective: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("runningmode: iterate effective: %w", err)
	}
	return out, nil
}

func (s *SQLRepository) latest(ctx context.Context, query string, args ...any) (Record, bool, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		r                   Record
		ref                 sql.NullInt64
		ts, dur, offset     int64
		mode                string
		autoForced, isValid int
	)
	err := sc.Scan(&r.ID, &ref, &r.Version, &ts, &dur, &offset, &mode, &autoForced, &r.Reasons, &isValid)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, err
	}
	if err != nil {
		return Record{}, fmt.Errorf("runningmode: scan: %w", err)
	}
	if ref.Valid {
		id := ref.Int64
		r.ReferenceID = &id
	}
	r.Timestamp = time.UnixMilli(ts)
	r.Duration = time.Duration(dur) * time.Millisecond
	r.UTCOffset = time.Duration(offset) * time.Millisecond
	r.Mode = Mode(mode)
	r.AutoForced = autoForced != 0
	r.IsValid = isValid != 0
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Personal.AI order the ending
