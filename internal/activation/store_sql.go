package activation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	apperrors "deviceauth/internal/errors"
)

// SQLiteDriver is the database/sql driver name registered by modernc.org/sqlite
const SQLiteDriver = "sqlite"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS activation_state (
		seq              INTEGER PRIMARY KEY AUTOINCREMENT,
		id               TEXT    NOT NULL UNIQUE,
		serial_number    TEXT    NOT NULL DEFAULT '',
		factory_data_id  TEXT    NOT NULL DEFAULT '',
		activation_ready INTEGER NOT NULL DEFAULT 0,
		state            TEXT    NOT NULL,
		initiated_by     TEXT    NOT NULL DEFAULT '',
		initiated_at     INTEGER NOT NULL,
		claimed_by       TEXT    NOT NULL DEFAULT '',
		claimed_at       INTEGER NOT NULL DEFAULT 0,
		disabled_by      TEXT    NOT NULL DEFAULT '',
		disabled_at      INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS activation_state_ready_serial
		ON activation_state (serial_number) WHERE activation_ready = 1 AND serial_number <> ''`,
	`CREATE UNIQUE INDEX IF NOT EXISTS activation_state_ready_factory
		ON activation_state (factory_data_id) WHERE activation_ready = 1 AND factory_data_id <> ''`,
	`CREATE INDEX IF NOT EXISTS activation_state_serial ON activation_state (serial_number)`,
	`CREATE INDEX IF NOT EXISTS activation_state_factory ON activation_state (factory_data_id)`,
}

const recordColumns = `seq, id, serial_number, factory_data_id, state, initiated_by, initiated_at,
	claimed_by, claimed_at, disabled_by, disabled_at`

// SQLStore is a Store over database/sql, written for SQLite
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLStore opens the SQLite database at dsn and migrates it
func OpenSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open(SQLiteDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open activation database: %w", err)
	}

	store, err := NewSQLStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database and creates the schema if needed
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to migrate activation schema: %w", err)
		}
	}
	return &SQLStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Insert creates a record; a ready insert is conditional on no other ready record for its keys
func (s *SQLStore) Insert(ctx context.Context, rec NewRecord) (*Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	record := &Record{
		ID:            uuid.NewString(),
		SerialNumber:  rec.SerialNumber,
		FactoryDataID: rec.FactoryDataID,
		State:         StateInactive,
		InitiatedBy:   rec.InitiatedBy,
		InitiatedAt:   s.now(),
	}
	if rec.Ready {
		record.State = StateReady
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO activation_state
			(id, serial_number, factory_data_id, activation_ready, state, initiated_by, initiated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE ? = 0 OR NOT EXISTS (
			SELECT 1 FROM activation_state
			WHERE activation_ready = 1
			  AND ((serial_number <> '' AND serial_number = ?) OR (factory_data_id <> '' AND factory_data_id = ?))
		)
		RETURNING seq`,
		record.ID, record.SerialNumber, record.FactoryDataID, boolToInt(rec.Ready), string(record.State),
		record.InitiatedBy, toUnixNano(record.InitiatedAt),
		boolToInt(rec.Ready), record.SerialNumber, record.FactoryDataID,
	).Scan(&record.Seq)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %s", apperrors.ErrAlreadyReady, recordKeys(rec.SerialNumber, rec.FactoryDataID))
	case isUniqueViolation(err):
		return nil, fmt.Errorf("%w: %v", apperrors.ErrAlreadyReady, err)
	case err != nil:
		return nil, fmt.Errorf("failed to insert activation record: %w", err)
	}

	return record, nil
}

// CanBeActivated reports whether a ready record exists for key
func (s *SQLStore) CanBeActivated(ctx context.Context, key Key) (bool, error) {
	column, err := keyColumn(key)
	if err != nil {
		return false, err
	}

	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM activation_state WHERE `+column+` = ? AND activation_ready = 1)`,
		key.Value,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check activation eligibility: %w", err)
	}
	return exists, nil
}

// Claim flips the ready record for key in one conditional UPDATE; zero rows means not eligible
func (s *SQLStore) Claim(ctx context.Context, key Key, actor string) (*Record, error) {
	column, err := keyColumn(key)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE activation_state
		SET activation_ready = 0, state = ?, claimed_by = ?, claimed_at = ?
		WHERE seq = (
			SELECT seq FROM activation_state
			WHERE `+column+` = ? AND activation_ready = 1
			ORDER BY seq LIMIT 1
		) AND activation_ready = 1
		RETURNING `+recordColumns,
		string(StateClaimed), actor, toUnixNano(s.now()), key.Value,
	)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNotEligible, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim activation record: %w", err)
	}
	return record, nil
}

// Disable moves record id from ready to disabled
func (s *SQLStore) Disable(ctx context.Context, id string, actor string) (*Record, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE activation_state
		SET activation_ready = 0, state = ?, disabled_by = ?, disabled_at = ?
		WHERE id = ? AND activation_ready = 1`,
		string(StateDisabled), actor, toUnixNano(s.now()), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to disable activation record: %w", err)
	}
	return s.Get(ctx, id)
}

// DisableByKey disables the ready record for key
func (s *SQLStore) DisableByKey(ctx context.Context, key Key, actor string) (int, error) {
	column, err := keyColumn(key)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE activation_state
		SET activation_ready = 0, state = ?, disabled_by = ?, disabled_at = ?
		WHERE `+column+` = ? AND activation_ready = 1`,
		string(StateDisabled), actor, toUnixNano(s.now()), key.Value,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to disable activation records: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count disabled records: %w", err)
	}
	return int(n), nil
}

// Get retrieves a record by ID
func (s *SQLStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM activation_state WHERE id = ?`, id)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load activation record: %w", err)
	}
	return record, nil
}

// ListByKey returns every record for key ordered by sequence
func (s *SQLStore) ListByKey(ctx context.Context, key Key) ([]*Record, error) {
	column, err := keyColumn(key)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM activation_state WHERE `+column+` = ? ORDER BY seq`, key.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to list activation records: %w", err)
	}
	defer rows.Close()

	var result []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activation record: %w", err)
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list activation records: %w", err)
	}
	return result, nil
}

// Close closes the underlying database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		record                             Record
		state                              string
		initiatedAt, claimedAt, disabledAt int64
	)

	err := row.Scan(
		&record.Seq, &record.ID, &record.SerialNumber, &record.FactoryDataID, &state,
		&record.InitiatedBy, &initiatedAt,
		&record.ClaimedBy, &claimedAt,
		&record.DisabledBy, &disabledAt,
	)
	if err != nil {
		return nil, err
	}

	record.State = State(state)
	record.InitiatedAt = fromUnixNano(initiatedAt)
	record.ClaimedAt = fromUnixNano(claimedAt)
	record.DisabledAt = fromUnixNano(disabledAt)
	return &record, nil
}

// keyColumn maps a key kind to its column; only these two constants are ever spliced into SQL
func keyColumn(key Key) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	if key.Kind == KeyFactoryDataID {
		return "factory_data_id", nil
	}
	return "serial_number", nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
