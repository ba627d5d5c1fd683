package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/breez/partial-sync/store"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type SQLiteLocalStorage struct {
	db *sql.DB
}

func NewSQLiteLocalStorage(file string) (*SQLiteLocalStorage, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrationDriver, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	return &SQLiteLocalStorage{db: db}, nil
}

func (s *SQLiteLocalStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteLocalStorage) CreateTable(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO resource_tables (name) VALUES (?)", name); err != nil {
		return fmt.Errorf("failed to create table %v: %w", name, err)
	}
	return nil
}

func (s *SQLiteLocalStorage) Table(ctx context.Context, name string) (store.Table, error) {
	var found string
	err := s.db.QueryRowContext(ctx, "SELECT name FROM resource_tables WHERE name = ?", name).Scan(&found)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %v", store.ErrTableNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up table %v: %w", name, err)
	}
	return &table{db: s.db, name: found}, nil
}

func (s *SQLiteLocalStorage) SyncTable(ctx context.Context) (store.WatermarkTable, error) {
	var found string
	err := s.db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", store.SyncTableName).Scan(&found)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %v", store.ErrTableNotFound, store.SyncTableName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up sync table: %w", err)
	}
	return &watermarks{db: s.db}, nil
}

type table struct {
	db   *sql.DB
	name string
}

func (t *table) Name() string {
	return t.name
}

// where builds the filter for records of this table matching query.
func (t *table) where(query store.Query) (string, []any, error) {
	q, err := query.Normalize()
	if err != nil {
		return "", nil, err
	}
	clause := "table_name = ?"
	args := []any{t.name}
	for _, key := range q.Keys() {
		if strings.ContainsAny(key, `"\`) {
			return "", nil, fmt.Errorf("%w: unsupported field name %q", store.ErrInvalidQuery, key)
		}
		path := `$."` + key + `"`
		if q[key] == nil {
			clause += " AND json_extract(data, ?) IS NULL"
			args = append(args, path)
			continue
		}
		clause += " AND json_extract(data, ?) = ?"
		args = append(args, path, q[key])
	}
	return clause, args, nil
}

func (t *table) Count(ctx context.Context, query store.Query) (int64, error) {
	clause, args, err := t.where(query)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := t.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE "+clause, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

func (t *table) Find(ctx context.Context, query store.Query) ([]store.StoredRecord, error) {
	clause, args, err := t.where(query)
	if err != nil {
		return nil, err
	}
	rows, err := t.db.QueryContext(ctx, "SELECT id, data FROM records WHERE "+clause+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (t *table) Delete(ctx context.Context, query store.Query) (int64, error) {
	clause, args, err := t.where(query)
	if err != nil {
		return 0, err
	}
	res, err := t.db.ExecContext(ctx, "DELETE FROM records WHERE "+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete records: %w", err)
	}
	return res.RowsAffected()
}

func (t *table) Modify(ctx context.Context, query store.Query, patch map[string]any) (int64, error) {
	clause, args, err := t.where(query)
	if err != nil {
		return 0, err
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT id, data FROM records WHERE "+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to query records: %w", err)
	}
	matched, err := scanRecords(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}

	var modified int64
	for _, record := range matched {
		merged, changed, err := store.MergeDocument(record.Data, patch)
		if err != nil {
			return 0, err
		}
		if !changed {
			continue
		}
		if _, err := tx.ExecContext(ctx, "UPDATE records SET data = ? WHERE id = ?", string(merged), record.Id); err != nil {
			return 0, fmt.Errorf("failed to update record: %w", err)
		}
		modified++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return modified, nil
}

func (t *table) Replace(ctx context.Context, query store.Query, value json.RawMessage) (int64, error) {
	if !json.Valid(value) {
		return 0, errors.New("value is not valid json")
	}
	clause, args, err := t.where(query)
	if err != nil {
		return 0, err
	}
	res, err := t.db.ExecContext(ctx, "UPDATE records SET data = json(?) WHERE "+clause, append([]any{string(value)}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("failed to replace records: %w", err)
	}
	return res.RowsAffected()
}

func (t *table) Add(ctx context.Context, value json.RawMessage) (int64, error) {
	if !json.Valid(value) {
		return 0, errors.New("value is not valid json")
	}
	res, err := t.db.ExecContext(ctx, "INSERT INTO records (table_name, data) VALUES (?, json(?))", t.name, string(value))
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}
	return res.LastInsertId()
}

func scanRecords(rows *sql.Rows) ([]store.StoredRecord, error) {
	records := make([]store.StoredRecord, 0)
	for rows.Next() {
		var (
			record store.StoredRecord
			data   []byte
		)
		if err := rows.Scan(&record.Id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		record.Data = json.RawMessage(data)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}

type watermarks struct {
	db *sql.DB
}

func (w *watermarks) Put(ctx context.Context, watermark store.Watermark) error {
	_, err := w.db.ExecContext(ctx, "INSERT OR REPLACE INTO sync (table_name, hashsum, timestamp) VALUES (?, ?, ?)",
		watermark.TableName, watermark.Hashsum, watermark.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to put watermark: %w", err)
	}
	return nil
}

func (w *watermarks) Get(ctx context.Context, tableName string) (store.Watermark, error) {
	watermark := store.Watermark{TableName: tableName}
	err := w.db.QueryRowContext(ctx, "SELECT hashsum, timestamp FROM sync WHERE table_name = ?", tableName).
		Scan(&watermark.Hashsum, &watermark.Timestamp)
	if err == sql.ErrNoRows {
		return store.Watermark{}, fmt.Errorf("%w: %v", store.ErrWatermarkNotFound, tableName)
	}
	if err != nil {
		return store.Watermark{}, fmt.Errorf("failed to get watermark: %w", err)
	}
	return watermark, nil
}
