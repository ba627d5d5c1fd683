package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/breez/partial-sync/store"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type PgLocalStorage struct {
	db *pgxpool.Pool
}

func NewPGLocalStorage(databaseURL string) (*PgLocalStorage, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database %w", err)
	}
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}

	m, err := migrate.NewWithInstance(
		"iofs", migrationDriver,
		"partial-sync", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}

	pgxPool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New(%v): %w", databaseURL, err)
	}
	return &PgLocalStorage{db: pgxPool}, nil
}

func (s *PgLocalStorage) Close() error {
	s.db.Close()
	return nil
}

func (s *PgLocalStorage) CreateTable(ctx context.Context, name string) error {
	if _, err := s.db.Exec(ctx, "INSERT INTO resource_tables (name) VALUES ($1) ON CONFLICT (name) DO NOTHING", name); err != nil {
		return fmt.Errorf("failed to create table %v: %w", name, err)
	}
	return nil
}

func (s *PgLocalStorage) Table(ctx context.Context, name string) (store.Table, error) {
	var found string
	err := s.db.QueryRow(ctx, "SELECT name FROM resource_tables WHERE name = $1", name).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", store.ErrTableNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up table %v: %w", name, err)
	}
	return &table{db: s.db, name: found}, nil
}

func (s *PgLocalStorage) SyncTable(ctx context.Context) (store.WatermarkTable, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", store.SyncTableName).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to look up sync table: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %v", store.ErrTableNotFound, store.SyncTableName)
	}
	return &watermarks{db: s.db}, nil
}

type table struct {
	db   *pgxpool.Pool
	name string
}

func (t *table) Name() string {
	return t.name
}

// filter returns the containment document for query; for scalar values
// jsonb containment is field equality.
func filter(query store.Query) (string, error) {
	q, err := query.Normalize()
	if err != nil {
		return "", err
	}
	containment := make(map[string]any, len(q))
	for k, v := range q {
		if v != nil {
			containment[k] = v
		}
	}
	raw, err := json.Marshal(containment)
	if err != nil {
		return "", fmt.Errorf("%w: %v", store.ErrInvalidQuery, err)
	}
	return string(raw), nil
}

// nullFields lists the query keys that must be absent or null.
func nullFields(query store.Query) []string {
	fields := make([]string, 0)
	for _, k := range query.Keys() {
		if query[k] == nil {
			fields = append(fields, k)
		}
	}
	return fields
}

const matchClause = "table_name = $1 AND data @> $2::jsonb AND NOT EXISTS (SELECT 1 FROM unnest($3::text[]) AS f WHERE jsonb_typeof(data -> f) IS DISTINCT FROM 'null' AND data ? f)"

func (t *table) matchArgs(query store.Query) ([]any, error) {
	containment, err := filter(query)
	if err != nil {
		return nil, err
	}
	return []any{t.name, containment, nullFields(query)}, nil
}

func (t *table) Count(ctx context.Context, query store.Query) (int64, error) {
	args, err := t.matchArgs(query)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := t.db.QueryRow(ctx, "SELECT COUNT(*) FROM records WHERE "+matchClause, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

func (t *table) Find(ctx context.Context, query store.Query) ([]store.StoredRecord, error) {
	args, err := t.matchArgs(query)
	if err != nil {
		return nil, err
	}
	rows, err := t.db.Query(ctx, "SELECT id, data FROM records WHERE "+matchClause+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (t *table) Delete(ctx context.Context, query store.Query) (int64, error) {
	args, err := t.matchArgs(query)
	if err != nil {
		return 0, err
	}
	tag, err := t.db.Exec(ctx, "DELETE FROM records WHERE "+matchClause, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *table) Modify(ctx context.Context, query store.Query, patch map[string]any) (int64, error) {
	args, err := t.matchArgs(query)
	if err != nil {
		return 0, err
	}

	tx, err := t.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.Background())

	rows, err := tx.Query(ctx, "SELECT id, data FROM records WHERE "+matchClause+" FOR UPDATE", args...)
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
		if _, err := tx.Exec(ctx, "UPDATE records SET data = $1::jsonb WHERE id = $2", string(merged), record.Id); err != nil {
			return 0, fmt.Errorf("failed to update record: %w", err)
		}
		modified++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return modified, nil
}

func (t *table) Replace(ctx context.Context, query store.Query, value json.RawMessage) (int64, error) {
	if !json.Valid(value) {
		return 0, errors.New("value is not valid json")
	}
	args, err := t.matchArgs(query)
	if err != nil {
		return 0, err
	}
	tag, err := t.db.Exec(ctx, "UPDATE records SET data = $4::jsonb WHERE "+matchClause, append(args, string(value))...)
	if err != nil {
		return 0, fmt.Errorf("failed to replace records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *table) Add(ctx context.Context, value json.RawMessage) (int64, error) {
	if !json.Valid(value) {
		return 0, errors.New("value is not valid json")
	}
	var id int64
	err := t.db.QueryRow(ctx, "INSERT INTO records (table_name, data) VALUES ($1, $2::jsonb) RETURNING id", t.name, string(value)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}
	return id, nil
}

func scanRecords(rows pgx.Rows) ([]store.StoredRecord, error) {
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
	db *pgxpool.Pool
}

func (w *watermarks) Put(ctx context.Context, watermark store.Watermark) error {
	_, err := w.db.Exec(ctx, "INSERT INTO sync (table_name, hashsum, timestamp) VALUES ($1, $2, $3) ON CONFLICT (table_name) DO UPDATE SET hashsum=EXCLUDED.hashsum, timestamp=EXCLUDED.timestamp",
		watermark.TableName, watermark.Hashsum, watermark.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to put watermark: %w", err)
	}
	return nil
}

func (w *watermarks) Get(ctx context.Context, tableName string) (store.Watermark, error) {
	watermark := store.Watermark{TableName: tableName}
	err := w.db.QueryRow(ctx, "SELECT hashsum, timestamp FROM sync WHERE table_name = $1", tableName).
		Scan(&watermark.Hashsum, &watermark.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Watermark{}, fmt.Errorf("%w: %v", store.ErrWatermarkNotFound, tableName)
	}
	if err != nil {
		return store.Watermark{}, fmt.Errorf("failed to get watermark: %w", err)
	}
	return watermark, nil
}
