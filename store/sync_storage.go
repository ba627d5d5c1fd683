package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrTableNotFound     = errors.New("table not found")
	ErrWatermarkNotFound = errors.New("watermark not found")
	ErrInvalidQuery      = errors.New("invalid query")
)

// SyncTableName is the name of the collection holding one watermark per resource.
const SyncTableName = "sync"

type StoredRecord struct {
	Id   int64
	Data json.RawMessage
}

// Watermark is the last synchronized content hash of a resource.
type Watermark struct {
	TableName string `json:"table_name"`
	Hashsum   string `json:"hashsum"`
	Timestamp int64  `json:"timestamp"`
}

// Table is a named collection of JSON documents in the local replica.
type Table interface {
	Name() string
	Count(ctx context.Context, query Query) (int64, error)
	Find(ctx context.Context, query Query) ([]StoredRecord, error)
	Delete(ctx context.Context, query Query) (int64, error)
	// Modify shallow-merges patch into every record matching query.
	Modify(ctx context.Context, query Query, patch map[string]any) (int64, error)
	// Replace overwrites the value of every record matching query.
	Replace(ctx context.Context, query Query, value json.RawMessage) (int64, error)
	Add(ctx context.Context, value json.RawMessage) (int64, error)
}

type WatermarkTable interface {
	Put(ctx context.Context, watermark Watermark) error
	Get(ctx context.Context, tableName string) (Watermark, error)
}

type LocalStorage interface {
	// Table returns ErrTableNotFound when name was never registered.
	Table(ctx context.Context, name string) (Table, error)
	SyncTable(ctx context.Context) (WatermarkTable, error)
	CreateTable(ctx context.Context, name string) error
	Close() error
}
