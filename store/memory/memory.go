// Package memory keeps the local replica in process memory. It backs
// reconciliation in contexts without a database file and is handy in tests.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/breez/partial-sync/store"
)

type document struct {
	id   int64
	data json.RawMessage
}

type MemoryLocalStorage struct {
	mu         sync.Mutex
	lastID     int64
	tables     map[string][]document
	watermarks map[string]store.Watermark
}

func NewMemoryLocalStorage() *MemoryLocalStorage {
	return &MemoryLocalStorage{
		tables:     make(map[string][]document),
		watermarks: make(map[string]store.Watermark),
	}
}

func (s *MemoryLocalStorage) Close() error {
	return nil
}

func (s *MemoryLocalStorage) CreateTable(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; !ok {
		s.tables[name] = nil
	}
	return nil
}

func (s *MemoryLocalStorage) Table(_ context.Context, name string) (store.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; !ok {
		return nil, fmt.Errorf("%w: %v", store.ErrTableNotFound, name)
	}
	return &table{storage: s, name: name}, nil
}

func (s *MemoryLocalStorage) SyncTable(_ context.Context) (store.WatermarkTable, error) {
	return &watermarks{storage: s}, nil
}

type table struct {
	storage *MemoryLocalStorage
	name    string
}

func (t *table) Name() string {
	return t.name
}

// each calls fn with the index of every document matching query.
func (t *table) each(query store.Query, fn func(i int, doc any) error) error {
	q, err := query.Normalize()
	if err != nil {
		return err
	}
	for i, d := range t.storage.tables[t.name] {
		var doc any
		if err := json.Unmarshal(d.data, &doc); err != nil {
			return fmt.Errorf("failed to decode record %v: %w", d.id, err)
		}
		if !q.Matches(doc) {
			continue
		}
		if err := fn(i, doc); err != nil {
			return err
		}
	}
	return nil
}

func (t *table) Count(ctx context.Context, query store.Query) (int64, error) {
	records, err := t.Find(ctx, query)
	return int64(len(records)), err
}

func (t *table) Find(_ context.Context, query store.Query) ([]store.StoredRecord, error) {
	t.storage.mu.Lock()
	defer t.storage.mu.Unlock()
	records := make([]store.StoredRecord, 0)
	err := t.each(query, func(i int, _ any) error {
		d := t.storage.tables[t.name][i]
		records = append(records, store.StoredRecord{Id: d.id, Data: d.data})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (t *table) Delete(_ context.Context, query store.Query) (int64, error) {
	t.storage.mu.Lock()
	defer t.storage.mu.Unlock()
	deleted := make(map[int]bool)
	if err := t.each(query, func(i int, _ any) error {
		deleted[i] = true
		return nil
	}); err != nil {
		return 0, err
	}
	kept := make([]document, 0, len(t.storage.tables[t.name])-len(deleted))
	for i, d := range t.storage.tables[t.name] {
		if !deleted[i] {
			kept = append(kept, d)
		}
	}
	t.storage.tables[t.name] = kept
	return int64(len(deleted)), nil
}

func (t *table) Modify(_ context.Context, query store.Query, patch map[string]any) (int64, error) {
	t.storage.mu.Lock()
	defer t.storage.mu.Unlock()
	docs := t.storage.tables[t.name]
	updates := make(map[int]json.RawMessage)
	err := t.each(query, func(i int, _ any) error {
		merged, changed, err := store.MergeDocument(docs[i].data, patch)
		if err != nil {
			return err
		}
		if changed {
			updates[i] = merged
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for i, data := range updates {
		docs[i].data = data
	}
	return int64(len(updates)), nil
}

func (t *table) Replace(_ context.Context, query store.Query, value json.RawMessage) (int64, error) {
	if !json.Valid(value) {
		return 0, errors.New("value is not valid json")
	}
	t.storage.mu.Lock()
	defer t.storage.mu.Unlock()
	docs := t.storage.tables[t.name]
	var replaced int64
	err := t.each(query, func(i int, _ any) error {
		docs[i].data = append(json.RawMessage(nil), value...)
		replaced++
		return nil
	})
	return replaced, err
}

func (t *table) Add(_ context.Context, value json.RawMessage) (int64, error) {
	if !json.Valid(value) {
		return 0, errors.New("value is not valid json")
	}
	t.storage.mu.Lock()
	defer t.storage.mu.Unlock()
	t.storage.lastID++
	t.storage.tables[t.name] = append(t.storage.tables[t.name], document{
		id:   t.storage.lastID,
		data: append(json.RawMessage(nil), value...),
	})
	return t.storage.lastID, nil
}

type watermarks struct {
	storage *MemoryLocalStorage
}

func (w *watermarks) Put(_ context.Context, watermark store.Watermark) error {
	w.storage.mu.Lock()
	defer w.storage.mu.Unlock()
	w.storage.watermarks[watermark.TableName] = watermark
	return nil
}

func (w *watermarks) Get(_ context.Context, tableName string) (store.Watermark, error) {
	w.storage.mu.Lock()
	defer w.storage.mu.Unlock()
	watermark, ok := w.storage.watermarks[tableName]
	if !ok {
		return store.Watermark{}, fmt.Errorf("%w: %v", store.ErrWatermarkNotFound, tableName)
	}
	return watermark, nil
}
