package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type StoreTest struct{}

func (s *StoreTest) newTable(t *testing.T, storage LocalStorage) Table {
	name := "t_" + uuid.New().String()
	require.NoError(t, storage.CreateTable(context.Background(), name), "failed to create table")
	table, err := storage.Table(context.Background(), name)
	require.NoError(t, err, "failed to look up table")
	require.Equal(t, name, table.Name())
	return table
}

func (s *StoreTest) TestTableLookup(t *testing.T, storage LocalStorage) {
	_, err := storage.Table(context.Background(), "missing_"+uuid.New().String())
	require.ErrorIs(t, err, ErrTableNotFound)

	name := "t_" + uuid.New().String()
	require.NoError(t, storage.CreateTable(context.Background(), name))
	require.NoError(t, storage.CreateTable(context.Background(), name), "CreateTable should be idempotent")
	table, err := storage.Table(context.Background(), name)
	require.NoError(t, err)
	require.Equal(t, name, table.Name())
}

func (s *StoreTest) TestCountAndDelete(t *testing.T, storage LocalStorage) {
	ctx := context.Background()
	table := s.newTable(t, storage)
	other := s.newTable(t, storage)

	for _, doc := range []string{`{"id":1,"kind":"a"}`, `{"id":2,"kind":"a"}`, `{"id":3,"kind":"b"}`} {
		_, err := table.Add(ctx, json.RawMessage(doc))
		require.NoError(t, err, "failed to add %v", doc)
	}
	_, err := other.Add(ctx, json.RawMessage(`{"id":1,"kind":"a"}`))
	require.NoError(t, err)

	count, err := table.Count(ctx, Query{"kind": "a"})
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	count, err = table.Count(ctx, Query{})
	require.NoError(t, err)
	require.Equal(t, int64(3), count)

	count, err = table.Count(ctx, Query{"id": 3, "kind": "b"})
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	deleted, err := table.Delete(ctx, Query{"kind": "a"})
	require.NoError(t, err)
	require.Equal(t, int64(2), deleted)

	deleted, err = table.Delete(ctx, Query{"kind": "zz"})
	require.NoError(t, err)
	require.Equal(t, int64(0), deleted)

	count, err = table.Count(ctx, Query{})
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	count, err = other.Count(ctx, Query{"kind": "a"})
	require.NoError(t, err)
	require.Equal(t, int64(1), count, "delete must not leak into other tables")
}

func (s *StoreTest) TestModify(t *testing.T, storage LocalStorage) {
	ctx := context.Background()
	table := s.newTable(t, storage)
	_, err := table.Add(ctx, json.RawMessage(`{"id":1,"title":"old","body":"b"}`))
	require.NoError(t, err)
	_, err = table.Add(ctx, json.RawMessage(`{"id":2,"title":"untouched"}`))
	require.NoError(t, err)

	modified, err := table.Modify(ctx, Query{"id": 1}, map[string]any{"title": "new"})
	require.NoError(t, err)
	require.Equal(t, int64(1), modified)

	records, err := table.Find(ctx, Query{"id": 1})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.JSONEq(t, `{"id":1,"title":"new","body":"b"}`, string(records[0].Data))

	records, err = table.Find(ctx, Query{"id": 2})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.JSONEq(t, `{"id":2,"title":"untouched"}`, string(records[0].Data))

	modified, err = table.Modify(ctx, Query{"id": 9}, map[string]any{"title": "new"})
	require.NoError(t, err)
	require.Equal(t, int64(0), modified)

	modified, err = table.Modify(ctx, Query{"id": 1}, map[string]any{"title": "new"})
	require.NoError(t, err)
	require.Equal(t, int64(0), modified, "a patch that changes nothing modifies no record")
	modified, err = table.Modify(ctx, Query{}, map[string]any{})
	require.NoError(t, err)
	require.Equal(t, int64(0), modified)
}

func (s *StoreTest) TestReplace(t *testing.T, storage LocalStorage) {
	ctx := context.Background()
	table := s.newTable(t, storage)
	_, err := table.Add(ctx, json.RawMessage(`{"id":1,"title":"old","body":"b"}`))
	require.NoError(t, err)

	replaced, err := table.Replace(ctx, Query{"id": 1}, json.RawMessage(`{"id":1,"title":"new"}`))
	require.NoError(t, err)
	require.Equal(t, int64(1), replaced)

	records, err := table.Find(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.JSONEq(t, `{"id":1,"title":"new"}`, string(records[0].Data))
}

func (s *StoreTest) TestAdd(t *testing.T, storage LocalStorage) {
	ctx := context.Background()
	table := s.newTable(t, storage)

	id, err := table.Add(ctx, json.RawMessage(`{"id":7,"title":"x"}`))
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	records, err := table.Find(ctx, Query{"title": "x"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, id, records[0].Id)
	require.JSONEq(t, `{"id":7,"title":"x"}`, string(records[0].Data))
}

func (s *StoreTest) TestInvalidQuery(t *testing.T, storage LocalStorage) {
	table := s.newTable(t, storage)
	_, err := table.Count(context.Background(), Query{"tags": []any{"a"}})
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func (s *StoreTest) TestWatermarks(t *testing.T, storage LocalStorage) {
	ctx := context.Background()
	syncTable, err := storage.SyncTable(ctx)
	require.NoError(t, err, "failed to look up sync table")

	tableName := "t_" + uuid.New().String()
	_, err = syncTable.Get(ctx, tableName)
	require.ErrorIs(t, err, ErrWatermarkNotFound)

	require.NoError(t, syncTable.Put(ctx, Watermark{TableName: tableName, Hashsum: "abc", Timestamp: 1}))
	require.NoError(t, syncTable.Put(ctx, Watermark{TableName: tableName, Hashsum: "def", Timestamp: 2}))

	watermark, err := syncTable.Get(ctx, tableName)
	require.NoError(t, err)
	require.Equal(t, Watermark{TableName: tableName, Hashsum: "def", Timestamp: 2}, watermark)
}

func (s *StoreTest) RunAll(t *testing.T, storage LocalStorage) {
	t.Run("TableLookup", func(t *testing.T) { s.TestTableLookup(t, storage) })
	t.Run("CountAndDelete", func(t *testing.T) { s.TestCountAndDelete(t, storage) })
	t.Run("Modify", func(t *testing.T) { s.TestModify(t, storage) })
	t.Run("Replace", func(t *testing.T) { s.TestReplace(t, storage) })
	t.Run("Add", func(t *testing.T) { s.TestAdd(t, storage) })
	t.Run("InvalidQuery", func(t *testing.T) { s.TestInvalidQuery(t, storage) })
	t.Run("Watermarks", func(t *testing.T) { s.TestWatermarks(t, storage) })
}
