package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/breez/partial-sync/config"
	"github.com/breez/partial-sync/middleware"
	"github.com/breez/partial-sync/reconcile"
	"github.com/breez/partial-sync/store"
	"github.com/breez/partial-sync/store/memory"
	"github.com/breez/partial-sync/store/sqlite"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type testCase struct {
	name         string
	notification reconcile.ChangeNotification
	status       int
}

// newSyncServer serves the authoritative data the reconciler fetches.
func newSyncServer(t *testing.T) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":5,"title":"x"}`)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestIntakeServer(t *testing.T, cfg *config.Config) (*httptest.Server, *memory.MemoryLocalStorage) {
	storage := memory.NewMemoryLocalStorage()
	for _, name := range []string{"posts", "comments"} {
		require.NoError(t, storage.CreateTable(context.Background(), name))
	}
	posts, err := storage.Table(context.Background(), "posts")
	require.NoError(t, err)
	_, err = posts.Add(context.Background(), json.RawMessage(`{"id":5,"title":"old"}`))
	require.NoError(t, err)

	fetcher, err := reconcile.NewHTTPFetcher(newSyncServer(t).URL, nil)
	require.NoError(t, err)

	quitChan := make(chan struct{})
	t.Cleanup(func() { close(quitChan) })
	intakeServer := NewIntakeServer(cfg, storage, fetcher, zerolog.Nop())
	intakeServer.Start(quitChan)

	server := httptest.NewServer(intakeServer.Handler())
	t.Cleanup(server.Close)
	return server, storage
}

func postNotification(t *testing.T, url string, n reconcile.ChangeNotification, signature string) *http.Response {
	body, err := json.Marshal(n)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url+"/notify", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Authorization", "Signature "+signature)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestNotifyStreamsChanges(t *testing.T) {
	server, storage := newTestIntakeServer(t, &config.Config{CorsAllowedOrigins: "*"})

	stream, err := http.Get(server.URL + "/changes?resources=posts")
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)

	resp := postNotification(t, server.URL, reconcile.ChangeNotification{
		Tables:   "posts,comments",
		Query:    store.Query{"id": 5},
		Hashsum:  "abc",
		Op:       "update",
		OrigOp:   reconcile.OpPatch,
		DeviceID: "device-1",
		Path:     "/api/posts",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	line, err := bufio.NewReader(stream.Body).ReadBytes('\n')
	require.NoError(t, err)
	var record reconcile.ChangeRecord
	require.NoError(t, json.Unmarshal(line, &record))
	require.Equal(t, "posts", record.Resource)
	require.Equal(t, reconcile.OpPatch, record.Op)
	require.Equal(t, "device-1", record.DeviceID)
	require.JSONEq(t, `{"id":5,"title":"x"}`, string(record.Payload))

	syncTable, err := storage.SyncTable(context.Background())
	require.NoError(t, err)
	watermark, err := syncTable.Get(context.Background(), "posts")
	require.NoError(t, err)
	require.Equal(t, "abc", watermark.Hashsum)
	_, err = syncTable.Get(context.Background(), "comments")
	require.ErrorIs(t, err, store.ErrWatermarkNotFound)

	metrics, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	exposition, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	require.Contains(t, string(exposition), `partial_sync_resources_total{outcome="applied",resource="posts"} 1`)
	require.Contains(t, string(exposition), `partial_sync_resources_total{outcome="absent",resource="comments"} 1`)
}

func TestNotifyStatuses(t *testing.T) {
	notifier, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	server, _ := newTestIntakeServer(t, &config.Config{
		CorsAllowedOrigins: "*",
		NotifierPubkey:     &config.PublicKey{Raw: notifier.PubKey()},
	})

	for _, tc := range []testCase{
		{
			name:         "unknown table rejects the batch",
			notification: reconcile.ChangeNotification{Tables: "posts,missing", Query: store.Query{"id": 5}, OrigOp: reconcile.OpDelete},
			status:       http.StatusNotFound,
		},
		{
			name:         "absent records are skipped",
			notification: reconcile.ChangeNotification{Tables: "comments", Query: store.Query{"id": 5}, OrigOp: reconcile.OpDelete},
			status:       http.StatusOK,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			toSign, err := middleware.NotificationMessage(&tc.notification)
			require.NoError(t, err)
			signature, err := middleware.SignMessage(notifier, []byte(toSign))
			require.NoError(t, err)
			resp := postNotification(t, server.URL, tc.notification, signature)
			require.Equal(t, tc.status, resp.StatusCode)
		})
	}

	resp := postNotification(t, server.URL, reconcile.ChangeNotification{Tables: "posts", OrigOp: reconcile.OpDelete}, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	badBody, err := http.Post(server.URL+"/notify", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer badBody.Body.Close()
	require.Equal(t, http.StatusBadRequest, badBody.StatusCode)

	oversized := `{"tables":"posts","path":"` + strings.Repeat("a", maxNotificationSize) + `"}`
	tooLarge, err := http.Post(server.URL+"/notify", "application/json", strings.NewReader(oversized))
	require.NoError(t, err)
	defer tooLarge.Body.Close()
	require.Equal(t, http.StatusRequestEntityTooLarge, tooLarge.StatusCode)
}

func TestSubscriptionReceivesEachChangeOnce(t *testing.T) {
	quitChan := make(chan struct{})
	defer close(quitChan)
	manager := newEventsManager(zerolog.Nop())
	manager.start(quitChan)

	for _, resources := range [][]string{{"posts", "posts"}, {"posts", "*"}} {
		s := manager.subscribe(resources)
		require.NoError(t, manager.Commit(context.Background(), reconcile.ChangeRecord{Resource: "posts", Op: reconcile.OpPatch}))
		require.NoError(t, manager.Commit(context.Background(), reconcile.ChangeRecord{Resource: "posts", Op: reconcile.OpDelete}))

		first := <-s.eventsChan
		require.Equal(t, reconcile.OpPatch, first.record.Op)
		second := <-s.eventsChan
		require.Equal(t, reconcile.OpDelete, second.record.Op, "resources %v", resources)
		manager.unsubscribe(s)
	}

	require.Equal(t, []string{"*"}, uniqueResources(nil))
	require.Equal(t, []string{"posts", "comments"}, uniqueResources([]string{"posts", "comments", "posts"}))
}

func TestApplyCommand(t *testing.T) {
	dsn := fmt.Sprintf("file:%v?mode=memory&cache=shared", uuid.New().String())
	storage, err := sqlite.NewSQLiteLocalStorage(dsn)
	require.NoError(t, err)
	defer storage.Close()
	require.NoError(t, storage.CreateTable(context.Background(), "posts"))
	posts, err := storage.Table(context.Background(), "posts")
	require.NoError(t, err)
	_, err = posts.Add(context.Background(), json.RawMessage(`{"id":5,"title":"old"}`))
	require.NoError(t, err)

	t.Setenv("LOCAL_DATABASE", dsn)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("RESOURCE_TABLES", "posts,comments")
	t.Setenv("SYNC_SERVER_URL", newSyncServer(t).URL)
	t.Setenv("LOG_OUTPUT", "discard")

	notificationFile := filepath.Join(t.TempDir(), "notification.json")
	require.NoError(t, os.WriteFile(notificationFile, []byte(`{"tables":"posts,comments","query":{"id":5},"hashsum":"abc","op":"update","orig_op":"put","deviceID":"device-1","path":"/api/posts"}`), 0o600))

	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"apply", notificationFile})
	require.NoError(t, root.Execute())

	var record reconcile.ChangeRecord
	require.NoError(t, json.Unmarshal(out.Bytes(), &record))
	require.Equal(t, "posts", record.Resource)
	require.Equal(t, reconcile.OpPut, record.Op)
	require.Equal(t, 1, strings.Count(out.String(), "\n"))

	records, err := posts.Find(context.Background(), store.Query{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.JSONEq(t, `{"id":5,"title":"x"}`, string(records[0].Data))

	comments, err := storage.Table(context.Background(), "comments")
	require.NoError(t, err, "apply registers RESOURCE_TABLES")
	require.Equal(t, "comments", comments.Name())
}
