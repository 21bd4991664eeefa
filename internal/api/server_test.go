package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/scanq/internal/auth"
	"github.com/mattjoyce/scanq/internal/catalog"
	"github.com/mattjoyce/scanq/internal/events"
	"github.com/mattjoyce/scanq/internal/log"
	"github.com/mattjoyce/scanq/internal/queue"
	"github.com/mattjoyce/scanq/internal/scheduler"
	"github.com/mattjoyce/scanq/internal/storage"
)

const (
	adminKey  = "admin-key"
	readToken = "read-token"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type fakeCanceller struct {
	store queue.Store
	err   error
	calls []string
}

func (f *fakeCanceller) Cancel(ctx context.Context, report string) (*queue.Entry, error) {
	f.calls = append(f.calls, report)
	e, err := f.store.Get(ctx, report)
	if err != nil {
		return nil, err
	}
	if err := f.store.Remove(ctx, report); err != nil {
		return nil, err
	}
	return e, f.err
}

type harness struct {
	store    *queue.SQLiteStore
	canceler *fakeCanceller
	settings *scheduler.Settings
	hub      *events.Hub
	handler  http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "scanq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	settings, err := scheduler.NewSettings(true, 3, 0)
	require.NoError(t, err)

	h := &harness{
		store:    queue.NewSQLite(db),
		settings: settings,
		hub:      events.NewHub(16),
	}
	h.canceler = &fakeCanceller{store: h.store}

	srv := New(Config{
		APIKey: adminKey,
		Tokens: []auth.TokenConfig{{Token: readToken, Scopes: []string{auth.ScopeQueueRead}}},
	}, Deps{
		Store:     h.store,
		Catalog:   catalog.NewSQLite(db),
		Canceller: h.canceler,
		Settings:  settings,
		Events:    h.hub,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("scanq_ticks_total 0\n"))
		}),
	}, log.Discard())
	h.handler = srv.Handler()
	return h
}

func (h *harness) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Enqueue(context.Background(), "r1", queue.StartFromBeginning))

	rec := h.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthzResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.QueueLength)
	assert.True(t, resp.Enabled)
}

func TestMetricsMounted(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scanq_ticks_total")
}

func TestAuth(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		want   int
	}{
		{"missing token", http.MethodGet, "/queue", "", "", http.StatusUnauthorized},
		{"unknown token", http.MethodGet, "/queue", "nope", "", http.StatusUnauthorized},
		{"read token can list", http.MethodGet, "/queue", readToken, "", http.StatusOK},
		{"read token cannot enqueue", http.MethodPost, "/queue", readToken, `{"report":"r1"}`, http.StatusForbidden},
		{"read token cannot clear", http.MethodDelete, "/queue", readToken, "", http.StatusForbidden},
		{"read token cannot change settings", http.MethodPut, "/settings", readToken, `{"enabled":false}`, http.StatusForbidden},
		{"admin key can enqueue", http.MethodPost, "/queue", adminKey, `{"report":"r1"}`, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.want, rec.Code, "body: %s", rec.Body.String())
		})
	}
}

func TestEnqueueAndList(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/queue", adminKey, `{"report":"r1","task":"t1","owner":"alice","start_from":"stopped"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[Entry](t, rec)
	assert.Equal(t, "r1", created.Report)
	assert.Equal(t, "t1", created.Task)
	assert.Equal(t, "alice", created.Owner)
	assert.Equal(t, "stopped", created.StartFrom)
	assert.Equal(t, 0, created.HandlerPID)

	rec = h.do(t, http.MethodPost, "/queue", adminKey, `{}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	generated := decode[Entry](t, rec)
	assert.Len(t, generated.Report, 36, "missing report gets a UUID")

	rec = h.do(t, http.MethodGet, "/queue", readToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[QueueResponse](t, rec)
	assert.Equal(t, 2, list.Length)
	require.Len(t, list.Entries, 2)
	assert.Equal(t, "r1", list.Entries[0].Report)
	assert.Equal(t, generated.Report, list.Entries[1].Report)

	rec = h.do(t, http.MethodGet, "/queue?limit=1", readToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list = decode[QueueResponse](t, rec)
	assert.Len(t, list.Entries, 1)
	assert.Equal(t, 2, list.Length)

	rec = h.do(t, http.MethodGet, "/queue/length", readToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[LengthResponse](t, rec).Length)

	rec = h.do(t, http.MethodGet, "/queue/r1", readToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", decode[Entry](t, rec).Owner)
}

func TestEnqueueErrors(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/queue", adminKey, `{"report":"r1"}`).Code)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"duplicate", `{"report":"r1"}`, http.StatusConflict},
		{"bad start_from", `{"report":"r2","start_from":"middle"}`, http.StatusBadRequest},
		{"malformed", `{"report":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/queue", adminKey, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}

	rec := h.do(t, http.MethodGet, "/queue?limit=x", readToken, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Enqueue(ctx, "r1", queue.StartFromBeginning))
	require.NoError(t, h.store.SetHandlerPID(ctx, "r1", 4321))

	rec := h.do(t, http.MethodDelete, "/queue/r1", adminKey, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[CancelResponse](t, rec)
	assert.Equal(t, "r1", resp.Report)
	assert.Equal(t, 4321, resp.HandlerPID)
	assert.Equal(t, []string{"r1"}, h.canceler.calls)

	rec = h.do(t, http.MethodDelete, "/queue/r1", adminKey, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelHandlerSurvives(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Enqueue(context.Background(), "r1", queue.StartFromBeginning))
	h.canceler.err = errors.New("terminate pid 99: still alive")

	rec := h.do(t, http.MethodDelete, "/queue/r1", adminKey, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "still alive")
}

func TestRequeueAndClear(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, r := range []string{"r1", "r2"} {
		require.NoError(t, h.store.Enqueue(ctx, r, queue.StartFromBeginning))
	}

	rec := h.do(t, http.MethodPost, "/queue/r1/requeue", adminKey, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[Entry](t, rec).Requeues)

	list := decode[QueueResponse](t, h.do(t, http.MethodGet, "/queue", adminKey, ""))
	require.Len(t, list.Entries, 2)
	assert.Equal(t, "r2", list.Entries[0].Report)
	assert.Equal(t, "r1", list.Entries[1].Report)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/queue/nope/requeue", adminKey, "").Code)

	rec = h.do(t, http.MethodDelete, "/queue", adminKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[ClearResponse](t, rec).Removed)
	n, err := h.store.Length(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSettings(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.hub.Subscribe()
	defer cancel()

	rec := h.do(t, http.MethodGet, "/settings", readToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, scheduler.SettingsSnapshot{Enabled: true, Ceiling: 3}, decode[scheduler.SettingsSnapshot](t, rec))

	rec = h.do(t, http.MethodPut, "/settings", adminKey, `{"enabled":false,"active_time_seconds":30}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[scheduler.SettingsSnapshot](t, rec)
	assert.False(t, got.Enabled)
	assert.Equal(t, 3, got.Ceiling)
	assert.Equal(t, 30.0, got.ActiveTimeSeconds)
	assert.False(t, h.settings.Enabled())
	assert.Equal(t, 30*time.Second, h.settings.ActiveTime())

	select {
	case ev := <-ch:
		assert.Equal(t, events.SettingsChanged, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected settings.changed event")
	}

	rec = h.do(t, http.MethodPut, "/settings", adminKey, `{"ceiling":-1,"enabled":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, h.settings.Enabled(), "rejected patch must not apply partially")
}

func TestEventsReplaysSinceLastID(t *testing.T) {
	h := newHarness(t)
	h.hub.Publish(events.ScanLaunched, events.Scan{Report: "r1", PID: 10})
	h.hub.Publish(events.ScanRequeued, events.Scan{Report: "r2", Reason: "stale"})

	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+readToken)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	assert.Equal(t, []string{
		"id: 2",
		"event: scan.requeued",
		`data: {"report":"r2","reason":"stale"}`,
	}, lines)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}
