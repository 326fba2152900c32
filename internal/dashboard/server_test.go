package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	gosync "sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cashpoint/posync/internal/schema"
	"github.com/cashpoint/posync/internal/store/outbox"
	"github.com/cashpoint/posync/internal/sync"
)

type fakeStatus struct {
	mu        gosync.Mutex
	current   sync.Status
	observers []func(sync.Status)
}

func (f *fakeStatus) Status() sync.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeStatus) Observe(fn func(sync.Status)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, fn)
}

func (f *fakeStatus) emit(st sync.Status) {
	f.mu.Lock()
	f.current = st
	observers := append([]func(sync.Status){}, f.observers...)
	f.mu.Unlock()
	for _, fn := range observers {
		fn(st)
	}
}

type fakeQueue struct {
	stats outbox.Stats
	err   error
}

func (q *fakeQueue) Stats(context.Context) (outbox.Stats, error) {
	return q.stats, q.err
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestServer(t *testing.T, queue *fakeQueue) (*Server, *fakeStatus) {
	t.Helper()
	status := &fakeStatus{current: sync.Status{Online: true, Pending: 2}}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "posd_test_total", Help: "test"}))

	s := NewServer(Config{Addr: "127.0.0.1:0", Gatherer: reg, Logger: discard}, status, queue)
	return s, status
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestServerStartStop(t *testing.T) {
	s, _ := newTestServer(t, &fakeQueue{})
	require.NoError(t, s.Start())
	assert.NotEqual(t, "127.0.0.1:0", s.Addr())
	require.NoError(t, s.Stop())
}

func TestRun_StopsWithContext(t *testing.T) {
	s, _ := newTestServer(t, &fakeQueue{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestWebSocket_StatusStream(t *testing.T) {
	queue := &fakeQueue{stats: outbox.Stats{
		Total:  1,
		ByType: map[schema.EntityType]int{schema.EntityOrder: 1},
	}}
	s, status := newTestServer(t, queue)
	require.NoError(t, s.Start())
	defer s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	welcome := readMessage(t, ctx, conn)
	assert.Equal(t, MessageTypeSyncStatus, welcome.Type)
	var st sync.Status
	require.NoError(t, json.Unmarshal(welcome.Data, &st))
	assert.True(t, st.Online)
	assert.Equal(t, 2, st.Pending)

	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	finished := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	status.emit(sync.Status{Online: true, IsSyncing: true})
	status.emit(sync.Status{Online: true, Pending: 1, LastSyncAt: &finished})

	got := map[MessageType]Message{}
	for len(got) < 3 {
		msg := readMessage(t, ctx, conn)
		got[msg.Type] = msg
	}

	var done SyncCompleteData
	require.NoError(t, json.Unmarshal(got[MessageTypeSyncComplete].Data, &done))
	require.NotNil(t, done.LastSyncAt)
	assert.True(t, finished.Equal(*done.LastSyncAt))
	assert.Equal(t, 1, done.Pending)

	var stats outbox.Stats
	require.NoError(t, json.Unmarshal(got[MessageTypeOutboxStats].Data, &stats))
	assert.Equal(t, 1, stats.ByType[schema.EntityOrder])
}

func TestOnStatus_CompleteOnlyAfterAPass(t *testing.T) {
	s, status := newTestServer(t, &fakeQueue{})
	finished := time.Now()

	// no pass was running: a connectivity flip is not a completion
	status.emit(sync.Status{LastSyncAt: &finished})
	status.emit(sync.Status{IsSyncing: true})
	status.emit(sync.Status{Error: &sync.SyncError{Kind: sync.ErrorNetwork, Message: "timeout"}, LastSyncAt: &finished})

	var types []MessageType
	for len(s.broadcast) > 0 {
		types = append(types, (<-s.broadcast).Type)
	}
	assert.Equal(t, []MessageType{MessageTypeSyncStatus, MessageTypeSyncStatus, MessageTypeSyncStatus}, types)
}

func TestHTTPEndpoints(t *testing.T) {
	queue := &fakeQueue{stats: outbox.Stats{Total: 3, ByType: map[schema.EntityType]int{schema.EntityShift: 3}}}
	s, _ := newTestServer(t, queue)
	h := s.Handler()

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, true, body["online"])
	})

	t.Run("status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Sync   sync.Status  `json:"sync"`
			Outbox outbox.Stats `json:"outbox"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 2, body.Sync.Pending)
		assert.Equal(t, 3, body.Outbox.ByType[schema.EntityShift])
	})

	t.Run("status storage failure", func(t *testing.T) {
		queue.err = errors.New("database is locked")
		defer func() { queue.err = nil }()

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "posd_test_total")
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
