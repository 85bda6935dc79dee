package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/pipetimer/internal/activity"
	"github.com/aatumaykin/pipetimer/internal/ipc"
	"github.com/aatumaykin/pipetimer/internal/schedule"
)

func newTestServer(t *testing.T, started bool) (*Server, *activity.Store) {
	t.Helper()
	store, err := activity.Open(filepath.Join(t.TempDir(), "activity.db"), activity.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "pt_test_total", Help: "Test counter"})
	reg.MustRegister(c)
	c.Add(3)

	next := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	srv := New(Options{
		Gatherer: reg,
		Status: func() *ipc.StatusReply {
			return &ipc.StatusReply{PID: 42, Instance: "abc", Scheduler: schedule.Status{Started: started}}
		},
		Upcoming: func(n int) []time.Time {
			out := make([]time.Time, n)
			for i := range out {
				out[i] = next.Add(time.Duration(i) * time.Hour)
			}
			return out
		},
		Events: store,
	})
	return srv, store
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestServer_Routes(t *testing.T) {
	srv, _ := newTestServer(t, true)

	tests := []struct {
		name     string
		target   string
		wantCode int
		contains string
	}{
		{"metrics", "/metrics", http.StatusOK, "pt_test_total 3"},
		{"health", "/healthz", http.StatusOK, "ok"},
		{"status", "/status", http.StatusOK, `"instance":"abc"`},
		{"timers default", "/timers", http.StatusOK, "2026-05-01T12:00:00Z"},
		{"timers invalid", "/timers?n=zero", http.StatusBadRequest, "positive integer"},
		{"unknown run", "/runs/9/events", http.StatusNotFound, "run not found"},
		{"bad run id", "/runs/abc/events", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, srv.Handler(), tt.target)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.contains)
		})
	}
}

func TestServer_Timers(t *testing.T) {
	srv, _ := newTestServer(t, true)

	rec := get(t, srv.Handler(), "/timers?n=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var times []time.Time
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &times))
	require.Len(t, times, 2)
	assert.Equal(t, time.Hour, times[1].Sub(times[0]))
}

func TestServer_HealthBeforeStart(t *testing.T) {
	srv, _ := newTestServer(t, false)

	rec := get(t, srv.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_RunEvents(t *testing.T) {
	srv, store := newTestServer(t, true)

	require.NoError(t, store.Append(activity.Event{Source: activity.SourceJob, Kind: activity.KindRunStart, RunID: 5, Message: "job run 5 started"}))
	require.NoError(t, store.Append(activity.Event{Source: activity.SourceJob, Kind: activity.KindRunEnd, RunID: 5, Message: "job run 5 succeeded"}))
	require.NoError(t, store.Append(activity.Event{Source: activity.SourceJob, Kind: activity.KindRunStart, RunID: 6, Message: "job run 6 started"}))
	require.NoError(t, store.Flush(context.Background()))

	rec := get(t, srv.Handler(), "/runs/5/events")
	require.Equal(t, http.StatusOK, rec.Code)

	var events []activity.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, activity.KindRunStart, events[0].Kind)
	assert.Equal(t, activity.KindRunEnd, events[1].Kind)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	srv, _ := newTestServer(t, true)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))

	cancel()
	require.NoError(t, <-done)
}
