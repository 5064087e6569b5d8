package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"bus-tracker/internal/transit"
)

type fakeStatus struct {
	snap transit.Snapshot
	ok   bool
}

func (f *fakeStatus) Latest() (transit.Snapshot, bool) { return f.snap, f.ok }

func newTestAPI(t *testing.T, status StatusSource) http.Handler {
	t.Helper()
	api := New(Config{SpeedMps: 50}, zaptest.NewLogger(t), transit.DefaultRoute(), status, NewHub(zaptest.NewLogger(t), nil),
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }))
	return api.Handler()
}

func TestStatusBeforeStart(t *testing.T) {
	h := newTestAPI(t, &fakeStatus{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestStatusReturnsLatestSnapshot(t *testing.T) {
	h := newTestAPI(t, &fakeStatus{ok: true, snap: transit.Snapshot{
		Phase:         transit.PhaseMoving,
		Status:        "Moving towards Miyapur Metro Station",
		ETAToNextStop: "33 seconds",
		TotalETA:      "6 minutes",
		Location:      &transit.BusLocation{BusID: "BUS-1", Lat: 17.5028, Lon: 78.3962, Moving: true},
	}})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Data transit.Snapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Moving towards Miyapur Metro Station", body.Data.Status)
	assert.Equal(t, "33 seconds", body.Data.ETAToNextStop)
	require.NotNil(t, body.Data.Location)
	assert.True(t, body.Data.Location.Moving)
}

func TestStops(t *testing.T) {
	h := newTestAPI(t, &fakeStatus{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stops", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data routeResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data.Stops, 8)
	require.Len(t, body.Data.Segments, 7)
	assert.Equal(t, "JNTU Main Gate", body.Data.Stops[0].Name)
	assert.Equal(t, int64(5000), body.Data.Stops[0].DwellMs)
	assert.Equal(t, int64(0), body.Data.Stops[7].DwellMs)
	assert.InDelta(t, 33.5, body.Data.Segments[0].DurationSeconds, 0.5)
	assert.NotEmpty(t, body.Data.Polyline)
}

func TestHealthzAndMetrics(t *testing.T) {
	h := newTestAPI(t, &fakeStatus{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics", rec.Body.String())
}

func TestCORSHeader(t *testing.T) {
	h := newTestAPI(t, &fakeStatus{})
	req := httptest.NewRequest(http.MethodGet, "/api/stops", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHubPublishWithoutClients(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), nil)
	require.NoError(t, hub.Publish(context.Background(), transit.Snapshot{Status: "Trip starting..."}))
	assert.Equal(t, 0, hub.Len())
	assert.Equal(t, "ws", hub.Name())
}

func TestWebsocketStreamsSnapshots(t *testing.T) {
	// connection goroutines may outlive the test, so no test logger here
	hub := NewHub(zap.NewNop(), nil)
	api := New(Config{SpeedMps: 50}, zap.NewNop(), transit.DefaultRoute(), &fakeStatus{}, hub, nil)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()
	defer hub.Close()

	require.NoError(t, hub.Publish(context.Background(), transit.Snapshot{Status: "Trip starting..."}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws")
	require.NoError(t, err)
	defer conn.Close()
	var rw io.ReadWriter = conn
	if br != nil {
		rw = struct {
			io.Reader
			io.Writer
		}{io.MultiReader(br, conn), conn}
	}

	read := func() transit.Snapshot {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		b, err := wsutil.ReadServerText(rw)
		require.NoError(t, err)
		var snap transit.Snapshot
		require.NoError(t, json.Unmarshal(b, &snap))
		return snap
	}

	assert.Equal(t, "Trip starting...", read().Status)

	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Publish(context.Background(), transit.Snapshot{Status: "Moving towards Miyapur Metro Station"}))
	assert.Equal(t, "Moving towards Miyapur Metro Station", read().Status)
}
