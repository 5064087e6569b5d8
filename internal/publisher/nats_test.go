package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bus-tracker/internal/transit"
)

func TestSubjectToken(t *testing.T) {
	tests := map[string]string{
		"BUS-1":     "BUS-1",
		" bus 1 ":   "bus_1",
		"a.b":       "a_b",
		"x>*y":      "x__y",
		"route/12":  "route_12",
		"":          "_",
		"   ":       "_",
		"tab\tname": "tab_name",
	}
	for in, want := range tests {
		assert.Equal(t, want, subjectToken(in), "input %q", in)
	}
}

func TestSubject(t *testing.T) {
	p := &NATSPublisher{subjectPrefix: "bus"}
	assert.Equal(t, "bus.BUS-1", p.Subject("BUS-1"))
	p.subjectPrefix = "fleet sim"
	assert.Equal(t, "fleet_sim.BUS_1", p.Subject("BUS.1"))
}

func TestNewPositionMessage(t *testing.T) {
	_, ok := NewPositionMessage(transit.Snapshot{Status: "Trip starting..."})
	assert.False(t, ok)

	runID := uuid.New()
	ts := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	msg, ok := NewPositionMessage(transit.Snapshot{
		RunID:     runID,
		Timestamp: ts,
		Phase:     transit.PhaseMoving,
		Index:     2,
		Fraction:  0.25,
		Location: &transit.BusLocation{
			BusID: "BUS-1", Lat: 17.51, Lon: 78.42, LocationName: "Near Bachupally Cross Road", Moving: true,
		},
		Status:        "Moving towards Pragathi Nagar Junction",
		NextStop:      "Pragathi Nagar Junction",
		ETAToNextStop: "54 seconds",
		TotalETA:      "5 minutes",
	})
	require.True(t, ok)
	assert.Equal(t, "BUS-1", msg.BusID)
	assert.Equal(t, runID.String(), msg.RunID)
	assert.Equal(t, 0.25, msg.Progress)
	assert.True(t, msg.Moving)

	b, err := json.Marshal(msg)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "moving", decoded["phase"])
	assert.Equal(t, "54 seconds", decoded["etaToNextStop"])
	assert.Equal(t, true, decoded["isMoving"])
}

type countingMetrics struct {
	published, errs, dropped int
	observed                 int
	connected                bool
}

func (m *countingMetrics) NATSPublishedInc()            { m.published++ }
func (m *countingMetrics) NATSPublishErrInc()           { m.errs++ }
func (m *countingMetrics) NATSDroppedInc()              { m.dropped++ }
func (m *countingMetrics) PublishObserve(time.Duration) { m.observed++ }
func (m *countingMetrics) NATSSetConnected(b bool)      { m.connected = b }

func TestPublishDropsWhileDisconnected(t *testing.T) {
	m := &countingMetrics{}
	// A zero Conn reports itself disconnected.
	p := &NATSPublisher{nc: &nats.Conn{}, subjectPrefix: "bus", log: zap.NewNop(), metrics: m}

	snap := transit.Snapshot{
		Phase:    transit.PhaseMoving,
		Location: &transit.BusLocation{BusID: "BUS-1", Lat: 17.5, Lon: 78.4, Moving: true},
	}
	require.NoError(t, p.Publish(context.Background(), snap))
	assert.Equal(t, 1, m.dropped)
	assert.Equal(t, 0, m.published)
	assert.Equal(t, 0, m.observed)

	// no position yet: nothing to send, nothing dropped
	require.NoError(t, p.Publish(context.Background(), transit.Snapshot{Phase: transit.PhaseIdle}))
	assert.Equal(t, 1, m.dropped)
}

type fakeConn struct {
	connected bool
	flushErr  error
	calls     []string
}

func (c *fakeConn) IsConnected() bool { return c.connected }

func (c *fakeConn) FlushTimeout(time.Duration) error {
	c.calls = append(c.calls, "flush")
	return c.flushErr
}

func (c *fakeConn) Close() { c.calls = append(c.calls, "close") }

func TestCloseConnFlushesBeforeClose(t *testing.T) {
	c := &fakeConn{connected: true}
	closeConn(c, zap.NewNop())
	assert.Equal(t, []string{"flush", "close"}, c.calls)

	c = &fakeConn{connected: true, flushErr: errors.New("timeout")}
	closeConn(c, zap.NewNop())
	assert.Equal(t, []string{"flush", "close"}, c.calls, "flush failure still closes")

	c = &fakeConn{}
	closeConn(c, nil)
	assert.Equal(t, []string{"close"}, c.calls, "nothing to flush while disconnected")
}

func TestCloseWithoutConnection(t *testing.T) {
	p := &NATSPublisher{subjectPrefix: "bus"}
	assert.NotPanics(t, p.Close)
}
