package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"bus-tracker/internal/transit"
)

type NATSPublisher struct {
	nc            *nats.Conn
	subjectPrefix string
	logSubjects   bool
	log           *zap.Logger
	metrics       PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	NATSDroppedInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, subjectPrefix string, logSubjects bool, log *zap.Logger, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("bus-tracker"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, subjectPrefix: subjectPrefix, logSubjects: logSubjects, log: log, metrics: m}, nil
}

const flushTimeout = 2 * time.Second

// Close flushes buffered publishes, then closes the connection.
func (p *NATSPublisher) Close() {
	if p.nc == nil {
		return
	}
	closeConn(p.nc, p.log)
}

type flushCloser interface {
	IsConnected() bool
	FlushTimeout(timeout time.Duration) error
	Close()
}

func closeConn(c flushCloser, log *zap.Logger) {
	if c.IsConnected() {
		if err := c.FlushTimeout(flushTimeout); err != nil && log != nil {
			log.Warn("nats flush on close", zap.Error(err))
		}
	}
	c.Close()
}

func (p *NATSPublisher) Name() string { return "nats" }

type PositionMessage struct {
	BusID         string    `json:"busId"`
	RunID         string    `json:"runId"`
	Timestamp     time.Time `json:"timestamp"`
	Lat           float64   `json:"lat"`
	Lon           float64   `json:"lon"`
	Bearing       float64   `json:"bearing"`
	Moving        bool      `json:"isMoving"`
	LocationName  string    `json:"locationName"`
	Phase         string    `json:"phase"`
	StopIndex     int       `json:"stopIndex"`
	Progress      float64   `json:"progress"`
	Status        string    `json:"status"`
	NextStop      string    `json:"nextStop"`
	ETAToNextStop string    `json:"etaToNextStop"`
	TotalETA      string    `json:"totalEta"`
}

// NewPositionMessage flattens a snapshot for the wire. ok is false when the
// snapshot has no position yet.
func NewPositionMessage(snap transit.Snapshot) (PositionMessage, bool) {
	if snap.Location == nil {
		return PositionMessage{}, false
	}
	return PositionMessage{
		BusID:         snap.Location.BusID,
		RunID:         snap.RunID.String(),
		Timestamp:     snap.Timestamp,
		Lat:           snap.Location.Lat,
		Lon:           snap.Location.Lon,
		Bearing:       snap.Bearing,
		Moving:        snap.Location.Moving,
		LocationName:  snap.Location.LocationName,
		Phase:         string(snap.Phase),
		StopIndex:     snap.Index,
		Progress:      snap.Fraction,
		Status:        snap.Status,
		NextStop:      snap.NextStop,
		ETAToNextStop: snap.ETAToNextStop,
		TotalETA:      snap.TotalETA,
	}, true
}

// Subject returns "<prefix>.<busId>" with both parts sanitised as NATS tokens.
func (p *NATSPublisher) Subject(busID string) string {
	return fmt.Sprintf("%s.%s", subjectToken(p.subjectPrefix), subjectToken(busID))
}

// Publish sends the snapshot; it is a silent no-op while the connection is down.
func (p *NATSPublisher) Publish(_ context.Context, snap transit.Snapshot) error {
	msg, ok := NewPositionMessage(snap)
	if !ok {
		return nil
	}
	if !p.nc.IsConnected() {
		if p.metrics != nil {
			p.metrics.NATSDroppedInc()
		}
		return nil
	}
	subject := p.Subject(msg.BusID)
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		p.log.Info("nats publish", zap.String("subject", subject))
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
