package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bus-tracker/internal/transit"
)

type Collector struct {
	reg *prometheus.Registry

	FramesPublished prometheus.Counter
	SinkErrors      *prometheus.CounterVec // sink label: nats|ws
	SegmentsStarted prometheus.Counter
	StopsReached    prometheus.Counter
	TripsStarted    prometheus.Counter
	TripsCompleted  prometheus.Counter

	StopIndex       prometheus.Gauge
	SegmentFraction prometheus.Gauge
	TotalETASeconds prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSDropped     prometheus.Counter
	NATSConnected   prometheus.Gauge

	WSClients prometheus.Gauge

	StepDuration    prometheus.Histogram
	PublishDuration prometheus.Histogram

	SpeedMps        prometheus.Gauge
	SpeedMultiplier prometheus.Gauge
	PublishInterval prometheus.Gauge // seconds
}

func NewCollector(speedMps, speedMultiplier float64, publishInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		FramesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_frames_published_total",
			Help: "Total snapshots handed to sinks.",
		}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bustracker_sink_errors_total",
			Help: "Snapshot delivery errors by sink.",
		}, []string{"sink"}),
		SegmentsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_segments_started_total",
			Help: "Total segments the bus departed on.",
		}),
		StopsReached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_stops_reached_total",
			Help: "Total stops the bus arrived at.",
		}),
		TripsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_trips_started_total",
			Help: "Total trip runs started.",
		}),
		TripsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_trips_completed_total",
			Help: "Total trip runs completed.",
		}),
		StopIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustracker_stop_index",
			Help: "Index of the stop the bus is at or last left.",
		}),
		SegmentFraction: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustracker_segment_fraction",
			Help: "Interpolation fraction within the current segment.",
		}),
		TotalETASeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustracker_total_eta_seconds",
			Help: "Estimated seconds until the final stop.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bustracker_nats_dropped_total",
			Help: "Snapshots skipped because NATS was not connected.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustracker_ws_clients",
			Help: "Connected websocket clients.",
		}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustracker_step_duration_seconds",
			Help:    "Duration of simulator step computations.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bustracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		SpeedMps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustracker_speed_mps",
			Help: "Configured ground speed in meters per second.",
		}),
		SpeedMultiplier: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustracker_speed_multiplier",
			Help: "Simulated-time acceleration.",
		}),
		PublishInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bustracker_publish_interval_seconds",
			Help: "Frame interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.FramesPublished, c.SinkErrors,
		c.SegmentsStarted, c.StopsReached, c.TripsStarted, c.TripsCompleted,
		c.StopIndex, c.SegmentFraction, c.TotalETASeconds,
		c.NATSPublished, c.NATSPublishErrs, c.NATSDropped, c.NATSConnected,
		c.WSClients, c.StepDuration, c.PublishDuration,
		c.SpeedMps, c.SpeedMultiplier, c.PublishInterval,
	)

	c.SpeedMps.Set(speedMps)
	c.SpeedMultiplier.Set(speedMultiplier)
	c.PublishInterval.Set(publishInterval.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// ObserveTransition updates trip counters from two consecutive snapshots of the same run.
func (c *Collector) ObserveTransition(prev, cur transit.Snapshot) {
	c.FramesPublished.Inc()
	c.StopIndex.Set(float64(cur.Index))
	c.SegmentFraction.Set(cur.Fraction)
	c.TotalETASeconds.Set(cur.TotalETASeconds)

	if cur.Index > prev.Index {
		c.StopsReached.Add(float64(cur.Index - prev.Index))
	}
	switch {
	case cur.Phase == transit.PhaseMoving && (prev.Phase != transit.PhaseMoving || cur.Index > prev.Index):
		c.SegmentsStarted.Inc()
	case cur.Phase == transit.PhaseCompleted && prev.Phase != transit.PhaseCompleted:
		c.TripsCompleted.Inc()
	}
}
