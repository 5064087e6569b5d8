package sim

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	mmetrics "bus-tracker/internal/metrics"
	"bus-tracker/internal/transit"
)

// Sink consumes published snapshots. Publish must not block for long; the
// runner calls sinks inline from its loop.
type Sink interface {
	Name() string
	Publish(ctx context.Context, snap transit.Snapshot) error
}

type Options struct {
	BusID           string
	SpeedMps        float64
	FrameInterval   time.Duration
	SpeedMultiplier float64
	Loop            bool
	LoopDelay       time.Duration
}

// Runner is the single scheduler loop that drives a Simulator: it wakes every
// frame while the bus is moving, sleeps through dwell times, and fans each new
// snapshot out to its sinks.
type Runner struct {
	route   *transit.Route
	opts    Options
	sinks   []Sink
	metrics *mmetrics.Collector
	log     *zap.Logger
	now     func() time.Time

	mu     sync.RWMutex
	latest transit.Snapshot
	has    bool
}

func NewRunner(route *transit.Route, opts Options, log *zap.Logger, metrics *mmetrics.Collector, sinks ...Sink) *Runner {
	if opts.SpeedMultiplier <= 0 {
		opts.SpeedMultiplier = 1
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = 100 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		route:   route,
		opts:    opts,
		sinks:   sinks,
		metrics: metrics,
		log:     log,
		now:     time.Now,
	}
}

func (r *Runner) Route() *transit.Route { return r.route }

// Latest returns the most recent snapshot; ok is false before the first trip starts.
func (r *Runner) Latest() (transit.Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest, r.has
}

// Run simulates the trip until it completes, restarting it after LoopDelay when
// Loop is set. It returns ctx.Err() when cancelled; no wake-up outlives Run.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if err := r.runTrip(ctx); err != nil {
			return err
		}
		if !r.opts.Loop {
			return nil
		}
		r.log.Info("restarting trip", zap.Duration("delay", r.opts.LoopDelay))
		timer := time.NewTimer(r.opts.LoopDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Runner) runTrip(ctx context.Context) error {
	sim := NewSimulator(r.route, r.opts.BusID, r.opts.SpeedMps)
	log := r.log.With(zap.String("run_id", sim.RunID().String()), zap.String("bus_id", r.opts.BusID))

	wallStart := r.now()
	simNow := func() time.Time {
		elapsed := r.now().Sub(wallStart)
		return wallStart.Add(time.Duration(float64(elapsed) * r.opts.SpeedMultiplier))
	}

	prev := sim.Snapshot()
	snap := sim.Start(simNow())
	log.Info("trip started", zap.String("route", r.route.ID), zap.String("at", r.route.Stop(0).Name))
	if r.metrics != nil {
		r.metrics.TripsStarted.Inc()
	}
	r.emit(ctx, log, prev, snap)

	timer := time.NewTimer(r.wait(sim, simNow()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("trip cancelled", zap.Int("stop_index", sim.Index()), zap.Float64("fraction", sim.Fraction()))
			return ctx.Err()
		case <-timer.C:
		}

		stepStart := time.Now()
		prev = sim.Snapshot()
		snap, changed := sim.Step(simNow())
		if r.metrics != nil {
			r.metrics.StepDuration.Observe(time.Since(stepStart).Seconds())
		}
		if changed {
			r.emit(ctx, log, prev, snap)
		}
		if sim.Phase() == transit.PhaseCompleted {
			log.Info("trip completed", zap.String("status", snap.Status))
			return nil
		}
		timer.Reset(r.wait(sim, simNow()))
	}
}

// wait is the wall-clock delay until the next step: one frame while moving,
// the rest of the dwell while idle.
func (r *Runner) wait(sim *Simulator, now time.Time) time.Duration {
	if sim.Phase() == transit.PhaseMoving {
		return r.opts.FrameInterval
	}
	at, ok := sim.WakeAt()
	if !ok {
		return 0
	}
	d := time.Duration(float64(at.Sub(now)) / r.opts.SpeedMultiplier)
	if d < 0 {
		d = 0
	}
	return d
}

func (r *Runner) emit(ctx context.Context, log *zap.Logger, prev, snap transit.Snapshot) {
	r.mu.Lock()
	r.latest = snap
	r.has = true
	r.mu.Unlock()

	if prev.Phase != snap.Phase || prev.Index != snap.Index {
		log.Info(snap.Status,
			zap.String("phase", string(snap.Phase)),
			zap.Int("stop_index", snap.Index),
			zap.String("next_stop", snap.NextStop),
			zap.String("total_eta", snap.TotalETA),
		)
	}
	if r.metrics != nil {
		r.metrics.ObserveTransition(prev, snap)
	}
	for _, s := range r.sinks {
		if err := s.Publish(ctx, snap); err != nil {
			log.Warn("publish error", zap.String("sink", s.Name()), zap.Error(err))
			if r.metrics != nil {
				r.metrics.SinkErrors.WithLabelValues(s.Name()).Inc()
			}
		}
	}
}
