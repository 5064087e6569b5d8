package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bus-tracker/internal/api"
	"bus-tracker/internal/config"
	"bus-tracker/internal/db"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/publisher"
	"bus-tracker/internal/sim"
	"bus-tracker/internal/transit"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config error", zap.Error(err))
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	log, err := zcfg.Build()
	if err != nil {
		panic(err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, cfg, log)
	cancel()
	_ = log.Sync()
	os.Exit(code)
}

// run wires the simulator, feeds and HTTP server and blocks until they stop.
// Every sink is closed before it returns the process exit code.
func run(ctx context.Context, cfg *config.Config, log *zap.Logger) int {
	route := transit.DefaultRoute()
	if cfg.RouteTripID != "" {
		var err error
		route, err = loadRoute(ctx, cfg)
		if err != nil {
			log.Error("load route", zap.String("trip_id", cfg.RouteTripID), zap.Error(err))
			return 1
		}
	}
	log.Info("route ready",
		zap.String("route", route.ID),
		zap.Int("stops", route.Len()),
		zap.Float64("distance_m", route.TotalDistance()),
	)

	mcol := metrics.NewCollector(cfg.SpeedMps, cfg.SpeedMultiplier, cfg.PublishInterval)

	var sinks []sim.Sink
	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, log, wrapPublisherMetrics(mcol))
		if err != nil {
			log.Error("nats error", zap.Error(err))
			return 1
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}

	hub := api.NewHub(log, func(n int) { mcol.WSClients.Set(float64(n)) })
	defer hub.Close()
	sinks = append(sinks, hub)

	runner := sim.NewRunner(route, sim.Options{
		BusID:           cfg.BusID,
		SpeedMps:        cfg.SpeedMps,
		FrameInterval:   cfg.PublishInterval,
		SpeedMultiplier: cfg.SpeedMultiplier,
		Loop:            cfg.Loop,
		LoopDelay:       cfg.LoopDelay,
	}, log, mcol, sinks...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx)
	})

	if cfg.HTTPAddr != "" {
		srv := api.New(api.Config{
			Addr:        cfg.HTTPAddr,
			CORSOrigins: cfg.CORSOrigins,
			SpeedMps:    cfg.SpeedMps,
		}, log, route, runner, hub, mcol.Handler()).Server()

		g.Go(func() error {
			log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			// Shutdown with timeout
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("shutdown with error", zap.Error(err))
		return 1
	}
	log.Info("shutdown complete")
	return 0
}

func loadRoute(ctx context.Context, cfg *config.Config) (*transit.Route, error) {
	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		return nil, err
	}
	return db.LoadRoute(ctx, sqlDB, cfg.RouteTripID)
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) NATSDroppedInc()                { p.c.NATSDropped.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
