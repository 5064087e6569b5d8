package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"bus-tracker/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		BusID:             "BUS-1",
		SpeedMps:          50,
		PublishInterval:   time.Millisecond,
		SpeedMultiplier:   100000,
		NATSSubjectPrefix: "bus",
	}
}

func TestRunCompletesTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Equal(t, 0, run(ctx, testConfig(), zaptest.NewLogger(t)))
}

func TestRunCancelledIsCleanExit(t *testing.T) {
	cfg := testConfig()
	cfg.SpeedMultiplier = 1
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0, run(ctx, cfg, zaptest.NewLogger(t)))
}

func TestRunListenFailureExitsNonZero(t *testing.T) {
	cfg := testConfig()
	cfg.SpeedMultiplier = 1
	cfg.HTTPAddr = "127.0.0.1:-1"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Equal(t, 1, run(ctx, cfg, zaptest.NewLogger(t)))
}
