package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	BusID           string
	SpeedMps        float64
	PublishInterval time.Duration
	SpeedMultiplier float64
	Loop            bool
	LoopDelay       time.Duration

	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool

	HTTPAddr    string
	CORSOrigins []string

	DatabaseURL string
	RouteTripID string

	LogLevel zapcore.Level
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error

	cfg.BusID = getenvDefault("BUS_ID", "BUS-1")

	if cfg.SpeedMps, err = positiveFloat("SPEED_MPS", 50); err != nil {
		return nil, err
	}
	if cfg.SpeedMultiplier, err = positiveFloat("SPEED_MULTIPLIER", 1); err != nil {
		return nil, err
	}

	// Frame interval while the bus is moving
	if v := os.Getenv("PUBLISH_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid PUBLISH_INTERVAL_MS: %q", v)
		}
		cfg.PublishInterval = time.Duration(ms) * time.Millisecond
	} else {
		cfg.PublishInterval = 100 * time.Millisecond
	}

	cfg.Loop = parseBool(os.Getenv("LOOP"))
	if v := os.Getenv("LOOP_DELAY_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec < 0 {
			return nil, fmt.Errorf("invalid LOOP_DELAY_SEC: %q", v)
		}
		cfg.LoopDelay = time.Duration(sec) * time.Second
	} else {
		cfg.LoopDelay = 30 * time.Second
	}

	// Empty disables the NATS publisher
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "bus")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	// HTTP_ADDR= (explicitly empty) disables the API server
	if v, ok := os.LookupEnv("HTTP_ADDR"); ok {
		cfg.HTTPAddr = strings.TrimSpace(v)
	} else {
		cfg.HTTPAddr = ":8080"
	}
	cfg.CORSOrigins = splitList(getenvDefault("CORS_ORIGINS", "*"))

	cfg.RouteTripID = strings.TrimSpace(os.Getenv("ROUTE_TRIP_ID"))
	cfg.DatabaseURL = databaseURL()
	if cfg.RouteTripID != "" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("ROUTE_TRIP_ID requires DATABASE_URL or PGDATABASE")
	}

	if cfg.LogLevel, err = zapcore.ParseLevel(getenvDefault("LOG_LEVEL", "info")); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

// databaseURL prefers DATABASE_URL / PG_DSN, else builds a DSN from PG* vars.
// Returns "" when no database is configured.
func databaseURL() string {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn
	}
	db := os.Getenv("PGDATABASE")
	if db == "" {
		return ""
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
}

func positiveFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
