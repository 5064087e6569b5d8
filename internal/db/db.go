package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bus-tracker/internal/transit"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var ErrTripNotFound = errors.New("trip not found")

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// StopTime is one stop_times row joined with its stop.
type StopTime struct {
	StopSequence int
	ArrivalSec   int // seconds since midnight (can exceed 24h)
	DepartureSec int
	HasArrival   bool
	HasDeparture bool
	StopID       string
	StopName     string
	StopLat      float64
	StopLon      float64
}

// LoadRoute reads the ordered stops of a GTFS trip and builds an immutable route.
func LoadRoute(ctx context.Context, db *sql.DB, tripID string) (*transit.Route, error) {
	name, err := fetchTripName(ctx, db, tripID)
	if err != nil {
		return nil, err
	}
	sts, err := FetchStopTimes(ctx, db, tripID)
	if err != nil {
		return nil, err
	}
	return transit.NewRoute(tripID, name, BuildStops(sts))
}

func fetchTripName(ctx context.Context, db *sql.DB, tripID string) (string, error) {
	q := `
SELECT COALESCE(NULLIF(t.trip_headsign, ''), NULLIF(r.route_short_name, ''), r.route_long_name, t.trip_id)
FROM trips t
LEFT JOIN routes r ON r.route_id = t.route_id
WHERE t.trip_id = $1`
	var name sql.NullString
	if err := db.QueryRowContext(ctx, q, tripID).Scan(&name); err != nil {
		return "", tripQueryError(tripID, err)
	}
	return name.String, nil
}

func tripQueryError(tripID string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %q", ErrTripNotFound, tripID)
	}
	return fmt.Errorf("query trip %q: %w", tripID, err)
}

func FetchStopTimes(ctx context.Context, db *sql.DB, tripID string) ([]StopTime, error) {
	// Prefer stop_lat/stop_lon, but support PostGIS stop_loc geography as fallback
	latlonExists, err := hasColumns(ctx, db, "public", "stops", "stop_lat", "stop_lon")
	if err != nil {
		return nil, fmt.Errorf("introspect stops columns: %w", err)
	}
	var q string
	if latlonExists["stop_lat"] && latlonExists["stop_lon"] {
		q = `SELECT st.stop_sequence,
                    COALESCE(st.arrival_time::text,''),
                    COALESCE(st.departure_time::text,''),
                    st.stop_id,
                    COALESCE(s.stop_name, st.stop_id),
                    s.stop_lat,
                    s.stop_lon
             FROM stop_times st
             JOIN stops s ON s.stop_id = st.stop_id
             WHERE st.trip_id = $1
             ORDER BY st.stop_sequence`
	} else {
		locExists, err := hasColumns(ctx, db, "public", "stops", "stop_loc")
		if err != nil {
			return nil, fmt.Errorf("introspect stops stop_loc: %w", err)
		}
		if !locExists["stop_loc"] {
			return nil, fmt.Errorf("stops table missing expected columns (stop_lat/lon or stop_loc)")
		}
		q = `SELECT st.stop_sequence,
                    COALESCE(st.arrival_time::text,''),
                    COALESCE(st.departure_time::text,''),
                    st.stop_id,
                    COALESCE(s.stop_name, st.stop_id),
                    ST_Y(s.stop_loc::geometry),
                    ST_X(s.stop_loc::geometry)
             FROM stop_times st
             JOIN stops s ON s.stop_id = st.stop_id
             WHERE st.trip_id = $1
             ORDER BY st.stop_sequence`
	}
	rows, err := db.QueryContext(ctx, q, tripID)
	if err != nil {
		return nil, fmt.Errorf("query stop_times: %w", err)
	}
	defer rows.Close()

	var sts []StopTime
	for rows.Next() {
		var (
			seq      int
			arr, dep string
			id, name string
			lat, lon sql.NullFloat64
		)
		if err := rows.Scan(&seq, &arr, &dep, &id, &name, &lat, &lon); err != nil {
			return nil, err
		}
		st, err := newStopTime(seq, arr, dep, id, name, lat, lon)
		if err != nil {
			return nil, err
		}
		sts = append(sts, st)
	}
	return sts, rows.Err()
}

// newStopTime converts one scanned row. A stop without coordinates is an error
// rather than a bus parked at (0, 0).
func newStopTime(seq int, arr, dep, id, name string, lat, lon sql.NullFloat64) (StopTime, error) {
	if !lat.Valid || !lon.Valid {
		return StopTime{}, fmt.Errorf("stop %q (sequence %d) has no coordinates", id, seq)
	}
	st := StopTime{StopSequence: seq, StopID: id, StopName: name, StopLat: lat.Float64, StopLon: lon.Float64}
	st.ArrivalSec, st.HasArrival = parseDaySeconds(arr)
	st.DepartureSec, st.HasDeparture = parseDaySeconds(dep)
	return st, nil
}

// BuildStops turns ordered stop_times into route stops. Dwell is departure minus
// arrival; the final stop never dwells. Consecutive rows at the same coordinates
// (timepoint duplicates) are merged, keeping the longer dwell.
func BuildStops(sts []StopTime) []transit.Stop {
	stops := make([]transit.Stop, 0, len(sts))
	for i, st := range sts {
		var dwell time.Duration
		if i < len(sts)-1 && st.HasArrival && st.HasDeparture && st.DepartureSec > st.ArrivalSec {
			dwell = time.Duration(st.DepartureSec-st.ArrivalSec) * time.Second
		}
		s := transit.Stop{Lat: st.StopLat, Lon: st.StopLon, Name: st.StopName, Dwell: dwell}
		if n := len(stops); n > 0 && stops[n-1].Lat == s.Lat && stops[n-1].Lon == s.Lon {
			if s.Dwell > stops[n-1].Dwell {
				stops[n-1].Dwell = s.Dwell
			}
			continue
		}
		stops = append(stops, s)
	}
	if n := len(stops); n > 0 {
		stops[n-1].Dwell = 0
	}
	return stops
}

// parseDaySeconds parses HH:MM:SS possibly with hours >= 24. ok is false for
// an empty or malformed time, so 00:00:00 stays distinguishable from missing.
func parseDaySeconds(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, false
		}
		v[i] = n
	}
	return v[0]*3600 + v[1]*60 + v[2], true
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}
