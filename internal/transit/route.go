package transit

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/twpayne/go-polyline"
)

var ErrInvalidRoute = errors.New("invalid route")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Route is an ordered, immutable sequence of stops. Segment distances are
// computed once on construction.
type Route struct {
	ID    string
	Name  string
	stops []Stop
	segs  []float64 // segs[i] = distance stops[i] -> stops[i+1], meters
}

func NewRoute(id, name string, stops []Stop) (*Route, error) {
	r := &Route{ID: id, Name: name, stops: append([]Stop(nil), stops...)}
	if err := r.validate(); err != nil {
		return nil, err
	}
	r.segs = make([]float64, len(r.stops)-1)
	for i := range r.segs {
		r.segs[i] = Distance(r.stops[i], r.stops[i+1])
	}
	return r, nil
}

func (r *Route) validate() error {
	if len(r.stops) < 2 {
		return fmt.Errorf("%w: need at least 2 stops, got %d", ErrInvalidRoute, len(r.stops))
	}
	for i, s := range r.stops {
		if err := validate.Struct(s); err != nil {
			return fmt.Errorf("%w: stop %d (%q): %v", ErrInvalidRoute, i, s.Name, err)
		}
		if i > 0 && Distance(r.stops[i-1], s) == 0 {
			return fmt.Errorf("%w: stops %d and %d share the same coordinates", ErrInvalidRoute, i-1, i)
		}
	}
	return nil
}

func (r *Route) Len() int { return len(r.stops) }

func (r *Route) Stop(i int) Stop { return r.stops[i] }

// Stops returns a copy of the stop sequence.
func (r *Route) Stops() []Stop { return append([]Stop(nil), r.stops...) }

// SegmentDistance is the haversine length of segment i (stop i to stop i+1).
func (r *Route) SegmentDistance(i int) float64 { return r.segs[i] }

// SegmentDuration is the travel time of segment i at the given speed.
func (r *Route) SegmentDuration(i int, speedMps float64) time.Duration {
	return time.Duration(r.segs[i] / speedMps * float64(time.Second))
}

// DistanceFrom sums every full segment starting at stop i through the last stop.
func (r *Route) DistanceFrom(i int) float64 {
	total := 0.0
	for j := i; j < len(r.segs); j++ {
		total += r.segs[j]
	}
	return total
}

// TotalDistance is the full length of the route in meters.
func (r *Route) TotalDistance() float64 { return r.DistanceFrom(0) }

// Polyline encodes the stop coordinates in the Google encoded polyline format.
func (r *Route) Polyline() string {
	coords := make([][]float64, len(r.stops))
	for i, s := range r.stops {
		coords[i] = []float64{s.Lat, s.Lon}
	}
	return string(polyline.EncodeCoords(coords))
}

// DefaultRoute is the built-in JNTU to Mallareddy College trip.
func DefaultRoute() *Route {
	r, err := NewRoute("jntu-mallareddy", "JNTU - Mallareddy College", defaultStops)
	if err != nil {
		panic(err)
	}
	return r
}

var defaultStops = []Stop{
	{Lat: 17.5028, Lon: 78.3962, Name: "JNTU Main Gate", Dwell: 5 * time.Second},
	{Lat: 17.5061, Lon: 78.4116, Name: "Miyapur Metro Station", Dwell: 5 * time.Second},
	{Lat: 17.5140, Lon: 78.4239, Name: "Bachupally Cross Road", Dwell: 5 * time.Second},
	{Lat: 17.5457, Lon: 78.4316, Name: "Pragathi Nagar Junction", Dwell: 5 * time.Second},
	{Lat: 17.5684, Lon: 78.4485, Name: "Dulapally Checkpost", Dwell: 5 * time.Second},
	{Lat: 17.5921, Lon: 78.4607, Name: "Kompally Junction", Dwell: 5 * time.Second},
	{Lat: 17.6186, Lon: 78.4725, Name: "Maisammaguda Stop", Dwell: 5 * time.Second},
	{Lat: 17.6322, Lon: 78.4795, Name: "Mallareddy College", Dwell: 0},
}
