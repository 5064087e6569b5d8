package sim

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"bus-tracker/internal/transit"
)

const finalDestination = "Final Destination"

// Simulator is the trip state machine for one bus on one route:
// Idle(i) -> Moving(i -> i+1) -> Idle(i+1) -> ... -> Completed.
// It owns no timers; callers drive it by passing timestamps to Step.
type Simulator struct {
	route    *transit.Route
	busID    string
	speedMps float64
	runID    uuid.UUID

	phase     transit.Phase
	index     int
	fraction  float64
	segStart  time.Time     // start of the current segment (Moving)
	segDur    time.Duration // travel time of the current segment (Moving)
	idleUntil time.Time     // end of the current dwell (Idle)
	started   bool

	snap transit.Snapshot
}

func NewSimulator(route *transit.Route, busID string, speedMps float64) *Simulator {
	s := &Simulator{
		route:    route,
		busID:    busID,
		speedMps: speedMps,
		runID:    uuid.New(),
		phase:    transit.PhaseIdle,
	}
	s.snap = transit.Snapshot{
		RunID:    s.runID,
		Phase:    transit.PhaseIdle,
		Status:   "Trip starting...",
		NextStop: s.nextStopName(),
	}
	return s
}

func (s *Simulator) RunID() uuid.UUID     { return s.runID }
func (s *Simulator) Phase() transit.Phase { return s.phase }
func (s *Simulator) Index() int           { return s.index }
func (s *Simulator) Fraction() float64    { return s.fraction }
func (s *Simulator) Started() bool        { return s.started }

// Snapshot returns the most recently published state.
func (s *Simulator) Snapshot() transit.Snapshot { return s.snap }

// Start places the bus at the first stop and schedules the end of its dwell.
// Calling Start more than once has no effect.
func (s *Simulator) Start(now time.Time) transit.Snapshot {
	if s.started {
		return s.snap
	}
	s.started = true
	first := s.route.Stop(0)
	s.idleUntil = now.Add(first.Dwell)
	s.publishAtStop(now, first)
	s.snap.Status = "Trip starting..."
	return s.snap
}

// WakeAt reports when the next state change can happen. While Moving that is
// immediately (frame-driven); while Idle it is the end of the dwell. ok is false
// once the trip is completed or before Start.
func (s *Simulator) WakeAt() (t time.Time, ok bool) {
	if !s.started {
		return time.Time{}, false
	}
	switch s.phase {
	case transit.PhaseIdle:
		return s.idleUntil, true
	case transit.PhaseMoving:
		return s.segStart.Add(s.segDur), true
	}
	return time.Time{}, false
}

// Step advances the state machine to now and reports whether a new snapshot was produced.
func (s *Simulator) Step(now time.Time) (transit.Snapshot, bool) {
	if !s.started {
		return s.snap, false
	}
	switch s.phase {
	case transit.PhaseIdle:
		if now.Before(s.idleUntil) {
			return s.snap, false
		}
		s.beginSegment(now)
		return s.snap, true
	case transit.PhaseMoving:
		s.move(now)
		return s.snap, true
	}
	return s.snap, false
}

// beginSegment leaves stop index, or completes the trip when there is no next stop.
func (s *Simulator) beginSegment(now time.Time) {
	if s.index+1 >= s.route.Len() {
		s.complete(now)
		return
	}
	from := s.route.Stop(s.index)
	to := s.route.Stop(s.index + 1)
	s.phase = transit.PhaseMoving
	s.fraction = 0
	s.segStart = now
	s.segDur = s.route.SegmentDuration(s.index, s.speedMps)
	s.snap.Status = fmt.Sprintf("Moving towards %s", to.Name)
	s.publishMoving(now, from, to)
}

func (s *Simulator) move(now time.Time) {
	from := s.route.Stop(s.index)
	to := s.route.Stop(s.index + 1)

	f := 1.0
	if s.segDur > 0 {
		f = transit.Clamp01(float64(now.Sub(s.segStart)) / float64(s.segDur))
	}
	if f < s.fraction {
		f = s.fraction
	}
	s.fraction = f
	if f < 1 {
		s.publishMoving(now, from, to)
		return
	}
	s.reachStop(now, to)
}

func (s *Simulator) reachStop(now time.Time, stop transit.Stop) {
	s.fraction = 1
	s.index++
	s.phase = transit.PhaseIdle
	s.publishAtStop(now, stop)
	s.snap.Status = fmt.Sprintf("Stopping at %s", stop.Name)
	if stop.Dwell > 0 {
		s.idleUntil = now.Add(stop.Dwell)
		return
	}
	s.idleUntil = now
	s.beginSegment(now)
}

func (s *Simulator) complete(now time.Time) {
	last := s.route.Stop(s.index)
	s.phase = transit.PhaseCompleted
	s.snap.Timestamp = now
	s.snap.Phase = transit.PhaseCompleted
	s.snap.Status = fmt.Sprintf("Trip completed at %s", last.Name)
	s.snap.NextStop = finalDestination
	s.setETA(0, 0)
}

func (s *Simulator) publishMoving(now time.Time, from, to transit.Stop) {
	lat, lon := transit.Interpolate(from, to, s.fraction)
	loc := &transit.BusLocation{
		BusID:        s.busID,
		Lat:          lat,
		Lon:          lon,
		LocationName: fmt.Sprintf("Near %s", from.Name),
		Moving:       true,
	}
	remaining := transit.Haversine(lat, lon, to.Lat, to.Lon)
	s.snap.Timestamp = now
	s.snap.Phase = transit.PhaseMoving
	s.snap.Index = s.index
	s.snap.Fraction = s.fraction
	s.snap.Bearing = transit.Bearing(from, to)
	s.snap.Location = loc
	s.snap.CurrentLocation = transit.FormatLocation(loc)
	s.snap.NextStop = to.Name
	s.setETA(remaining/s.speedMps, (remaining+s.route.DistanceFrom(s.index+1))/s.speedMps)
}

func (s *Simulator) publishAtStop(now time.Time, stop transit.Stop) {
	loc := &transit.BusLocation{
		BusID:        s.busID,
		Lat:          stop.Lat,
		Lon:          stop.Lon,
		LocationName: stop.Name,
		Moving:       false,
	}
	s.snap.Timestamp = now
	s.snap.Phase = transit.PhaseIdle
	s.snap.Index = s.index
	s.snap.Fraction = s.fraction
	s.snap.Location = loc
	s.snap.CurrentLocation = transit.FormatLocation(loc)
	s.snap.NextStop = s.nextStopName()
	next := 0.0
	if s.index+1 < s.route.Len() {
		next = s.route.SegmentDistance(s.index) / s.speedMps
	}
	s.setETA(next, s.route.DistanceFrom(s.index)/s.speedMps)
}

func (s *Simulator) setETA(nextSec, totalSec float64) {
	s.snap.ETAToNextStopSeconds = nextSec
	s.snap.TotalETASeconds = totalSec
	s.snap.ETAToNextStop = transit.FormatSeconds(nextSec)
	s.snap.TotalETA = transit.FormatMinutes(totalSec)
}

func (s *Simulator) nextStopName() string {
	if s.index+1 < s.route.Len() {
		return s.route.Stop(s.index + 1).Name
	}
	return finalDestination
}
