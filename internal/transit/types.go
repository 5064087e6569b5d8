package transit

import (
	"time"

	"github.com/google/uuid"
)

type Stop struct {
	Lat   float64       `json:"lat" validate:"latitude"`
	Lon   float64       `json:"lon" validate:"longitude"`
	Name  string        `json:"name" validate:"required"`
	Dwell time.Duration `json:"-" validate:"gte=0"` // idle time at this stop before departing
}

// Phase is the simulator state: Idle at a stop, Moving between two stops, or Completed.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseMoving    Phase = "moving"
	PhaseCompleted Phase = "completed"
)

type BusLocation struct {
	BusID        string  `json:"busId"`
	Lat          float64 `json:"latitude"`
	Lon          float64 `json:"longitude"`
	LocationName string  `json:"locationName"`
	Moving       bool    `json:"isMoving"`
}

// Snapshot is everything a map view needs to render one frame.
type Snapshot struct {
	RunID     uuid.UUID `json:"runId"`
	Timestamp time.Time `json:"timestamp"`
	Phase     Phase     `json:"phase"`
	Index     int       `json:"stopIndex"`
	Fraction  float64   `json:"fraction"` // 0..1 within the current segment
	Bearing   float64   `json:"bearing"`

	Location        *BusLocation `json:"location,omitempty"` // nil before start
	Status          string       `json:"status"`
	CurrentLocation string       `json:"currentLocation,omitempty"`
	NextStop        string       `json:"nextStop"`
	ETAToNextStop   string       `json:"etaToNextStop"`
	TotalETA        string       `json:"totalEta"`

	ETAToNextStopSeconds float64 `json:"etaToNextStopSeconds"`
	TotalETASeconds      float64 `json:"totalEtaSeconds"`
}
