package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidSample = errors.New("invalid sample")

// AccuracyMeta carries the optional quality fields a position fix may have.
type AccuracyMeta struct {
	Accuracy         float64
	Altitude         *float64
	AltitudeAccuracy *float64
	Heading          *float64
	Speed            *float64
}

// Sample is a single captured position reading. Immutable once created.
type Sample struct {
	ID         string
	CapturedAt time.Time
	Latitude   float64
	Longitude  float64
	Meta       AccuracyMeta
}

// Reading is what a position source reports before it becomes a Sample.
type Reading struct {
	Latitude  float64
	Longitude float64
	Meta      AccuracyMeta
	// At is the fix time reported by the source; zero means capture time.
	At time.Time
}

// NewSample validates a reading and stamps it with an ID and capture time.
func NewSample(r Reading, now time.Time) (Sample, error) {
	if math.IsNaN(r.Latitude) || r.Latitude < -90 || r.Latitude > 90 {
		return Sample{}, fmt.Errorf("%w: latitude %v out of range", ErrInvalidSample, r.Latitude)
	}
	if math.IsNaN(r.Longitude) || r.Longitude < -180 || r.Longitude > 180 {
		return Sample{}, fmt.Errorf("%w: longitude %v out of range", ErrInvalidSample, r.Longitude)
	}
	if r.Meta.Accuracy < 0 {
		return Sample{}, fmt.Errorf("%w: negative accuracy", ErrInvalidSample)
	}

	capturedAt := r.At
	if capturedAt.IsZero() {
		capturedAt = now
	}

	return Sample{
		ID:         uuid.New().String(),
		CapturedAt: capturedAt.UTC(),
		Latitude:   r.Latitude,
		Longitude:  r.Longitude,
		Meta:       r.Meta,
	}, nil
}

type wireCoords struct {
	Latitude         float64  `json:"latitude"`
	Longitude        float64  `json:"longitude"`
	Accuracy         float64  `json:"accuracy"`
	Altitude         *float64 `json:"altitude"`
	AltitudeAccuracy *float64 `json:"altitudeAccuracy"`
	Heading          *float64 `json:"heading"`
	Speed            *float64 `json:"speed"`
}

type wireSample struct {
	ID        string     `json:"id"`
	Timestamp int64      `json:"timestamp"`
	Coords    wireCoords `json:"coords"`
}

// MarshalJSON encodes the sample as a location object with an epoch-millisecond
// timestamp. The same form is used on the wire and in the durable queue.
func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireSample{
		ID:        s.ID,
		Timestamp: s.CapturedAt.UnixMilli(),
		Coords: wireCoords{
			Latitude:         s.Latitude,
			Longitude:        s.Longitude,
			Accuracy:         s.Meta.Accuracy,
			Altitude:         s.Meta.Altitude,
			AltitudeAccuracy: s.Meta.AltitudeAccuracy,
			Heading:          s.Meta.Heading,
			Speed:            s.Meta.Speed,
		},
	})
}

func (s *Sample) UnmarshalJSON(data []byte) error {
	var w wireSample
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = Sample{
		ID:         w.ID,
		CapturedAt: time.UnixMilli(w.Timestamp).UTC(),
		Latitude:   w.Coords.Latitude,
		Longitude:  w.Coords.Longitude,
		Meta: AccuracyMeta{
			Accuracy:         w.Coords.Accuracy,
			Altitude:         w.Coords.Altitude,
			AltitudeAccuracy: w.Coords.AltitudeAccuracy,
			Heading:          w.Coords.Heading,
			Speed:            w.Coords.Speed,
		},
	}
	return nil
}
