// Package position provides the PositionSource implementations the agent
// can sample from.
package position

import (
	"context"

	"locsync/internal/domain"
)

// Fixed always reports the same coordinates. Useful for stationary
// installations and for exercising the pipeline without a receiver.
type Fixed struct {
	reading domain.Reading
}

func NewFixed(lat, lon, accuracy float64) *Fixed {
	return &Fixed{reading: domain.Reading{
		Latitude:  lat,
		Longitude: lon,
		Meta:      domain.AccuracyMeta{Accuracy: accuracy},
	}}
}

func (f *Fixed) Current(ctx context.Context) (domain.Reading, error) {
	if err := ctx.Err(); err != nil {
		return domain.Reading{}, err
	}
	return f.reading, nil
}
