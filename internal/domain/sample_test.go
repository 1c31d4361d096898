package domain

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSample(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		reading Reading
		wantErr bool
	}{
		{name: "valid", reading: Reading{Latitude: 45.5, Longitude: -73.6, Meta: AccuracyMeta{Accuracy: 5}}},
		{name: "poles and antimeridian", reading: Reading{Latitude: -90, Longitude: 180}},
		{name: "latitude out of range", reading: Reading{Latitude: 91}, wantErr: true},
		{name: "longitude out of range", reading: Reading{Longitude: -181}, wantErr: true},
		{name: "nan latitude", reading: Reading{Latitude: math.NaN()}, wantErr: true},
		{name: "negative accuracy", reading: Reading{Meta: AccuracyMeta{Accuracy: -1}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSample(tt.reading, now)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSample)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, s.ID)
			assert.Equal(t, now, s.CapturedAt)
			assert.Equal(t, tt.reading.Latitude, s.Latitude)
		})
	}
}

func TestNewSample_UsesSourceFixTime(t *testing.T) {
	fixAt := time.Date(2026, 3, 1, 11, 59, 58, 0, time.UTC)
	s, err := NewSample(Reading{Latitude: 1, Longitude: 2, At: fixAt}, fixAt.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, fixAt, s.CapturedAt)
}

func TestSample_JSONWireFormat(t *testing.T) {
	alt := 120.5
	s := Sample{
		ID:         "3f1c",
		CapturedAt: time.UnixMilli(1767225600123).UTC(),
		Latitude:   45.5,
		Longitude:  -73.6,
		Meta:       AccuracyMeta{Accuracy: 4.2, Altitude: &alt},
	}

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "3f1c", raw["id"])
	assert.EqualValues(t, 1767225600123, raw["timestamp"])

	coords, ok := raw["coords"].(map[string]any)
	require.True(t, ok, "coords object missing")
	assert.EqualValues(t, 45.5, coords["latitude"])
	assert.EqualValues(t, -73.6, coords["longitude"])
	assert.EqualValues(t, 120.5, coords["altitude"])
	assert.Nil(t, coords["heading"])

	var back Sample
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s, back)
}
