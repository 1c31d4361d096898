package testutil

import (
	"fmt"
	"sync/atomic"
	"time"

	"locsync/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSecret signs every access token minted by the test helpers.
var TokenSecret = []byte("locsync-test-secret")

// Counter for generating unique fixture values
var idCounter atomic.Int64

// SampleOptions allows customizing sample fixture creation
type SampleOptions struct {
	Latitude   float64
	Longitude  float64
	Accuracy   float64
	CapturedAt time.Time
}

// NewTestSample creates a valid sample with sensible defaults.
// Consecutive calls produce distinct coordinates.
func NewTestSample(opts ...func(*SampleOptions)) domain.Sample {
	n := idCounter.Add(1)
	o := &SampleOptions{
		Latitude:   float64(n%90) / 2,
		Longitude:  float64(n%180) / 2,
		Accuracy:   5,
		CapturedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(o)
	}

	s, err := domain.NewSample(domain.Reading{
		Latitude:  o.Latitude,
		Longitude: o.Longitude,
		Meta:      domain.AccuracyMeta{Accuracy: o.Accuracy},
		At:        o.CapturedAt,
	}, o.CapturedAt)
	if err != nil {
		panic(fmt.Sprintf("testutil: invalid sample fixture: %v", err))
	}
	return s
}

// WithCoordinates sets the sample position
func WithCoordinates(lat, lon float64) func(*SampleOptions) {
	return func(o *SampleOptions) {
		o.Latitude = lat
		o.Longitude = lon
	}
}

// WithCapturedAt sets the capture time
func WithCapturedAt(t time.Time) func(*SampleOptions) {
	return func(o *SampleOptions) {
		o.CapturedAt = t
	}
}

// NewTestSamples creates n samples captured one second apart.
func NewTestSamples(n int, start time.Time) []domain.Sample {
	out := make([]domain.Sample, n)
	for i := range out {
		out[i] = NewTestSample(WithCapturedAt(start.Add(time.Duration(i) * time.Second)))
	}
	return out
}

// MintToken signs an HS256 access token carrying the collector's claims.
func MintToken(userID, username string, expiresAt time.Time) string {
	claims := jwt.MapClaims{
		"sub":      userID,
		"userId":   userID,
		"username": username,
		"exp":      expiresAt.Unix(),
		"iat":      expiresAt.Add(-15 * time.Minute).Unix(),
		"jti":      fmt.Sprintf("jti-%d", idCounter.Add(1)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(TokenSecret)
	if err != nil {
		panic(fmt.Sprintf("testutil: failed to sign token: %v", err))
	}
	return signed
}

// NewTestSession builds a signed-in session whose access token expires at exp.
func NewTestSession(username string, exp time.Time) domain.Session {
	userID := "user-" + username
	return domain.Session{
		UserID:       userID,
		Username:     username,
		AccessToken:  MintToken(userID, username, exp),
		RefreshToken: fmt.Sprintf("refresh-%d", idCounter.Add(1)),
		AccessExpiry: exp,
	}
}
