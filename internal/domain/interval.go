package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidInterval = errors.New("invalid interval")

// Interval is the sampling cadence. Zero means OFF.
type Interval time.Duration

const (
	IntervalOff     Interval = 0
	MinInterval     Interval = Interval(time.Second)
	MaxInterval     Interval = Interval(24 * time.Hour)
	DefaultInterval Interval = Interval(5 * time.Second)
)

// IntervalPresets are the cadences offered to the presentation layer.
var IntervalPresets = []Interval{
	Interval(time.Second),
	Interval(5 * time.Second),
	Interval(10 * time.Second),
	Interval(30 * time.Second),
	Interval(time.Minute),
	Interval(2 * time.Minute),
	Interval(5 * time.Minute),
	Interval(10 * time.Minute),
	Interval(30 * time.Minute),
	IntervalOff,
}

func (i Interval) Off() bool { return i == IntervalOff }

func (i Interval) Duration() time.Duration { return time.Duration(i) }

// Validate checks that a concrete interval is within the accepted range.
func (i Interval) Validate() error {
	if i.Off() {
		return nil
	}
	if i < MinInterval || i > MaxInterval {
		return fmt.Errorf("%w: %s must be between %s and %s", ErrInvalidInterval, i, MinInterval, MaxInterval)
	}
	return nil
}

// String renders "OFF", "5s", "2m", "1h" or the Go duration form.
func (i Interval) String() string {
	if i.Off() {
		return "OFF"
	}
	d := time.Duration(i)
	switch {
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0 && d < time.Hour:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d%time.Second == 0 && d < time.Minute:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return d.String()
	}
}

// ParseInterval accepts "off" in any case or a Go duration string.
func ParseInterval(s string) (Interval, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "off") || s == "0" {
		return IntervalOff, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidInterval, s)
	}
	i := Interval(d)
	if err := i.Validate(); err != nil {
		return 0, err
	}
	return i, nil
}

func (i Interval) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.String())
}

func (i *Interval) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, string(data))
	}
	parsed, err := ParseInterval(s)
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
