package domain

import "time"

// SchedulerState is the sampling state machine position.
type SchedulerState int

const (
	StateStopped SchedulerState = iota
	StateRunning
	StateSuspended
)

func (s SchedulerState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	default:
		return "stopped"
	}
}

func (s SchedulerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is the engine state observable by the presentation layer.
type Status struct {
	SignedIn        bool           `json:"signed_in"`
	Username        string         `json:"username,omitempty"`
	LastDeliveredAt *time.Time     `json:"last_delivered_at"`
	QueueDepth      int            `json:"queue_depth"`
	CurrentInterval Interval       `json:"current_interval"`
	State           SchedulerState `json:"state"`
	ReauthRequired  bool           `json:"reauth_required"`
	LastError       string         `json:"last_error,omitempty"`
	DeliveredTotal  int64          `json:"delivered_total"`
	FailedTotal     int64          `json:"failed_total"`
}
