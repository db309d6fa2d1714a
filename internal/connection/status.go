package connection

import "time"

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// QualityFor buckets a round-trip time into a quality tier.
func QualityFor(rtt time.Duration) Quality {
	switch {
	case rtt < 50*time.Millisecond:
		return QualityExcellent
	case rtt < 100*time.Millisecond:
		return QualityGood
	case rtt < 200*time.Millisecond:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Status is a snapshot of the supervisor. Exactly one of Connected,
// Connecting and Reconnecting is true unless the supervisor is disconnected.
type Status struct {
	State             State         `json:"-"`
	Connected         bool          `json:"connected"`
	Connecting        bool          `json:"connecting"`
	Reconnecting      bool          `json:"reconnecting"`
	ReconnectAttempts int           `json:"reconnectAttempts"`
	LastConnected     time.Time     `json:"lastConnected,omitempty"`
	LastDisconnected  time.Time     `json:"lastDisconnected,omitempty"`
	Latency           time.Duration `json:"latency"`
	Quality           Quality       `json:"quality"`
}

// Backoff computes reconnect delays: Base doubled per attempt, capped at Cap,
// for at most Max attempts.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
	Max  int
}

var DefaultBackoff = Backoff{Base: time.Second, Cap: 30 * time.Second, Max: 5}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}
