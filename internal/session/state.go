package session

import "time"

// Alert is the single user-visible error channel.
type Alert struct {
	Visible bool   `json:"visible"`
	Kind    Kind   `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// State is a snapshot of the observable session fields.
type State struct {
	SessionID  string `json:"session_id,omitempty"`
	Recording  bool   `json:"recording"`
	Transcript string `json:"transcript"`
	// Duration counts whole seconds of recording.
	Duration int       `json:"duration_seconds"`
	Saved    bool      `json:"saved"`
	Alert    Alert     `json:"alert"`
	Updated  time.Time `json:"updated"`
}

// Ticker is the duration clock. time.Ticker satisfies it through
// NewTimeTicker.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	t *time.Ticker
}

// NewTimeTicker returns a Ticker backed by time.NewTicker.
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop() { t.t.Stop() }
