package broadcast

import (
	"errors"
	"time"
)

var ErrNotConnected = errors.New("session not connected")

const (
	DefaultPacing     = time.Second
	DefaultRetryDelay = 500 * time.Millisecond
	defaultHistoryMax = 200
	defaultHistoryTTL = 24 * time.Hour
)

type Config struct {
	// Pacing is the wait between two attempts. Zero selects DefaultPacing;
	// negative disables pacing.
	Pacing     time.Duration
	RetryMax   int
	RetryDelay time.Duration
	HistoryMax int
	HistoryTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Pacing == 0 {
		c.Pacing = DefaultPacing
	}
	if c.Pacing < 0 {
		c.Pacing = 0
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.HistoryMax <= 0 {
		c.HistoryMax = defaultHistoryMax
	}
	if c.HistoryTTL <= 0 {
		c.HistoryTTL = defaultHistoryTTL
	}
	return c
}

// Attachment is an optional file sent with the message text as its caption.
type Attachment struct {
	Data     []byte
	MimeType string
	FileName string
}

type Outcome string

const (
	Sent   Outcome = "sent"
	Failed Outcome = "failed"
)

// Result is the outcome for one recipient. Detail is set only when Failed.
type Result struct {
	Recipient string  `json:"recipient"`
	Outcome   Outcome `json:"outcome"`
	Detail    string  `json:"detail,omitempty"`
}

// Run is the recorded summary of one broadcast call.
type Run struct {
	ID        string    `json:"id"`
	Session   string    `json:"session"`
	Total     int       `json:"total"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"started_at"`
	DoneAt    time.Time `json:"done_at"`
	Running   bool      `json:"running"`
}

// Observer receives one call per recipient outcome.
type Observer interface {
	Delivered(outcome Outcome)
}
