package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// JobType selects the handler and the payload/result shape of a job.
type JobType string

const (
	JobTypeImageGeneration   JobType = "image_generation"
	JobTypeImageEdit         JobType = "image_edit"
	JobTypeVideoGeneration   JobType = "video_generation"
	JobTypeUpscale           JobType = "upscale"
	JobTypeBackgroundRemoval JobType = "background_removal"
)

// AllJobTypes lists every supported job type.
func AllJobTypes() []JobType {
	return []JobType{
		JobTypeImageGeneration,
		JobTypeImageEdit,
		JobTypeVideoGeneration,
		JobTypeUpscale,
		JobTypeBackgroundRemoval,
	}
}

// ParseJobType validates a free-form type name.
func ParseJobType(s string) (JobType, error) {
	t := JobType(strings.TrimSpace(s))
	for _, known := range AllJobTypes() {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownJobType, s)
}

// Status is the externally observable job state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Broker-level states. Delayed jobs surface as pending in the four-state model.
const (
	StateWaiting   = "waiting"
	StateDelayed   = "delayed"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// StateToStatus maps a broker state into the public status model.
func StateToStatus(state string) Status {
	switch state {
	case StateActive:
		return StatusActive
	case StateCompleted:
		return StatusCompleted
	case StateFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}

// Priority tiers. Lower numbers are serviced first.
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
	PriorityBatch  = "batch"
)

var priorityValues = map[string]int{
	PriorityUrgent: 1,
	PriorityHigh:   5,
	PriorityNormal: 10,
	PriorityLow:    20,
	PriorityBatch:  50,
}

// PriorityValue maps a tier name to its numeric broker priority.
// An empty name resolves to normal.
func PriorityValue(name string) (int, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = PriorityNormal
	}
	v, ok := priorityValues[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, name)
	}
	return v, nil
}

// BackoffType is either fixed or exponential.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff is the wait policy between attempts. On the wire Delay is whole
// milliseconds under "delayMs".
type Backoff struct {
	Type  BackoffType
	Delay time.Duration
}

type backoffJSON struct {
	Type    BackoffType `json:"type"`
	DelayMs int64       `json:"delayMs"`
}

func (b Backoff) MarshalJSON() ([]byte, error) {
	return json.Marshal(backoffJSON{Type: b.Type, DelayMs: b.Delay.Milliseconds()})
}

func (b *Backoff) UnmarshalJSON(data []byte) error {
	var raw backoffJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.Type = raw.Type
	b.Delay = time.Duration(raw.DelayMs) * time.Millisecond
	return nil
}

// DefaultBackoff is exponential starting at one second.
func DefaultBackoff() Backoff {
	return Backoff{Type: BackoffExponential, Delay: time.Second}
}

// Next returns the wait before the next attempt once attemptsMade attempts have failed.
// A non-positive max disables the cap.
func (b Backoff) Next(attemptsMade int, max time.Duration) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	wait := b.Delay
	if b.Type == BackoffExponential && attemptsMade > 1 {
		exp := float64(b.Delay) * math.Pow(2, float64(attemptsMade-1))
		if exp >= float64(math.MaxInt64) {
			wait = time.Duration(math.MaxInt64)
		} else {
			wait = time.Duration(exp)
		}
	}
	if max > 0 && wait > max {
		wait = max
	}
	return wait
}

// Validate rejects unknown backoff types.
func (b Backoff) Validate() error {
	switch b.Type {
	case BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("%w: backoff type %q", ErrInvalidPayload, b.Type)
	}
	if b.Delay < 0 {
		return fmt.Errorf("%w: negative backoff delay", ErrInvalidPayload)
	}
	return nil
}

// JobInfo is the broker's own bookkeeping for a job.
type JobInfo struct {
	ID           string          `json:"id"`
	Type         JobType         `json:"type"`
	State        string          `json:"state"`
	Status       Status          `json:"status"`
	Progress     int             `json:"progress"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	PriorityName string          `json:"priorityName"`
	SessionID    string          `json:"sessionId,omitempty"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	Backoff      Backoff         `json:"backoff"`
	FailedReason string          `json:"failedReason,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
}

// AsStatus projects broker bookkeeping into a JobStatus, used when the cache misses.
func (j JobInfo) AsStatus() (*JobStatus, error) {
	st := &JobStatus{
		ID:       j.ID,
		Type:     j.Type,
		Status:   j.Status,
		Progress: j.Progress,
		Attempt:  j.AttemptsMade,
	}
	if j.FinishedAt != nil {
		st.UpdatedAt = *j.FinishedAt
	} else if j.ProcessedAt != nil {
		st.UpdatedAt = *j.ProcessedAt
	} else {
		st.UpdatedAt = j.CreatedAt
	}
	switch j.Status {
	case StatusCompleted:
		if len(j.Result) > 0 {
			res, err := DecodeResult(j.Type, j.Result)
			if err != nil {
				return nil, err
			}
			st.Result = res
		}
	case StatusFailed:
		st.Error = j.FailedReason
	}
	st.Normalize()
	return st, nil
}

// QueueStats is an aggregate read of broker state.
type QueueStats struct {
	Pending   int64 `json:"pending"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Total     int64 `json:"total"`
}
