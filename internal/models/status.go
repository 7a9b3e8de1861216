package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the status cache entry polled by clients.
type JobStatus struct {
	ID       string  `json:"id"`
	Type     JobType `json:"type"`
	Status   Status  `json:"status"`
	Progress int     `json:"progress"`
	Result   Result  `json:"result,omitempty"`
	Error    string  `json:"error,omitempty"`
	// Attempt is the 1-based attempt the entry describes.
	Attempt int `json:"attempt,omitempty"`
	// Retrying is set on a failed entry when the broker will redeliver the job.
	Retrying  bool      `json:"retrying,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Normalize applies defaults and the completed/failed field invariants.
func (s *JobStatus) Normalize() {
	if s.Status == "" {
		s.Status = StatusPending
	}
	if s.Progress < 0 {
		s.Progress = 0
	}
	if s.Progress > 100 {
		s.Progress = 100
	}
	switch s.Status {
	case StatusCompleted:
		s.Error = ""
		s.Retrying = false
		s.Progress = 100
	case StatusFailed:
		s.Result = nil
		if s.Error == "" {
			s.Error = "job failed"
		}
	default:
		s.Result = nil
		s.Error = ""
		s.Retrying = false
	}
}

// Terminal reports whether pollers can stop: completed, or failed with no
// redelivery pending.
func (s *JobStatus) Terminal() bool {
	return s.Status == StatusCompleted || (s.Status == StatusFailed && !s.Retrying)
}

type jobStatusWire struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Status    Status          `json:"status"`
	Progress  int             `json:"progress"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	Retrying  bool            `json:"retrying,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// UnmarshalJSON resolves the concrete Result from Type.
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var w jobStatusWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = JobStatus{
		ID:        w.ID,
		Type:      w.Type,
		Status:    w.Status,
		Progress:  w.Progress,
		Error:     w.Error,
		Attempt:   w.Attempt,
		Retrying:  w.Retrying,
		UpdatedAt: w.UpdatedAt,
	}
	if len(w.Result) > 0 && string(w.Result) != "null" {
		res, err := DecodeResult(w.Type, w.Result)
		if err != nil {
			return fmt.Errorf("job status %s: %w", w.ID, err)
		}
		s.Result = res
	}
	return nil
}
