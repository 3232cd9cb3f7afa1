package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DurationUnknown is reported while rendering has not finished.
const DurationUnknown int64 = -1

//go:generate mockgen -destination=providermock/mock_checker.go -package=providermock musicgen-controlplane/pkg/provider StatusChecker

// StatusChecker fetches the current state of one or more provider tasks in a
// single call.
type StatusChecker interface {
	CheckStatus(ctx context.Context, ids []string) ([]TaskStatus, error)
}

// TaskStatus is the raw per-task payload returned by the status endpoint.
type TaskStatus struct {
	ID         string          `json:"id"`
	Status     int             `json:"status"`
	State      string          `json:"state,omitempty"`
	DurationMs int64           `json:"duration"`
	AudioURL   string          `json:"audio_url,omitempty"`
	ImageURL   string          `json:"image_url,omitempty"`
	FailCode   string          `json:"fail_code,omitempty"`
	FailReason string          `json:"fail_reason,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Title      string          `json:"title,omitempty"`
	Tags       string          `json:"tags,omitempty"`
	Lyrics     string          `json:"lyrics,omitempty"`
	Model      string          `json:"model,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	type alias TaskStatus
	v := alias{DurationMs: DurationUnknown}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = TaskStatus(v)
	s.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Error is returned for a non-2xx response once internal retries are spent,
// or for a 2xx response whose envelope carries a failure code.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider: status %d: %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("provider: status %d: %s", e.StatusCode, e.Message)
}

type statusEnvelope struct {
	Code int          `json:"code"`
	Msg  string       `json:"msg"`
	Data []TaskStatus `json:"data"`
}

type errorEnvelope struct {
	Code    json.RawMessage `json:"code"`
	Msg     string          `json:"msg"`
	Message string          `json:"message"`
}
