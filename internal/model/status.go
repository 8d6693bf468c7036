package model

import "fmt"

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusStarted    Status = "STARTED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// ParseStatus returns the Status named by s or an error for anything outside the enum.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusStarted, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed:
		return true
	case StatusQueued, StatusStarted, StatusProcessing:
		return false
	}
	return false
}

// rank orders statuses along the lifecycle; terminal states share the top rank.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusStarted:
		return 1
	case StatusProcessing:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	}
	return -1
}

func (s Status) String() string { return string(s) }

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown job status %q", string(s))
	}
	return []byte(s), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	st, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// RequestType selects how a worker executes a job.
type RequestType string

const (
	RequestTypeDirect   RequestType = "DIRECT"
	RequestTypeWorkflow RequestType = "WORKFLOW"
)

func (t RequestType) Valid() bool {
	switch t {
	case RequestTypeDirect, RequestTypeWorkflow:
		return true
	}
	return false
}

func (t RequestType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown request type %q", string(t))
	}
	return []byte(t), nil
}

func (t *RequestType) UnmarshalText(b []byte) error {
	rt := RequestType(b)
	if !rt.Valid() {
		return fmt.Errorf("unknown request type %q", string(b))
	}
	*t = rt
	return nil
}
