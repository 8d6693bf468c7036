package model

import "time"

// StatusUpdate is a partial write to a JobStatus. Nil fields are left untouched.
type StatusUpdate struct {
	Status      *Status
	Progress    *int
	Message     *string
	Result      *JobResult
	Error       *JobError
	WorkflowRef *WorkflowExecutionRef

	// IfStatus makes the update conditional on the current status.
	IfStatus *Status
}

// UpdateOutcome reports how ApplyTo treated an update.
type UpdateOutcome int

const (
	Applied UpdateOutcome = iota
	RejectedTerminal
	RejectedCondition
)

// ApplyTo mutates js in place. Terminal records are never modified, progress never
// decreases, and status never moves backwards along the lifecycle.
func (u StatusUpdate) ApplyTo(js *JobStatus, now time.Time) UpdateOutcome {
	if js.Status.Terminal() {
		return RejectedTerminal
	}
	if u.IfStatus != nil && js.Status != *u.IfStatus {
		return RejectedCondition
	}

	if u.Status != nil && u.Status.rank() >= js.Status.rank() {
		js.Status = *u.Status
	}
	if u.Progress != nil && *u.Progress > js.Progress {
		js.Progress = clampProgress(*u.Progress)
	}
	if u.Message != nil {
		js.Message = *u.Message
	}
	if u.WorkflowRef != nil {
		ref := *u.WorkflowRef
		js.WorkflowExecutionRef = &ref
	}

	switch js.Status {
	case StatusCompleted:
		js.Progress = 100
		js.Error = nil
		if u.Result != nil {
			r := *u.Result
			js.Result = &r
		}
	case StatusFailed:
		js.Result = nil
		if u.Error != nil {
			e := *u.Error
			js.Error = &e
		}
	case StatusQueued, StatusStarted, StatusProcessing:
		js.Result = nil
		js.Error = nil
	}

	js.UpdatedAt = now
	return Applied
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// NewJobStatus builds the initial QUEUED record for a request.
func NewJobStatus(requestID string, rt RequestType, now time.Time) *JobStatus {
	return &JobStatus{
		RequestID:   requestID,
		RequestType: rt,
		Status:      StatusQueued,
		Progress:    0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Update constructors used by the worker and dispatcher.

func ToStatus(s Status) StatusUpdate {
	return StatusUpdate{Status: &s}
}

func ToProgress(p int, msg string) StatusUpdate {
	return StatusUpdate{Progress: &p, Message: &msg}
}

func ToProcessing(p int, msg string) StatusUpdate {
	s := StatusProcessing
	return StatusUpdate{Status: &s, Progress: &p, Message: &msg}
}

func ToCompleted(result *JobResult) StatusUpdate {
	s := StatusCompleted
	p := 100
	msg := "Completed"
	return StatusUpdate{Status: &s, Progress: &p, Message: &msg, Result: result}
}

func ToFailed(name, message string) StatusUpdate {
	s := StatusFailed
	msg := "Failed"
	return StatusUpdate{Status: &s, Message: &msg, Error: &JobError{Name: name, Message: message}}
}

// When makes u conditional on the current status being s.
func (u StatusUpdate) When(s Status) StatusUpdate {
	u.IfStatus = &s
	return u
}

// WithWorkflowRef records the workflow execution alongside u.
func (u StatusUpdate) WithWorkflowRef(ref *WorkflowExecutionRef) StatusUpdate {
	u.WorkflowRef = ref
	return u
}
