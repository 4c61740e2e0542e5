package models

import (
	"errors"
	"time"
)

// ErrAlreadyCompleted is returned when Complete is called on a finalized result
var ErrAlreadyCompleted = errors.New("attack result already completed")

// ResultStatus is the outcome classification of one strategy execution
type ResultStatus string

const (
	ResultPending ResultStatus = "pending"
	ResultRunning ResultStatus = "running"
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
	ResultSkipped ResultStatus = "skipped"
	ResultTimeout ResultStatus = "timeout"
)

// IsFinal reports whether the status ends a result
func (s ResultStatus) IsFinal() bool {
	switch s {
	case ResultSuccess, ResultFailed, ResultSkipped, ResultTimeout:
		return true
	}
	return false
}

// AttackResult is the outcome of one strategy against one target
type AttackResult struct {
	Kind      AttackKind             `json:"kind"`
	TargetID  string                 `json:"targetId"`
	Status    ResultStatus           `json:"status"`
	StartTime time.Time              `json:"startTime"`
	EndTime   time.Time              `json:"endTime,omitempty"`
	Success   bool                   `json:"success"`
	Artifact  string                 `json:"artifact,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// NewAttackResult creates a Pending result
func NewAttackResult(kind AttackKind, targetID string) *AttackResult {
	return &AttackResult{
		Kind:      kind,
		TargetID:  targetID,
		Status:    ResultPending,
		StartTime: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// Start marks the result as Running
func (r *AttackResult) Start() {
	if r.Status == ResultPending {
		r.Status = ResultRunning
		r.StartTime = time.Now()
	}
}

// Complete finalizes the result. Only the first call has any effect.
func (r *AttackResult) Complete(status ResultStatus, artifact string, err error) error {
	if r.Status.IsFinal() {
		return ErrAlreadyCompleted
	}
	if !status.IsFinal() {
		status = ResultFailed
	}
	r.Status = status
	r.Success = status == ResultSuccess
	r.Artifact = artifact
	if err != nil {
		r.Error = err.Error()
	}
	r.EndTime = time.Now()
	return nil
}

// SetDetail stores a free-form value on the result
func (r *AttackResult) SetDetail(key string, value interface{}) {
	if r.Details == nil {
		r.Details = make(map[string]interface{})
	}
	r.Details[key] = value
}

// Duration returns how long the attack ran
func (r *AttackResult) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return time.Since(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}
