// Package saga tracks long-running multi-step processes. An Instance is a
// state machine advanced by ordinary event handlers; compensation is a
// one-way branch taken when a step fails.
package saga

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/flowbus/flowbus/internal/runtime/errors"
	"github.com/flowbus/flowbus/internal/runtime/ids"
)

// Status of a saga instance.
type Status string

const (
	StatusStarted      Status = "started"
	StatusRunning      Status = "running"
	StatusCompensating Status = "compensating"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether the saga can no longer change state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Instance is one run of a saga type. CompletedSteps and CompensatedSteps
// are ordered and duplicate-free; the instance is kept forever as an audit
// trail.
type Instance struct {
	ID               string
	SagaType         string
	Status           Status
	CurrentStep      string
	State            map[string]any
	CorrelationID    string
	InitiatingEvent  string
	CompletedSteps   []string
	CompensatedSteps []string
	StartedAt        time.Time
	UpdatedAt        time.Time
	ExpiresAt        *time.Time
}

// Clone copies the instance with its own State map and step slices.
func (i *Instance) Clone() *Instance {
	clone := *i
	clone.State = maps.Clone(i.State)
	clone.CompletedSteps = slices.Clone(i.CompletedSteps)
	clone.CompensatedSteps = slices.Clone(i.CompensatedSteps)
	return &clone
}

// New creates a started instance for the given saga type.
func New(sagaType, correlationID, initiatingEvent string) *Instance {
	now := time.Now().UTC()
	return &Instance{
		ID:              ids.NewID(),
		SagaType:        sagaType,
		Status:          StatusStarted,
		State:           make(map[string]any),
		CorrelationID:   correlationID,
		InitiatingEvent: initiatingEvent,
		StartedAt:       now,
		UpdatedAt:       now,
	}
}

// Advance records the current step and keeps the saga running.
func (i *Instance) Advance(step string) error {
	if i.Status != StatusRunning && i.Status != StatusStarted {
		return transitionError(i.Status, StatusRunning)
	}
	i.Status = StatusRunning
	i.CurrentStep = step
	i.touch()
	return nil
}

// AddCompletedStep appends a step name, ignoring duplicates.
func (i *Instance) AddCompletedStep(step string) {
	for _, s := range i.CompletedSteps {
		if s == step {
			return
		}
	}
	i.CompletedSteps = append(i.CompletedSteps, step)
	i.touch()
}

// AddCompensatedStep appends a compensated step name, ignoring duplicates.
func (i *Instance) AddCompensatedStep(step string) {
	for _, s := range i.CompensatedSteps {
		if s == step {
			return
		}
	}
	i.CompensatedSteps = append(i.CompensatedSteps, step)
	i.touch()
}

// StartCompensation moves the saga to compensating. The transition is
// one-way: the saga can only end in completed, failed or cancelled from
// here.
func (i *Instance) StartCompensation() error {
	if i.Status.Terminal() {
		return transitionError(i.Status, StatusCompensating)
	}
	if i.Status == StatusCompensating {
		return nil
	}
	i.Status = StatusCompensating
	i.touch()
	return nil
}

// Complete marks the saga completed, from running or compensating.
func (i *Instance) Complete() error {
	if i.Status != StatusRunning && i.Status != StatusCompensating && i.Status != StatusStarted {
		return transitionError(i.Status, StatusCompleted)
	}
	i.Status = StatusCompleted
	i.CurrentStep = ""
	i.touch()
	return nil
}

// Fail marks the saga failed.
func (i *Instance) Fail() error {
	if i.Status.Terminal() {
		return transitionError(i.Status, StatusFailed)
	}
	i.Status = StatusFailed
	i.touch()
	return nil
}

// Cancel marks the saga cancelled. Allowed from any non-terminal state.
func (i *Instance) Cancel() error {
	if i.Status.Terminal() {
		return transitionError(i.Status, StatusCancelled)
	}
	i.Status = StatusCancelled
	i.touch()
	return nil
}

// Expired reports whether the instance has outlived its expiry.
func (i *Instance) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}

// CheckExpiry returns a SagaTimeoutError when the instance is expired and
// not yet terminal.
func (i *Instance) CheckExpiry(now time.Time) error {
	if i.Status.Terminal() || !i.Expired(now) {
		return nil
	}
	return &errors.SagaTimeoutError{SagaID: i.ID, ExpiredAt: *i.ExpiresAt}
}

func (i *Instance) touch() {
	i.UpdatedAt = time.Now().UTC()
}

func transitionError(from, to Status) error {
	return fmt.Errorf("flowbus: invalid saga transition %s -> %s", from, to)
}

// Store persists saga instances.
type Store interface {
	CreateSaga(ctx context.Context, instance *Instance) error
	GetSaga(ctx context.Context, id string) (*Instance, error)
	GetSagaByCorrelationID(ctx context.Context, correlationID string) (*Instance, error)
	UpdateSaga(ctx context.Context, instance *Instance) error
}
