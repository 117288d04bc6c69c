package runtime

import (
	"context"
	"fmt"
	"time"

	errspkg "github.com/flowbus/flowbus/internal/runtime/errors"
	loggingpkg "github.com/flowbus/flowbus/internal/runtime/logging"
	metadatapkg "github.com/flowbus/flowbus/internal/runtime/metadata"
	sagapkg "github.com/flowbus/flowbus/internal/runtime/saga"
)

// KeySagaID marks events emitted on behalf of a saga instance.
const KeySagaID = "fb_saga_id"

// CompensationStep pairs a completed step name with the event that undoes
// it.
type CompensationStep struct {
	Step      string
	EventType string
	Data      map[string]any
}

// SagaCoordinator persists saga instances and emits their step-transition
// events. It never talks to the broker directly: every transition travels
// through the Publisher like any other event.
type SagaCoordinator struct {
	store     sagapkg.Store
	publisher *Publisher
	logger    loggingpkg.ServiceLogger
}

// NewSagaCoordinator wires a coordinator over a saga store and a publisher.
func NewSagaCoordinator(store sagapkg.Store, publisher *Publisher, log loggingpkg.ServiceLogger) (*SagaCoordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("flowbus: saga store is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("flowbus: publisher is required")
	}
	if log == nil {
		log = loggingpkg.Nop()
	}
	return &SagaCoordinator{store: store, publisher: publisher, logger: log}, nil
}

// Start creates and persists a new instance for the initiating event.
func (c *SagaCoordinator) Start(ctx context.Context, sagaType, correlationID, initiatingEvent string, state map[string]any, expiresAt *time.Time) (*sagapkg.Instance, error) {
	instance := sagapkg.New(sagaType, correlationID, initiatingEvent)
	instance.State = state
	instance.ExpiresAt = expiresAt

	if err := c.store.CreateSaga(ctx, instance); err != nil {
		return nil, fmt.Errorf("flowbus: failed to create saga: %w", err)
	}
	c.logger.Info("saga started", loggingpkg.LogFields{
		"saga_id":        instance.ID,
		"saga_type":      instance.SagaType,
		"correlation_id": instance.CorrelationID,
	})
	return instance, nil
}

// Load fetches an instance by id.
func (c *SagaCoordinator) Load(ctx context.Context, id string) (*sagapkg.Instance, error) {
	return c.store.GetSaga(ctx, id)
}

// LoadByCorrelation fetches the instance tied to a correlation id, which is
// how step handlers find their saga from a delivered event.
func (c *SagaCoordinator) LoadByCorrelation(ctx context.Context, correlationID string) (*sagapkg.Instance, error) {
	return c.store.GetSagaByCorrelationID(ctx, correlationID)
}

// CompleteStep records the step as done and, when nextEventType is set,
// publishes the event that triggers the following step under the saga's
// correlation id.
func (c *SagaCoordinator) CompleteStep(ctx context.Context, instance *sagapkg.Instance, step, nextEventType string, nextData map[string]any) error {
	if err := instance.CheckExpiry(time.Now().UTC()); err != nil {
		return err
	}
	if err := instance.Advance(step); err != nil {
		return err
	}
	instance.AddCompletedStep(step)

	if err := c.store.UpdateSaga(ctx, instance); err != nil {
		return fmt.Errorf("flowbus: failed to update saga %s: %w", instance.ID, err)
	}

	if nextEventType == "" {
		return nil
	}
	_, err := c.publisher.Publish(ctx, nextEventType, nextData, PublishOptions{
		CorrelationID: instance.CorrelationID,
		CausationID:   instance.InitiatingEvent,
		Metadata:      metadatapkg.New(KeySagaID, instance.ID),
	})
	return err
}

// Compensate switches the instance to compensating and publishes the
// compensation events for its completed steps in reverse order. The first
// publish failure stops the walk and is reported as a compensation error;
// the instance stays in compensating for another attempt.
func (c *SagaCoordinator) Compensate(ctx context.Context, instance *sagapkg.Instance, steps []CompensationStep) error {
	if err := instance.StartCompensation(); err != nil {
		return err
	}
	if err := c.store.UpdateSaga(ctx, instance); err != nil {
		return fmt.Errorf("flowbus: failed to update saga %s: %w", instance.ID, err)
	}

	byStep := make(map[string]CompensationStep, len(steps))
	for _, s := range steps {
		byStep[s.Step] = s
	}

	for i := len(instance.CompletedSteps) - 1; i >= 0; i-- {
		step := instance.CompletedSteps[i]
		if contains(instance.CompensatedSteps, step) {
			continue
		}
		comp, ok := byStep[step]
		if !ok {
			// Steps without a compensating action are skipped, not fatal.
			instance.AddCompensatedStep(step)
			continue
		}

		if _, err := c.publisher.Publish(ctx, comp.EventType, comp.Data, PublishOptions{
			CorrelationID: instance.CorrelationID,
			CausationID:   instance.InitiatingEvent,
			Metadata:      metadatapkg.New(KeySagaID, instance.ID),
		}); err != nil {
			saveErr := c.store.UpdateSaga(ctx, instance)
			if saveErr != nil {
				c.logger.Error("failed to persist partial compensation", saveErr, loggingpkg.LogFields{"saga_id": instance.ID})
			}
			return &errspkg.SagaCompensationError{SagaID: instance.ID, Step: step, Cause: err}
		}
		instance.AddCompensatedStep(step)
	}

	if err := c.store.UpdateSaga(ctx, instance); err != nil {
		return fmt.Errorf("flowbus: failed to update saga %s: %w", instance.ID, err)
	}
	c.logger.Info("saga compensated", loggingpkg.LogFields{
		"saga_id": instance.ID,
		"steps":   len(instance.CompensatedSteps),
	})
	return nil
}

// Complete marks the instance completed.
func (c *SagaCoordinator) Complete(ctx context.Context, instance *sagapkg.Instance) error {
	if err := instance.Complete(); err != nil {
		return err
	}
	return c.store.UpdateSaga(ctx, instance)
}

// Fail marks the instance failed.
func (c *SagaCoordinator) Fail(ctx context.Context, instance *sagapkg.Instance) error {
	if err := instance.Fail(); err != nil {
		return err
	}
	return c.store.UpdateSaga(ctx, instance)
}

// Cancel aborts the instance from any non-terminal state.
func (c *SagaCoordinator) Cancel(ctx context.Context, instance *sagapkg.Instance) error {
	if err := instance.Cancel(); err != nil {
		return err
	}
	return c.store.UpdateSaga(ctx, instance)
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
