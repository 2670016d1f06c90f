package handler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/listing-scheduler/internal/model"
	"github.com/t77yq/listing-scheduler/internal/storage"
)

// ABTestRotationPayload represents the payload of ab_test_rotation tasks
type ABTestRotationPayload struct {
	ABTestID string `json:"ab_test_id"`
	UserID   string `json:"user_id"`
}

// ABTestRotationHandler moves an A/B test to its next variant and applies it
type ABTestRotationHandler struct {
	logger  *zap.Logger
	tests   storage.ABTestStore
	updater ProductUpdater
}

// NewABTestRotationHandler creates a new A/B test rotation handler
func NewABTestRotationHandler(logger *zap.Logger, tests storage.ABTestStore, updater ProductUpdater) *ABTestRotationHandler {
	return &ABTestRotationHandler{
		logger:  logger.Named("ab-test-rotation"),
		tests:   tests,
		updater: updater,
	}
}

// Type implements Handler.Type
func (h *ABTestRotationHandler) Type() model.TaskType {
	return model.TaskTypeABTestRotation
}

// Handle implements Handler.Handle
func (h *ABTestRotationHandler) Handle(ctx context.Context, task *model.ScheduledTask) error {
	var payload ABTestRotationPayload
	if err := decodePayload(task.Payload, &payload); err != nil {
		return err
	}
	if payload.ABTestID == "" {
		return model.InvalidPayload("ab_test_id is required")
	}
	if payload.UserID == "" {
		return model.InvalidPayload("user_id is required")
	}

	test, err := h.tests.GetABTest(ctx, payload.ABTestID)
	if err != nil {
		return model.NewHandlerError(h.Type(), err)
	}
	if test.OwnerID != payload.UserID {
		return model.NewHandlerError(h.Type(),
			fmt.Errorf("%w: ab test %s", model.ErrNotOwner, payload.ABTestID))
	}

	// the active variant only moves once the storefront shows it
	rotated, err := h.tests.RotateABTest(ctx, payload.ABTestID, func(test *model.ABTest, next model.ABVariant) error {
		return h.updater.UpdateProductDescription(ctx, test.ProductID, next.Description)
	})
	if err != nil {
		return model.NewHandlerError(h.Type(), err)
	}

	variant := rotated.Active()

	h.logger.Info("Rotated ab test",
		zap.String("task_id", task.ID),
		zap.String("ab_test_id", rotated.ID),
		zap.String("variant", variant.Name))
	return nil
}
