package handler

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/listing-scheduler/internal/model"
)

// ProductDescriptionPayload represents the payload of product_description_update tasks
type ProductDescriptionPayload struct {
	ProductID      *int64  `json:"product_id"`
	NewDescription *string `json:"new_description"`
}

// ProductDescriptionHandler replaces a product's description
type ProductDescriptionHandler struct {
	logger  *zap.Logger
	updater ProductUpdater
}

// NewProductDescriptionHandler creates a new product description handler
func NewProductDescriptionHandler(logger *zap.Logger, updater ProductUpdater) *ProductDescriptionHandler {
	return &ProductDescriptionHandler{
		logger:  logger.Named("product-description"),
		updater: updater,
	}
}

// Type implements Handler.Type
func (h *ProductDescriptionHandler) Type() model.TaskType {
	return model.TaskTypeProductDescriptionUpdate
}

// Handle implements Handler.Handle
func (h *ProductDescriptionHandler) Handle(ctx context.Context, task *model.ScheduledTask) error {
	var payload ProductDescriptionPayload
	if err := decodePayload(task.Payload, &payload); err != nil {
		return err
	}
	if payload.ProductID == nil {
		return model.InvalidPayload("product_id is required")
	}
	if payload.NewDescription == nil || strings.TrimSpace(*payload.NewDescription) == "" {
		return model.InvalidPayload("new_description is required")
	}

	if err := h.updater.UpdateProductDescription(ctx, *payload.ProductID, *payload.NewDescription); err != nil {
		return model.NewHandlerError(h.Type(), err)
	}

	h.logger.Info("Updated product description",
		zap.String("task_id", task.ID),
		zap.Int64("product_id", *payload.ProductID))
	return nil
}
