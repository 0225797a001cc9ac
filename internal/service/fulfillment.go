package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"storefront/internal/models"
	"storefront/internal/store"
	"storefront/internal/util"
)

// TaskStore holds the per-order fulfillment checklist.
type TaskStore interface {
	CreateFulfillmentTasks(ctx context.Context, orderID int64, taskTypes []string) error
	GetFulfillmentTask(ctx context.Context, orderID, taskID int64) (*models.FulfillmentTask, error)
	GetFulfillmentTasks(ctx context.Context, orderID int64) ([]models.FulfillmentTask, error)
	SetTaskCompletion(ctx context.Context, taskID int64, completed bool, actor string) (changed bool, err error)
	FulfillmentProgress(ctx context.Context, orderID int64) (completed, total int, err error)
}

// ItemReader loads the item snapshots the picking hook decrements.
type ItemReader interface {
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
}

// Progress is the completion summary for an order's checklist.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// FulfillmentTracker drives the warehouse checklist. Completing the
// picking task decrements inventory through the ledger; the shared order
// reference makes the decrement happen exactly once even when the sale
// already moved stock at order creation, and no matter how often the
// completion request is replayed.
type FulfillmentTracker struct {
	tasks  TaskStore
	items  ItemReader
	ledger *InventoryLedger
	logger *zap.Logger
}

func NewFulfillmentTracker(tasks TaskStore, items ItemReader, ledger *InventoryLedger) *FulfillmentTracker {
	return &FulfillmentTracker{
		tasks:  tasks,
		items:  items,
		ledger: ledger,
		logger: util.GetLogger(),
	}
}

// Seed creates the default checklist for an order. Existing tasks are
// kept, so re-entering processing never duplicates them.
func (t *FulfillmentTracker) Seed(ctx context.Context, orderID int64) error {
	return t.tasks.CreateFulfillmentTasks(ctx, orderID, models.DefaultTaskTypes)
}

// Tasks lists the checklist for an order.
func (t *FulfillmentTracker) Tasks(ctx context.Context, orderID int64) ([]models.FulfillmentTask, error) {
	return t.tasks.GetFulfillmentTasks(ctx, orderID)
}

// SetCompletion marks a task done or not done. Setting the current value
// again is a no-op success. Completing picking decrements stock for every
// line; un-completing picking returns it.
func (t *FulfillmentTracker) SetCompletion(ctx context.Context, orderID, taskID int64, completed bool, actor string) (*models.FulfillmentTask, error) {
	task, err := t.tasks.GetFulfillmentTask(ctx, orderID, taskID)
	if err != nil {
		return nil, err
	}

	changed, err := t.tasks.SetTaskCompletion(ctx, taskID, completed, actor)
	if err != nil {
		return nil, fmt.Errorf("set task completion: %w", err)
	}
	if !changed {
		return task, nil
	}

	if task.TaskType == models.TaskTypePicking {
		if err := t.moveStockForPicking(ctx, orderID, completed, actor); err != nil {
			return nil, err
		}
	}

	util.FulfillmentTasksCompleted.WithLabelValues(task.TaskType).Inc()
	task, err = t.tasks.GetFulfillmentTask(ctx, orderID, taskID)
	if err != nil {
		return nil, err
	}
	t.logger.Info("fulfillment task updated",
		zap.Int64("order_id", orderID),
		zap.String("task_type", task.TaskType),
		zap.Bool("completed", completed),
		zap.String("actor", actor))
	return task, nil
}

// Progress reports completed versus total tasks for an order.
func (t *FulfillmentTracker) Progress(ctx context.Context, orderID int64) (Progress, error) {
	completed, total, err := t.tasks.FulfillmentProgress(ctx, orderID)
	if err != nil {
		return Progress{}, err
	}
	return Progress{Completed: completed, Total: total}, nil
}

// moveStockForPicking records the physical stock effect of picking. The
// ledger's (product, reference, reason) idempotence guarantees one sale
// and at most one return per order line regardless of replays or of the
// sale having been recorded at order creation.
func (t *FulfillmentTracker) moveStockForPicking(ctx context.Context, orderID int64, picked bool, actor string) error {
	items, err := t.items.GetOrderItems(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order items: %w", err)
	}
	reference := store.OrderReference(orderID)
	for _, item := range items {
		if picked {
			_, err = t.ledger.Decrement(ctx, item.ProductID, item.Quantity,
				models.MovementReasonSale, reference, actor)
		} else {
			_, err = t.ledger.Increment(ctx, item.ProductID, item.Quantity,
				models.MovementReasonReturn, reference, actor)
		}
		if err != nil {
			return fmt.Errorf("picking stock movement for product %d: %w", item.ProductID, err)
		}
	}
	return nil
}
