package store

import (
	"context"
	"database/sql"
	"fmt"

	"storefront/internal/models"
)

// CreateFulfillmentTasks seeds the task checklist for an order. Existing
// tasks of the same type are left alone.
func (s *Store) CreateFulfillmentTasks(ctx context.Context, orderID int64, taskTypes []string) error {
	for _, taskType := range taskTypes {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO order_fulfillment_tasks (order_id, task_type)
			VALUES ($1, $2)
			ON CONFLICT (order_id, task_type) DO NOTHING`,
			orderID, taskType)
		if err != nil {
			return fmt.Errorf("seed task %s: %w", taskType, err)
		}
	}
	return nil
}

// GetFulfillmentTask retrieves one task scoped to its order.
func (s *Store) GetFulfillmentTask(ctx context.Context, orderID, taskID int64) (*models.FulfillmentTask, error) {
	var task models.FulfillmentTask
	err := s.db.GetContext(ctx, &task,
		"SELECT * FROM order_fulfillment_tasks WHERE id = $1 AND order_id = $2",
		taskID, orderID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("fulfillment task not found: %d", taskID)
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// GetFulfillmentTasks retrieves the checklist for an order.
func (s *Store) GetFulfillmentTasks(ctx context.Context, orderID int64) ([]models.FulfillmentTask, error) {
	var tasks []models.FulfillmentTask
	err := s.db.SelectContext(ctx, &tasks,
		"SELECT * FROM order_fulfillment_tasks WHERE order_id = $1 ORDER BY id", orderID)
	return tasks, err
}

// SetTaskCompletion flips a task's completed flag. The completed-at stamp
// and actor are written only on the transition; re-marking an already
// completed task changes nothing and returns changed=false.
func (s *Store) SetTaskCompletion(ctx context.Context, taskID int64, completed bool, actor string) (changed bool, err error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE order_fulfillment_tasks SET
			completed = $1,
			completed_at = CASE WHEN $1 THEN NOW() ELSE NULL END,
			completed_by = CASE WHEN $1 THEN $2 ELSE '' END
		WHERE id = $3 AND completed <> $1`,
		completed, actor, taskID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	return affected > 0, err
}

// FulfillmentProgress returns completed and total task counts for an order.
func (s *Store) FulfillmentProgress(ctx context.Context, orderID int64) (completed, total int, err error) {
	err = s.db.QueryRowxContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE completed), COUNT(*)
		FROM order_fulfillment_tasks WHERE order_id = $1`,
		orderID).Scan(&completed, &total)
	return completed, total, err
}
