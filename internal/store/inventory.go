package store

import (
	"context"

	"storefront/internal/models"
)

// ApplyMovementTx appends a ledger movement and updates the cached stock
// field in one transaction. The product row lock serializes concurrent
// movements; the unique (product_id, reference, reason) index makes
// replays no-ops. Negative balances are clamped to zero and flagged.
// Returns applied=false when an identical movement already exists.
func (s *Store) ApplyMovementTx(ctx context.Context, movement *models.InventoryMovement) (applied bool, clamped bool, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, false, err
	}
	defer tx.Rollback()

	var exists bool
	err = tx.GetContext(ctx, &exists, `
		SELECT EXISTS(
			SELECT 1 FROM inventory_movements
			WHERE product_id = $1 AND reference = $2 AND reason = $3
		)`,
		movement.ProductID, movement.Reference, movement.Reason)
	if err != nil {
		return false, false, err
	}
	if exists {
		return false, false, nil
	}

	var stock int
	err = tx.GetContext(ctx, &stock,
		"SELECT stock_quantity FROM products WHERE id = $1 FOR UPDATE", movement.ProductID)
	if err != nil {
		return false, false, err
	}

	balance := stock + movement.QuantityDelta
	if balance < 0 {
		// Oversell: apply only what is left, flag for restock.
		movement.QuantityDelta = -stock
		balance = 0
		clamped = true
	}
	movement.Balance = balance

	err = tx.QueryRowxContext(ctx, `
		INSERT INTO inventory_movements (product_id, quantity_delta, balance, reason, reference, actor)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, created_at`,
		movement.ProductID, movement.QuantityDelta, movement.Balance,
		movement.Reason, movement.Reference, movement.Actor,
	).Scan(&movement.ID, &movement.CreatedAt)
	if err != nil {
		return false, false, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = $1, flagged_for_restock = flagged_for_restock OR $2
		WHERE id = $3`,
		balance, clamped, movement.ProductID)
	if err != nil {
		return false, false, err
	}

	return true, clamped, tx.Commit()
}

// ListMovements returns the ledger entries for a product, oldest first.
func (s *Store) ListMovements(ctx context.Context, productID int64) ([]models.InventoryMovement, error) {
	var movements []models.InventoryMovement
	err := s.db.SelectContext(ctx, &movements,
		"SELECT * FROM inventory_movements WHERE product_id = $1 ORDER BY id", productID)
	return movements, err
}
