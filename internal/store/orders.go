package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"storefront/internal/models"
)

// orderRow carries the JSON-encoded columns alongside the scalar ones.
type orderRow struct {
	models.Order
	ShippingAddressJSON []byte `db:"shipping_address"`
	BillingAddressJSON  []byte `db:"billing_address"`
	ShippingMethodJSON  []byte `db:"shipping_method"`
}

func (r *orderRow) toOrder() (*models.Order, error) {
	order := r.Order
	if err := json.Unmarshal(r.ShippingAddressJSON, &order.ShippingAddress); err != nil {
		return nil, fmt.Errorf("decode shipping address: %w", err)
	}
	if err := json.Unmarshal(r.BillingAddressJSON, &order.BillingAddress); err != nil {
		return nil, fmt.Errorf("decode billing address: %w", err)
	}
	if err := json.Unmarshal(r.ShippingMethodJSON, &order.ShippingMethod); err != nil {
		return nil, fmt.Errorf("decode shipping method: %w", err)
	}
	return &order, nil
}

// CreateOrderTx persists the order, its item snapshots, one sale movement
// per item and the clamped stock decrement as a single transaction.
// Either everything commits or nothing does. Returns the product ids whose
// decrement was clamped at zero.
func (s *Store) CreateOrderTx(ctx context.Context, order *models.Order, items []models.OrderItem) ([]int64, error) {
	shippingAddr, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return nil, err
	}
	billingAddr, err := json.Marshal(order.BillingAddress)
	if err != nil {
		return nil, err
	}
	method, err := json.Marshal(order.ShippingMethod)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	err = tx.QueryRowxContext(ctx, `
		INSERT INTO orders (
			order_number, user_id, guest_email, status, payment_method,
			payment_status, provider_tx_id, subtotal, shipping_cost, tax, total,
			currency, shipping_address, billing_address, shipping_method,
			customer_notes, marketing_opt_in
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING id, created_at, updated_at`,
		order.OrderNumber, order.UserID, order.GuestEmail, order.Status,
		order.PaymentMethod, order.PaymentStatus, order.ProviderTxID,
		order.Subtotal, order.ShippingCost, order.Tax, order.Total,
		order.Currency, shippingAddr, billingAddr, method,
		order.CustomerNotes, order.MarketingOptIn,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	reference := OrderReference(order.ID)
	var oversold []int64

	for i := range items {
		item := &items[i]
		item.OrderID = order.ID

		err = tx.QueryRowxContext(ctx, `
			INSERT INTO order_items (order_id, product_id, name, quantity, unit_price, line_total)
			VALUES ($1,$2,$3,$4,$5,$6)
			RETURNING id`,
			item.OrderID, item.ProductID, item.Name, item.Quantity, item.UnitPrice, item.LineTotal,
		).Scan(&item.ID)
		if err != nil {
			return nil, fmt.Errorf("insert order item: %w", err)
		}

		var stock int
		err = tx.GetContext(ctx, &stock,
			"SELECT stock_quantity FROM products WHERE id = $1 FOR UPDATE", item.ProductID)
		if err != nil {
			return nil, fmt.Errorf("lock product %d: %w", item.ProductID, err)
		}

		applied := item.Quantity
		clamped := false
		if stock < applied {
			applied = stock
			clamped = true
			oversold = append(oversold, item.ProductID)
		}
		balance := stock - applied

		_, err = tx.ExecContext(ctx, `
			INSERT INTO inventory_movements (product_id, quantity_delta, balance, reason, reference, actor)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (product_id, reference, reason) DO NOTHING`,
			item.ProductID, -applied, balance, models.MovementReasonSale, reference, "system")
		if err != nil {
			return nil, fmt.Errorf("insert movement: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE products
			SET stock_quantity = $1, flagged_for_restock = flagged_for_restock OR $2
			WHERE id = $3`,
			balance, clamped, item.ProductID)
		if err != nil {
			return nil, fmt.Errorf("update stock: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, from_status, to_status, actor, note)
		VALUES ($1,$2,$3,$4,$5)`,
		order.ID, "", models.OrderStatusPending, "system", "order created")
	if err != nil {
		return nil, fmt.Errorf("insert status history: %w", err)
	}

	return oversold, tx.Commit()
}

// OrderReference is the ledger reference for movements tied to an order.
func OrderReference(orderID int64) string {
	return fmt.Sprintf("order:%d", orderID)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order not found %d: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return nil, err
	}
	return row.toOrder()
}

// GetOrderByNumber retrieves an order by its human-readable number.
func (s *Store) GetOrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM orders WHERE order_number = $1", number)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order not found %s: %w", number, sql.ErrNoRows)
	}
	if err != nil {
		return nil, err
	}
	return row.toOrder()
}

// GetOrderItems retrieves all item snapshots for an order.
func (s *Store) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// GetOrdersByUserID retrieves orders for a user
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, err
	}

	orders := make([]models.Order, 0, len(rows))
	for i := range rows {
		order, err := rows[i].toOrder()
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, nil
}

// UpdateOrderStatusCAS applies a status transition guarded by the expected
// current status, stamps shipped/delivered timestamps exactly once, and
// appends the history record in the same transaction. Returns false when
// the precondition status no longer matches.
func (s *Store) UpdateOrderStatusCAS(ctx context.Context, orderID int64, from, to models.OrderStatus, tracking, carrier, actor, note string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE orders SET
			status = $1,
			tracking_number = CASE WHEN $2 <> '' THEN $2 ELSE tracking_number END,
			carrier = CASE WHEN $3 <> '' THEN $3 ELSE carrier END,
			shipped_at = CASE WHEN $1 = 'shipped' THEN COALESCE(shipped_at, NOW()) ELSE shipped_at END,
			delivered_at = CASE WHEN $1 = 'delivered' THEN COALESCE(delivered_at, NOW()) ELSE delivered_at END,
			updated_at = NOW()
		WHERE id = $4 AND status = $5`,
		to, tracking, carrier, orderID, from)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, from_status, to_status, actor, note)
		VALUES ($1,$2,$3,$4,$5)`,
		orderID, from, to, actor, note)
	if err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// GetStatusHistory retrieves the append-only transition log for an order.
func (s *Store) GetStatusHistory(ctx context.Context, orderID int64) ([]models.StatusHistory, error) {
	var history []models.StatusHistory
	err := s.db.SelectContext(ctx, &history,
		"SELECT * FROM order_status_history WHERE order_id = $1 ORDER BY id", orderID)
	return history, err
}

// UpdateAdminNotes sets the admin note field.
func (s *Store) UpdateAdminNotes(ctx context.Context, orderID int64, notes string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET admin_notes = $1, updated_at = NOW() WHERE id = $2",
		notes, orderID)
	return err
}

// CreatePaymentRecovery records a captured payment awaiting its order.
func (s *Store) CreatePaymentRecovery(ctx context.Context, recovery *models.PaymentRecovery) error {
	return s.db.QueryRowxContext(ctx, `
		INSERT INTO payment_recoveries (provider, provider_ref, session_id, amount, currency, state, detail)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (provider_ref) DO UPDATE SET detail = EXCLUDED.detail, updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		recovery.Provider, recovery.ProviderRef, recovery.SessionID, recovery.Amount,
		recovery.Currency, recovery.State, recovery.Detail,
	).Scan(&recovery.ID, &recovery.CreatedAt, &recovery.UpdatedAt)
}

// GetPaymentRecovery retrieves a recovery record by provider reference.
func (s *Store) GetPaymentRecovery(ctx context.Context, providerRef string) (*models.PaymentRecovery, error) {
	var recovery models.PaymentRecovery
	err := s.db.GetContext(ctx, &recovery,
		"SELECT * FROM payment_recoveries WHERE provider_ref = $1", providerRef)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &recovery, nil
}

// ResolvePaymentRecovery moves a recovery record to a terminal state.
func (s *Store) ResolvePaymentRecovery(ctx context.Context, providerRef, state string, orderID *int64, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payment_recoveries
		SET state = $1, order_id = $2, detail = $3, updated_at = NOW()
		WHERE provider_ref = $4`,
		state, orderID, detail, providerRef)
	return err
}

// CountOpenRecoveries returns the number of unresolved recovery records.
func (s *Store) CountOpenRecoveries(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM payment_recoveries WHERE state = $1",
		models.RecoveryStateOrderPending)
	return count, err
}
