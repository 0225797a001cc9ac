package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"storefront/internal/models"
	"storefront/internal/util"
)

// MovementStore is the durable append-only ledger.
type MovementStore interface {
	ApplyMovementTx(ctx context.Context, movement *models.InventoryMovement) (applied bool, clamped bool, err error)
	ListMovements(ctx context.Context, productID int64) ([]models.InventoryMovement, error)
	GetProductStock(ctx context.Context, productID int64) (int, error)
}

// StockCache mirrors on-hand balances for fast reads. Updates are
// best-effort; the ledger is authoritative.
type StockCache interface {
	GetCachedStock(ctx context.Context, productID int64) (int, error)
	DecrementCachedStock(ctx context.Context, productID int64, quantity int) (applied, balance int, clamped bool, err error)
	SetCachedStock(ctx context.Context, productID int64, balance int) error
}

// InventoryLedger records stock movements. Every change is an append-only
// entry; the on-hand balance is a projection and never goes below zero.
// Movements are idempotent per (product, reference, reason): replaying the
// same business event applies it once.
type InventoryLedger struct {
	store  MovementStore
	cache  StockCache // may be nil
	logger *zap.Logger
}

func NewInventoryLedger(store MovementStore, cache StockCache) *InventoryLedger {
	return &InventoryLedger{store: store, cache: cache, logger: util.GetLogger()}
}

// Apply records a signed movement. Returns the movement as written (its
// delta may have been clamped so the balance stays at zero) and whether
// it was applied; a replayed reference is a no-op success with applied
// false.
func (l *InventoryLedger) Apply(ctx context.Context, movement *models.InventoryMovement) (applied bool, err error) {
	if movement.QuantityDelta == 0 {
		return false, fmt.Errorf("movement delta must be non-zero")
	}
	if movement.Reference == "" || movement.Reason == "" {
		return false, fmt.Errorf("movement requires reference and reason")
	}

	applied, clamped, err := l.store.ApplyMovementTx(ctx, movement)
	if err != nil {
		return false, fmt.Errorf("apply movement: %w", err)
	}
	if !applied {
		l.logger.Debug("movement replayed, no-op",
			zap.Int64("product_id", movement.ProductID),
			zap.String("reference", movement.Reference))
		return false, nil
	}
	if clamped {
		util.OversellsFlagged.Inc()
		l.logger.Warn("movement clamped at zero, product flagged for restock",
			zap.Int64("product_id", movement.ProductID),
			zap.String("reference", movement.Reference),
			zap.Int("applied_delta", movement.QuantityDelta))
	}
	if l.cache != nil {
		l.syncCache(ctx, movement)
	}
	return true, nil
}

// syncCache mirrors an applied movement into the stock cache.
// Decrements run through the atomic clamped script so concurrent sales
// cannot interleave stale overwrites; increments write the ledger
// balance, which is authoritative after the movement committed.
func (l *InventoryLedger) syncCache(ctx context.Context, movement *models.InventoryMovement) {
	var err error
	if movement.QuantityDelta < 0 {
		_, _, _, err = l.cache.DecrementCachedStock(ctx, movement.ProductID, -movement.QuantityDelta)
	} else {
		err = l.cache.SetCachedStock(ctx, movement.ProductID, movement.Balance)
	}
	if err != nil {
		l.logger.Warn("stock cache update failed",
			zap.Int64("product_id", movement.ProductID), zap.Error(err))
	}
}

// Decrement records a sale of qty units against the reference.
func (l *InventoryLedger) Decrement(ctx context.Context, productID int64, qty int, reason, reference, actor string) (bool, error) {
	if qty <= 0 {
		return false, fmt.Errorf("decrement quantity must be positive, got %d", qty)
	}
	return l.Apply(ctx, &models.InventoryMovement{
		ProductID:     productID,
		QuantityDelta: -qty,
		Reason:        reason,
		Reference:     reference,
		Actor:         actor,
	})
}

// Increment records stock coming back, a return or a correction.
func (l *InventoryLedger) Increment(ctx context.Context, productID int64, qty int, reason, reference, actor string) (bool, error) {
	if qty <= 0 {
		return false, fmt.Errorf("increment quantity must be positive, got %d", qty)
	}
	return l.Apply(ctx, &models.InventoryMovement{
		ProductID:     productID,
		QuantityDelta: qty,
		Reason:        reason,
		Reference:     reference,
		Actor:         actor,
	})
}

// MirrorSale reflects a sale that committed outside Apply (the atomic
// order-creation transaction writes its own movements) into the stock
// cache. Best-effort, like every cache write.
func (l *InventoryLedger) MirrorSale(ctx context.Context, productID int64, qty int) {
	if l.cache == nil || qty <= 0 {
		return
	}
	if _, _, _, err := l.cache.DecrementCachedStock(ctx, productID, qty); err != nil {
		l.logger.Warn("stock cache update failed",
			zap.Int64("product_id", productID), zap.Error(err))
	}
}

// OnHand returns the current projected balance for a product, cache
// first. A cache miss falls back to the ledger projection and backfills
// the mirror.
func (l *InventoryLedger) OnHand(ctx context.Context, productID int64) (int, error) {
	if l.cache != nil {
		if cached, err := l.cache.GetCachedStock(ctx, productID); err == nil {
			return cached, nil
		}
	}
	balance, err := l.store.GetProductStock(ctx, productID)
	if err != nil {
		return 0, err
	}
	if l.cache != nil {
		if cacheErr := l.cache.SetCachedStock(ctx, productID, balance); cacheErr != nil {
			l.logger.Warn("stock cache backfill failed",
				zap.Int64("product_id", productID), zap.Error(cacheErr))
		}
	}
	return balance, nil
}

// History lists the movements for a product, newest first.
func (l *InventoryLedger) History(ctx context.Context, productID int64) ([]models.InventoryMovement, error) {
	return l.store.ListMovements(ctx, productID)
}
