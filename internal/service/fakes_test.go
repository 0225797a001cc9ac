package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"storefront/internal/models"
	"storefront/internal/payment"
)

// fakeStore is an in-memory stand-in for the Postgres store, covering the
// OrderStore, MovementStore, TaskStore and ItemReader surfaces.
type fakeStore struct {
	mu sync.Mutex

	orders     map[int64]*models.Order
	orderItems map[int64][]models.OrderItem
	history    map[int64][]models.StatusHistory
	nextOrder  int64

	stock     map[int64]int
	moves     []models.InventoryMovement
	moveKeys  map[string]bool
	nextMove  int64
	restocked map[int64]bool

	tasks    map[int64]*models.FulfillmentTask
	nextTask int64

	recoveries map[string]*models.PaymentRecovery

	createOrderErr error
	casFailures    int // CAS calls to fail before succeeding
	casCalls       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:     make(map[int64]*models.Order),
		orderItems: make(map[int64][]models.OrderItem),
		history:    make(map[int64][]models.StatusHistory),
		stock:      make(map[int64]int),
		moveKeys:   make(map[string]bool),
		restocked:  make(map[int64]bool),
		tasks:      make(map[int64]*models.FulfillmentTask),
		recoveries: make(map[string]*models.PaymentRecovery),
	}
}

func moveKey(productID int64, reference, reason string) string {
	return fmt.Sprintf("%d|%s|%s", productID, reference, reason)
}

func (s *fakeStore) ApplyMovementTx(_ context.Context, movement *models.InventoryMovement) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := moveKey(movement.ProductID, movement.Reference, movement.Reason)
	if s.moveKeys[key] {
		return false, false, nil
	}

	balance := s.stock[movement.ProductID]
	clamped := false
	if balance+movement.QuantityDelta < 0 {
		movement.QuantityDelta = -balance
		clamped = true
		s.restocked[movement.ProductID] = true
	}
	balance += movement.QuantityDelta

	s.nextMove++
	movement.ID = s.nextMove
	movement.Balance = balance
	movement.CreatedAt = time.Now()
	s.stock[movement.ProductID] = balance
	s.moveKeys[key] = true
	s.moves = append(s.moves, *movement)
	return true, clamped, nil
}

func (s *fakeStore) ListMovements(_ context.Context, productID int64) ([]models.InventoryMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.InventoryMovement
	for i := len(s.moves) - 1; i >= 0; i-- {
		if s.moves[i].ProductID == productID {
			out = append(out, s.moves[i])
		}
	}
	return out, nil
}

func (s *fakeStore) GetProductStock(_ context.Context, productID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[productID], nil
}

func (s *fakeStore) CreateOrderTx(ctx context.Context, order *models.Order, items []models.OrderItem) ([]int64, error) {
	if s.createOrderErr != nil {
		return nil, s.createOrderErr
	}
	s.mu.Lock()
	s.nextOrder++
	order.ID = s.nextOrder
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	s.orders[order.ID] = order
	for i := range items {
		items[i].OrderID = order.ID
	}
	s.orderItems[order.ID] = items
	s.history[order.ID] = append(s.history[order.ID], models.StatusHistory{
		OrderID: order.ID, ToStatus: order.Status, Actor: "system", Note: "order created",
	})
	s.mu.Unlock()

	var oversold []int64
	for _, item := range items {
		movement := &models.InventoryMovement{
			ProductID:     item.ProductID,
			QuantityDelta: -item.Quantity,
			Reason:        models.MovementReasonSale,
			Reference:     fmt.Sprintf("order:%d", order.ID),
			Actor:         "system",
		}
		applied, clamped, err := s.ApplyMovementTx(ctx, movement)
		if err != nil {
			return nil, err
		}
		if applied && clamped {
			oversold = append(oversold, item.ProductID)
		}
	}
	return oversold, nil
}

func (s *fakeStore) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *order
	return &copied, nil
}

func (s *fakeStore) GetOrderByNumber(_ context.Context, number string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.OrderNumber == number {
			copied := *order
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *fakeStore) GetOrderItems(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderItems[orderID], nil
}

func (s *fakeStore) GetOrdersByUserID(_ context.Context, userID int64) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, order := range s.orders {
		if order.UserID != nil && *order.UserID == userID {
			out = append(out, *order)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateOrderStatusCAS(_ context.Context, orderID int64, from, to models.OrderStatus, tracking, carrier, actor, note string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.casCalls++
	if s.casFailures > 0 {
		s.casFailures--
		return false, nil
	}
	order, ok := s.orders[orderID]
	if !ok || order.Status != from {
		return false, nil
	}
	order.Status = to
	if tracking != "" {
		order.TrackingNumber = tracking
	}
	if carrier != "" {
		order.Carrier = carrier
	}
	now := time.Now()
	if to == models.OrderStatusShipped && order.ShippedAt == nil {
		order.ShippedAt = &now
	}
	if to == models.OrderStatusDelivered && order.DeliveredAt == nil {
		order.DeliveredAt = &now
	}
	order.UpdatedAt = now
	s.history[orderID] = append(s.history[orderID], models.StatusHistory{
		OrderID: orderID, FromStatus: from, ToStatus: to, Actor: actor, Note: note,
	})
	return true, nil
}

func (s *fakeStore) GetStatusHistory(_ context.Context, orderID int64) ([]models.StatusHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history[orderID], nil
}

func (s *fakeStore) UpdateAdminNotes(_ context.Context, orderID int64, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order, ok := s.orders[orderID]; ok {
		order.AdminNotes = notes
	}
	return nil
}

func (s *fakeStore) CreateFulfillmentTasks(_ context.Context, orderID int64, taskTypes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, taskType := range taskTypes {
		exists := false
		for _, t := range s.tasks {
			if t.OrderID == orderID && t.TaskType == taskType {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		s.nextTask++
		s.tasks[s.nextTask] = &models.FulfillmentTask{
			ID: s.nextTask, OrderID: orderID, TaskType: taskType,
		}
	}
	return nil
}

func (s *fakeStore) GetFulfillmentTask(_ context.Context, orderID, taskID int64) (*models.FulfillmentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok || task.OrderID != orderID {
		return nil, sql.ErrNoRows
	}
	copied := *task
	return &copied, nil
}

func (s *fakeStore) GetFulfillmentTasks(_ context.Context, orderID int64) ([]models.FulfillmentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FulfillmentTask
	for _, t := range s.tasks {
		if t.OrderID == orderID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *fakeStore) SetTaskCompletion(_ context.Context, taskID int64, completed bool, actor string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return false, sql.ErrNoRows
	}
	if task.Completed == completed {
		return false, nil
	}
	task.Completed = completed
	if completed {
		now := time.Now()
		task.CompletedAt = &now
		task.CompletedBy = actor
	} else {
		task.CompletedAt = nil
		task.CompletedBy = ""
	}
	return true, nil
}

func (s *fakeStore) FulfillmentProgress(_ context.Context, orderID int64) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	completed, total := 0, 0
	for _, t := range s.tasks {
		if t.OrderID == orderID {
			total++
			if t.Completed {
				completed++
			}
		}
	}
	return completed, total, nil
}

func (s *fakeStore) CreatePaymentRecovery(_ context.Context, recovery *models.PaymentRecovery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.recoveries[recovery.ProviderRef]; ok {
		existing.Detail = recovery.Detail
		*recovery = *existing
		return nil
	}
	recovery.ID = int64(len(s.recoveries) + 1)
	recovery.CreatedAt = time.Now()
	recovery.UpdatedAt = recovery.CreatedAt
	copied := *recovery
	s.recoveries[recovery.ProviderRef] = &copied
	return nil
}

func (s *fakeStore) GetPaymentRecovery(_ context.Context, providerRef string) (*models.PaymentRecovery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recovery, ok := s.recoveries[providerRef]
	if !ok {
		return nil, nil
	}
	copied := *recovery
	return &copied, nil
}

func (s *fakeStore) ResolvePaymentRecovery(_ context.Context, providerRef, state string, orderID *int64, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if recovery, ok := s.recoveries[providerRef]; ok {
		recovery.State = state
		recovery.OrderID = orderID
		recovery.Detail = detail
	}
	return nil
}

func (s *fakeStore) CountOpenRecoveries(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, r := range s.recoveries {
		if r.State == models.RecoveryStateOrderPending {
			count++
		}
	}
	return count, nil
}

// fakeRateSource returns canned methods or an error.
type fakeRateSource struct {
	methods []models.ShippingMethod
	err     error
	calls   int
}

func (s *fakeRateSource) FetchRates(context.Context, string, string, int64) ([]models.ShippingMethod, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]models.ShippingMethod, len(s.methods))
	copy(out, s.methods)
	return out, nil
}

// fakeGateway scripts provider behavior per test.
type fakeGateway struct {
	name string

	intentRef    string
	intentErr    error
	confirmOut   *payment.Outcome
	confirmErr   error
	captureOut   *payment.Outcome
	captureErr   error
	confirmCalls int
	captureCalls int
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) CreateIntent(context.Context, int64, string, string) (string, error) {
	if g.intentErr != nil {
		return "", g.intentErr
	}
	return g.intentRef, nil
}

func (g *fakeGateway) Confirm(context.Context, string, payment.Method) (*payment.Outcome, error) {
	g.confirmCalls++
	if g.confirmErr != nil {
		return nil, g.confirmErr
	}
	return g.confirmOut, nil
}

func (g *fakeGateway) Capture(context.Context, string) (*payment.Outcome, error) {
	g.captureCalls++
	if g.captureErr != nil {
		return nil, g.captureErr
	}
	return g.captureOut, nil
}

// fakePublisher records published events.
type fakePublisher struct {
	created       []*models.OrderCreatedEvent
	statusChanged []*models.OrderStatusChangedEvent
}

func (p *fakePublisher) PublishOrderCreated(_ context.Context, event *models.OrderCreatedEvent) error {
	p.created = append(p.created, event)
	return nil
}

func (p *fakePublisher) PublishOrderStatusChanged(_ context.Context, event *models.OrderStatusChangedEvent) error {
	p.statusChanged = append(p.statusChanged, event)
	return nil
}

// fakeStockCache mirrors balances in memory, recording how each write
// arrived.
type fakeStockCache struct {
	mu         sync.Mutex
	values     map[int64]int
	decrements int
	sets       int
}

func newFakeStockCache() *fakeStockCache {
	return &fakeStockCache{values: make(map[int64]int)}
}

func (c *fakeStockCache) GetCachedStock(_ context.Context, productID int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.values[productID]
	if !ok {
		return 0, fmt.Errorf("no cached stock for product %d", productID)
	}
	return value, nil
}

func (c *fakeStockCache) DecrementCachedStock(_ context.Context, productID int64, quantity int) (int, int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decrements++
	balance := c.values[productID]
	applied := quantity
	clamped := false
	if applied > balance {
		applied = balance
		clamped = true
	}
	balance -= applied
	c.values[productID] = balance
	return applied, balance, clamped, nil
}

func (c *fakeStockCache) SetCachedStock(_ context.Context, productID int64, balance int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.values[productID] = balance
	return nil
}
