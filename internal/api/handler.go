package api

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"storefront/internal/models"
	"storefront/internal/payment"
	"storefront/internal/redisclient"
	"storefront/internal/service"
	"storefront/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// IdempotencyStore remembers request keys so a resubmitted completion
// (double click, client retry) is rejected instead of re-run.
type IdempotencyStore interface {
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Handler contains HTTP handlers
type Handler struct {
	checkout    *service.CheckoutController
	lifecycle   *service.OrderLifecycleManager
	fulfillment *service.FulfillmentTracker
	ledger      *service.InventoryLedger
	idem        IdempotencyStore // may be nil
}

// NewHandler creates a new HTTP handler
func NewHandler(checkout *service.CheckoutController, lifecycle *service.OrderLifecycleManager, fulfillment *service.FulfillmentTracker, ledger *service.InventoryLedger, idem IdempotencyStore) *Handler {
	return &Handler{
		checkout:    checkout,
		lifecycle:   lifecycle,
		fulfillment: fulfillment,
		ledger:      ledger,
		idem:        idem,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout/sessions", h.initializeCheckout)
		v1.GET("/checkout/sessions/:id", h.getCheckoutSession)
		v1.POST("/checkout/sessions/:id/advance", h.advanceCheckout)
		v1.POST("/checkout/sessions/:id/back", h.goBackCheckout)
		v1.PUT("/checkout/sessions/:id/cart", h.updateCart)
		v1.POST("/checkout/sessions/:id/complete", h.completeCheckout)

		v1.GET("/orders/:id", h.getOrder)

		admin := v1.Group("/admin")
		{
			admin.GET("/users/:userId/orders", h.listUserOrders)
			admin.PUT("/orders/:id/status", h.updateOrderStatus)
			admin.PUT("/orders/:id/notes", h.updateAdminNotes)
			admin.GET("/orders/:id/fulfillment-tasks", h.getFulfillmentTasks)
			admin.PUT("/orders/:id/fulfillment-tasks/:taskId", h.setTaskCompletion)
			admin.GET("/inventory/:productId/movements", h.getMovements)
			admin.POST("/payments/reconcile", h.reconcilePayment)
		}
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type initializeRequest struct {
	SessionID  string            `json:"session_id"`
	UserID     int64             `json:"user_id"`
	GuestEmail string            `json:"guest_email"`
	Items      []models.CartItem `json:"items"`
}

func (h *Handler) initializeCheckout(c *gin.Context) {
	var req initializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	session, err := h.checkout.Initialize(c.Request.Context(),
		service.Identity{UserID: req.UserID, GuestEmail: req.GuestEmail},
		req.SessionID, req.Items)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *Handler) getCheckoutSession(c *gin.Context) {
	session, err := h.checkout.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type advanceRequest struct {
	Step    models.CheckoutStep    `json:"step"`
	Payload service.AdvancePayload `json:"payload"`
}

func (h *Handler) advanceCheckout(c *gin.Context) {
	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	session, err := h.checkout.Advance(c.Request.Context(), c.Param("id"), req.Step, req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) goBackCheckout(c *gin.Context) {
	session, err := h.checkout.GoBack(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type updateCartRequest struct {
	Items []models.CartItem `json:"items"`
}

func (h *Handler) updateCart(c *gin.Context) {
	var req updateCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	session, err := h.checkout.UpdateCart(c.Request.Context(), c.Param("id"), req.Items)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type completeRequest struct {
	CustomerNotes string `json:"customer_notes"`
}

func (h *Handler) completeCheckout(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	idemKey := c.GetHeader("Idempotency-Key")
	if h.idem != nil && idemKey != "" {
		if seen, err := h.idem.CheckIdempotencyKey(c.Request.Context(), idemKey); err == nil && seen {
			c.JSON(http.StatusConflict, gin.H{"error": "Duplicate request", "idempotency_key": idemKey})
			return
		}
	}

	order, err := h.lifecycle.CreateOrder(c.Request.Context(), c.Param("id"), req.CustomerNotes)
	if err != nil {
		respondError(c, err)
		return
	}

	if h.idem != nil && idemKey != "" {
		_ = h.idem.SetIdempotencyKey(c.Request.Context(), idemKey, order.OrderNumber, 24*time.Hour)
	}
	c.JSON(http.StatusCreated, order)
}

func (h *Handler) getOrder(c *gin.Context) {
	raw := c.Param("id")

	var (
		order *models.Order
		items []models.OrderItem
		err   error
	)
	if orderID, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
		order, items, err = h.lifecycle.GetOrder(c.Request.Context(), orderID)
	} else {
		// order numbers (ORD-...) share the route with numeric ids
		order, items, err = h.lifecycle.GetOrderByNumber(c.Request.Context(), raw)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	orderID := order.ID
	history, err := h.lifecycle.History(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{
		"order":   order,
		"items":   items,
		"history": history,
	}
	if order.Status == models.OrderStatusProcessing || order.Status == models.OrderStatusShipped {
		if progress, err := h.fulfillment.Progress(c.Request.Context(), orderID); err == nil {
			resp["fulfillment"] = progress
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listUserOrders(c *gin.Context) {
	userID, ok := paramID(c, "userId")
	if !ok {
		return
	}
	orders, err := h.lifecycle.ListUserOrders(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

type updateStatusRequest struct {
	Status         models.OrderStatus `json:"status"`
	TrackingNumber string             `json:"tracking_number"`
	Carrier        string             `json:"carrier"`
	Actor          string             `json:"actor"`
	Note           string             `json:"note"`
}

func (h *Handler) updateOrderStatus(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if req.Actor == "" {
		req.Actor = "admin"
	}

	order, err := h.lifecycle.Transition(c.Request.Context(), orderID, req.Status, service.TransitionRequest{
		TrackingNumber: req.TrackingNumber,
		Carrier:        req.Carrier,
		Actor:          req.Actor,
		Note:           req.Note,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type notesRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) updateAdminNotes(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req notesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if err := h.lifecycle.SetAdminNotes(c.Request.Context(), orderID, req.Notes); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getFulfillmentTasks(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}
	tasks, err := h.fulfillment.Tasks(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}
	progress, err := h.fulfillment.Progress(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "progress": progress})
}

type taskCompletionRequest struct {
	Completed bool   `json:"completed"`
	Actor     string `json:"actor"`
}

func (h *Handler) setTaskCompletion(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}
	taskID, ok := paramID(c, "taskId")
	if !ok {
		return
	}
	var req taskCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if req.Actor == "" {
		req.Actor = "warehouse"
	}

	task, err := h.fulfillment.SetCompletion(c.Request.Context(), orderID, taskID, req.Completed, req.Actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) getMovements(c *gin.Context) {
	productID, ok := paramID(c, "productId")
	if !ok {
		return
	}
	movements, err := h.ledger.History(c.Request.Context(), productID)
	if err != nil {
		respondError(c, err)
		return
	}
	onHand, err := h.ledger.OnHand(c.Request.Context(), productID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"movements": movements, "on_hand": onHand})
}

type reconcileRequest struct {
	ProviderRef string `json:"provider_ref"`
}

func (h *Handler) reconcilePayment(c *gin.Context) {
	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ProviderRef == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider_ref is required"})
		return
	}

	order, err := h.lifecycle.Reconcile(c.Request.Context(), req.ProviderRef)
	if err != nil {
		respondError(c, err)
		return
	}
	if order == nil {
		c.JSON(http.StatusOK, gin.H{"result": "abandoned"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "completed", "order": order})
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return id, true
}

// respondError maps domain errors onto HTTP statuses. Typed payment
// errors carry their provider detail; an unknown outcome is 202 because
// the request was accepted and reconciliation will finish it.
func respondError(c *gin.Context, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Validation failed", "step": verr.Step, "fields": verr.Fields})
	case errors.Is(err, service.ErrEmptyCart),
		errors.Is(err, service.ErrStepMismatch),
		errors.Is(err, service.ErrMissingFulfillmentData):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case payment.IsDeclined(err):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "Payment declined", "details": err.Error()})
	case errors.Is(err, service.ErrPaymentOutcomeUnknown),
		errors.Is(err, service.ErrOrderRecoverable):
		c.JSON(http.StatusAccepted, gin.H{"status": "pending_reconciliation", "details": err.Error()})
	case errors.Is(err, service.ErrCartFrozen),
		errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrSessionExpired):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, redisclient.ErrSessionNotFound),
		errors.Is(err, service.ErrRecoveryNotFound),
		errors.Is(err, sql.ErrNoRows):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error", "details": err.Error()})
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
