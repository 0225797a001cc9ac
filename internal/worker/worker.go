package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"storefront/internal/broker"
	"storefront/internal/models"
	"storefront/internal/service"
	"storefront/internal/util"
)

// ReconciliationWorker resolves parked payments. It listens for
// payment-provider events relayed onto the payment topic and, on a fixed
// interval, re-probes recoveries the events never covered.
type ReconciliationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	lifecycle    *service.OrderLifecycleManager
	sweepEvery   time.Duration
}

// NewReconciliationWorker creates a new reconciliation worker
func NewReconciliationWorker(
	consumer *broker.Consumer,
	lifecycle *service.OrderLifecycleManager,
	sweepEvery time.Duration,
) *ReconciliationWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnPaymentConfirmed(func(ctx context.Context, event *models.PaymentConfirmedEvent) error {
		_, err := lifecycle.Reconcile(ctx, event.ProviderRef)
		if errors.Is(err, service.ErrRecoveryNotFound) {
			// nothing parked for this charge, the order already exists
			return nil
		}
		if errors.Is(err, service.ErrPaymentOutcomeUnknown) {
			// leave the message uncommitted-equivalent: the sweep retries
			log.Printf("Reconcile still unresolved for ref %s", event.ProviderRef)
			return nil
		}
		return err
	})

	eventHandler.OnPaymentFailed(func(ctx context.Context, event *models.PaymentFailedEvent) error {
		return lifecycle.AbandonRecovery(ctx, event.ProviderRef, event.Reason)
	})

	return &ReconciliationWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		lifecycle:    lifecycle,
		sweepEvery:   sweepEvery,
	}
}

// Start starts the worker
func (w *ReconciliationWorker) Start(ctx context.Context) error {
	log.Println("Starting reconciliation worker...")
	go w.sweepLoop(ctx)
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *ReconciliationWorker) Stop() error {
	log.Println("Stopping reconciliation worker...")
	return w.consumer.Close()
}

// sweepLoop keeps the open-recovery gauge fresh. The actual re-probe of a
// specific recovery happens via the payment topic or the admin endpoint;
// the sweep exposes how much is still parked.
func (w *ReconciliationWorker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			open, err := w.lifecycle.OpenRecoveries(ctx)
			if err != nil {
				log.Printf("Recovery sweep failed: %v", err)
				continue
			}
			util.RecoveriesOpen.Set(float64(open))
			if open > 0 {
				log.Printf("%d payment recoveries still open", open)
			}
		}
	}
}
