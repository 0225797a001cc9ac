package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront/config"
	"storefront/internal/api"
	"storefront/internal/broker"
	"storefront/internal/payment"
	"storefront/internal/redisclient"
	"storefront/internal/service"
	"storefront/internal/store"
	"storefront/internal/util"
	"storefront/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting storefront service")

	tp, err := util.InitTracer("storefront", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	stripe := payment.NewStripeGateway(
		payment.NewHTTPStripeAPI(cfg.Payment.StripeEndpoint, cfg.Payment.StripeKey),
		cfg.Payment.Timeout)
	paypal := payment.NewPayPalGateway(
		payment.NewHTTPPayPalAPI(cfg.Payment.PayPalEndpoint, cfg.Payment.PayPalClientID, cfg.Payment.PayPalSecret),
		cfg.Payment.Timeout)
	gateways := payment.NewRegistry(stripe, paypal)

	addresses := service.NewAddressValidator()
	rateSource := service.NewHTTPRateSource(cfg.Shipping.RateEndpoint, 10*time.Second)
	resolver := service.NewShippingRateResolver(rateSource, addresses)
	checkout := service.NewCheckoutController(redisClient, addresses, resolver,
		cfg.Shipping.RequoteDebounce, cfg.Business.SessionTTL, cfg.Business.Currency)
	ledger := service.NewInventoryLedger(db, redisClient)
	lifecycle := service.NewOrderLifecycleManager(db, checkout, ledger, gateways,
		eventPublisher, cfg.Business.TaxRateBps, cfg.Payment.Timeout)
	fulfillment := service.NewFulfillmentTracker(db, db, ledger)

	ctx := context.Background()
	if err := syncStockCache(ctx, db, redisClient); err != nil {
		log.Printf("Failed to warm stock cache: %v", err)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayment, cfg.Kafka.ConsumerGroup)
	reconciler := worker.NewReconciliationWorker(paymentConsumer, lifecycle, time.Minute)
	go func() {
		if err := reconciler.Start(workerCtx); err != nil {
			log.Printf("Reconciliation worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(checkout, lifecycle, fulfillment, ledger, redisClient)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	reconciler.Stop()

	log.Println("Server exited")
}

// syncStockCache seeds the redis stock mirror from the ledger projection.
func syncStockCache(ctx context.Context, db *store.Store, redisClient *redisclient.Client) error {
	stocks, err := db.ListProductStocks(ctx)
	if err != nil {
		return err
	}
	for productID, quantity := range stocks {
		if err := redisClient.InitStock(ctx, productID, quantity); err != nil {
			return err
		}
	}
	log.Printf("Stock cache warmed for %d products", len(stocks))
	return nil
}
