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

	"github.com/deffgod/gkeys-store-sub002/config"
	"github.com/deffgod/gkeys-store-sub002/internal/api"
	"github.com/deffgod/gkeys-store-sub002/internal/broker"
	"github.com/deffgod/gkeys-store-sub002/internal/fulfillment"
	"github.com/deffgod/gkeys-store-sub002/internal/g2a"
	"github.com/deffgod/gkeys-store-sub002/internal/payment"
	"github.com/deffgod/gkeys-store-sub002/internal/redisclient"
	"github.com/deffgod/gkeys-store-sub002/internal/store"
	catalogsync "github.com/deffgod/gkeys-store-sub002/internal/sync"
	"github.com/deffgod/gkeys-store-sub002/internal/util"
	"github.com/deffgod/gkeys-store-sub002/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting game key store")

	tp, err := util.InitTracer("gkeys-store", cfg.Observ.JaegerEndpoint)
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

	orderProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer orderProducer.Close()
	syncProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicSync)
	defer syncProducer.Close()
	deliveryProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicDelivery)
	defer deliveryProducer.Close()
	log.Println("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(orderProducer, syncProducer, deliveryProducer)

	g2aClient := g2a.NewClient(g2a.Config{
		Env:           cfg.G2A.Env,
		BaseURL:       cfg.G2A.BaseURL,
		TokenURL:      cfg.G2A.TokenURL,
		ClientID:      cfg.G2A.ClientID,
		ClientSecret:  cfg.G2A.ClientSecret,
		Email:         cfg.G2A.Email,
		Timeout:       cfg.G2A.RequestTimeout,
		PayRetryDelay: cfg.Business.PayRetryDelay,
		MockFallback:  cfg.G2A.MockFallback,
	}, redisClient)

	syncEngine := catalogsync.NewEngine(g2aClient, db, redisClient, eventPublisher, catalogsync.Config{
		DefaultCategory: cfg.Business.DefaultCategory,
		MarkupPercent:   cfg.Business.MarkupPercent,
		PageDelay:       cfg.Business.SyncPageDelay,
		BatchSize:       cfg.Business.SyncBatchSize,
		LockTTL:         cfg.Business.SyncLockTTL,
		FetchRetries:    cfg.Business.CatalogFetchRetries,
	})

	orderService := fulfillment.NewService(db, g2aClient, eventPublisher, redisClient, fulfillment.Config{
		IdempotencyWindow: cfg.Business.IdempotencyWindow,
		KeyRetrievalDelay: cfg.Business.KeyRetrievalDelay,
		CheckoutTimeout:   cfg.Business.CheckoutTimeout,
	})

	gateway := payment.NewStubGateway()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	syncConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicSync, cfg.Kafka.ConsumerGroup)
	syncWorker := worker.NewSyncWorker(syncConsumer, syncEngine)
	go func() {
		if err := syncWorker.Start(workerCtx); err != nil {
			log.Printf("Sync worker error: %v", err)
		}
	}()

	deliveryConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicDelivery, cfg.Kafka.ConsumerGroup+"-email")
	emailWorker := worker.NewEmailWorker(deliveryConsumer, worker.LogSender{})
	go func() {
		if err := emailWorker.Start(workerCtx); err != nil {
			log.Printf("Email worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, db, gateway, redisClient, eventPublisher, cfg.Auth.JWTSecret)
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
	syncWorker.Stop()
	emailWorker.Stop()

	log.Println("Server exited")
}
