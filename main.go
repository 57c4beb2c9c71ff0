package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"commerce-svc/cache"
	"commerce-svc/database"
	"commerce-svc/handlers"
	"commerce-svc/kafka"
	"commerce-svc/middleware"
	"commerce-svc/storage"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found, using environment variables")
	}

	// Initialize database
	db, err := database.InitDB(logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Initialize Redis cache. The service degrades to uncached reads
	// when Redis is unreachable.
	redisClient, err := cache.InitRedis(logger)
	if err != nil {
		logger.Warn("Redis unavailable, caching disabled", zap.Error(err))
		redisClient = nil
	}

	// Initialize Kafka producer
	producer, err := kafka.InitProducer(logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	// Initialize Kafka consumer for payment events
	consumer, err := kafka.InitConsumer(logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	// Start Kafka consumer in background
	go func() {
		if err := kafka.StartConsumer(consumer, db, logger); err != nil {
			logger.Error("Kafka consumer error", zap.Error(err))
		}
	}()

	// Initialize OpenTelemetry
	shutdown, err := middleware.InitTracing("commerce-svc")
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdown()

	uploader := storage.NewDiskUploader(
		getEnv("UPLOAD_DIR", "./uploads"),
		getEnv("UPLOAD_BASE_URL", "http://localhost:8082/uploads"),
	)

	// Setup REST API with Gin
	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware("commerce-svc"))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	// Health check endpoint
	router.GET("/health", handlers.HealthCheck)

	// Metrics endpoint
	router.GET("/metrics", middleware.PrometheusHandler())

	admin := router.Group("/admin")

	// Order endpoints
	orderHandler := handlers.NewOrderHandler(db, producer, redisClient, logger)
	admin.POST("/orders", orderHandler.CreateOrder)
	admin.GET("/orders", orderHandler.ListOrders)
	admin.GET("/orders/analytics/overview", orderHandler.OrderAnalytics)
	admin.GET("/orders/export/csv", orderHandler.ExportCSV)
	admin.PATCH("/orders/bulk/status", orderHandler.BulkUpdateStatus)
	admin.GET("/orders/:id", orderHandler.GetOrder)
	admin.PUT("/orders/:id", orderHandler.UpdateOrder)
	admin.PATCH("/orders/:id/status", orderHandler.UpdateOrderStatus)
	admin.DELETE("/orders/:id", orderHandler.DeleteOrder)

	// Deal endpoints
	dealHandler := handlers.NewDealHandler(db, redisClient, uploader, logger)
	admin.POST("/deals/add", dealHandler.AddDeal)
	admin.GET("/deals/list", dealHandler.ListDeals)
	admin.PUT("/deals/bulk/update", dealHandler.BulkUpdateDeals)
	admin.GET("/deals/:id", dealHandler.GetDeal)
	admin.PUT("/deals/:id", dealHandler.UpdateDeal)
	admin.DELETE("/deals/:id", dealHandler.DeleteDeal)

	// Product endpoints
	productHandler := handlers.NewProductHandler(db, redisClient, logger)
	admin.POST("/products", productHandler.CreateProduct)
	admin.GET("/products", productHandler.ListProducts)
	admin.GET("/products/:id", productHandler.GetProduct)
	admin.PUT("/products/:id", productHandler.UpdateProduct)
	admin.DELETE("/products/:id", productHandler.DeleteProduct)

	// Serve uploaded deal images
	router.Static("/uploads", getEnv("UPLOAD_DIR", "./uploads"))

	srv := &http.Server{
		Addr:    ":" + getEnv("PORT", "8082"),
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Commerce service started", zap.String("addr", srv.Addr))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
