/**
 * @description
 * This is the main entry point for the transfer-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * external API clients, message brokers, repositories, the core application service,
 * the background processor, and the HTTP server. It wires everything together and
 * starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/ledgerclient, pkg/identityclient, pkg/walletclient, pkg/verifyclient: Internal service clients.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/transfer-service/internal/api"
	"github.com/transfa/transfer-service/internal/app"
	"github.com/transfa/transfer-service/internal/config"
	"github.com/transfa/transfer-service/internal/store"
	"github.com/transfa/transfer-service/pkg/identityclient"
	"github.com/transfa/transfer-service/pkg/ledgerclient"
	rmrabbit "github.com/transfa/transfer-service/pkg/rabbitmq"
	"github.com/transfa/transfer-service/pkg/verifyclient"
	"github.com/transfa/transfer-service/pkg/walletclient"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.BufferWalletID) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"buffer wallet must be configured\" env=BUFFER_WALLET_ID")
	}

	log.Printf("level=info component=bootstrap msg=\"starting transfer-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish lifecycle events.
	var producer rmrabbit.Publisher
	if eventProducer, producerErr := rmrabbit.NewEventProducer(cfg.RabbitMQURL); producerErr != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", producerErr)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the clients for the internal services the workflow talks to.
	ledgerClient := ledgerclient.NewClient(cfg.LedgerServiceURL, cfg.InternalAPIKey)
	identityClient := identityclient.NewClient(cfg.IdentityServiceURL, cfg.InternalAPIKey)
	walletClient := walletclient.NewClient(cfg.WalletServiceURL, cfg.InternalAPIKey)
	verifyClient := verifyclient.NewClient(cfg.VerificationServiceURL, cfg.InternalAPIKey)

	// Redis backs the in-progress totals cache. The service degrades to
	// direct database sums when Redis is unavailable.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; in-progress cache disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; in-progress cache disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; in-progress cache disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	var inProgressCache *app.InProgressCache
	if redisClient != nil {
		inProgressCache = app.NewInProgressCache(
			redisClient,
			repository,
			cfg.RedisInProgressPrefix,
			time.Duration(cfg.InProgressCacheTTLHrs)*time.Hour,
		)
	}

	serviceConfig := app.ServiceConfig{
		BrokerID:                 cfg.BrokerID,
		TransferEventExchange:    cfg.TransferEventExchange,
		RequireVerification:      cfg.RequireVerification,
		SubmitRateLimitPerMinute: cfg.SubmitRateLimitPerMinute,
	}

	// Initialize the core application service and the background processor.
	executor := app.NewExecutor(ledgerClient, cfg.BufferWalletID)
	transferService := app.NewService(repository, identityClient, walletClient, verifyClient, producer, inProgressCache, serviceConfig)
	if redisClient != nil {
		transferService.SetSubmitRateLimiter(
			app.NewRedisSubmitRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
		)
	}
	processor := app.NewProcessor(repository, executor, identityClient, walletClient, verifyClient, producer, inProgressCache, serviceConfig, cfg.SweepParallelism)

	// Initialize the API handlers.
	transferHandlers := api.NewTransferHandlers(transferService)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.TransferRoutes(transferHandlers, cfg.InternalAPIKey))

	// Wire up the workflow event consumer: approvals and phone registrations.
	workflowConsumer := app.NewWorkflowEventConsumer(processor)

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	if err := rabbitConsumer.ConsumeWithBindings(cfg.TransferEventExchange, cfg.TransferEventQueue, workflowConsumer.Bindings()); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"workflow consumer start failed\" err=%v", err)
	}

	// Start the background processor.
	processorCtx, stopProcessor := context.WithCancel(context.Background())
	defer stopProcessor()
	go processor.Run(processorCtx)

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	stopProcessor()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
