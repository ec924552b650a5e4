/**
 * @description
 * This is the main entry point for the claims-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, the chain gateway client, message brokers, repositories, the core
 * admission service, the disbursement worker, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * The disbursement worker runs in-process, gated by WORKER_ENABLED. The nonce
 * sequencer's state is process-local, so exactly one instance may run with the
 * worker enabled per treasury signing key; additional API replicas must set
 * WORKER_ENABLED=false.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: Local .env loading.
 * - github.com/redis/go-redis/v9: Optional distributed rate limiter backend.
 * - internal/api, internal/app, internal/config, internal/store, internal/worker.
 * - pkg/chainclient, pkg/rabbitmq.
 */

package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/chainquest/claims-service/internal/api"
	"github.com/chainquest/claims-service/internal/app"
	"github.com/chainquest/claims-service/internal/config"
	"github.com/chainquest/claims-service/internal/store"
	"github.com/chainquest/claims-service/internal/worker"
	"github.com/chainquest/claims-service/pkg/chainclient"
	rmrabbit "github.com/chainquest/claims-service/pkg/rabbitmq"
)

func main() {
	// Load a local .env file if present; real deployments use the environment.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting claims-service\" port=%s worker_enabled=%t", cfg.ServerPort, cfg.WorkerEnabled)

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

	// Initialize the RabbitMQ producer to publish events. Publishing degrades
	// to a logging no-op when the broker is unreachable at startup.
	var eventProducer rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if producer, prodErr := rmrabbit.NewEventProducer(cfg.RabbitMQURL); prodErr != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", prodErr)
	} else {
		eventProducer = producer
		defer producer.Close()
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the chain gateway client.
	chainClient := chainclient.NewClient(cfg.ChainRPCURL, cfg.ChainRPCAPIKey)

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// The store-backed rate limiter always works; Redis replaces it when a
	// Redis URL is configured and reachable.
	claimsService := app.NewService(repository, app.NewPostgresRateLimiter(repository), eventProducer, app.ClaimPolicy{
		Token:              cfg.ClaimToken,
		MinPayoutAmount:    cfg.MinPayoutAmount,
		UserDailyCap:       cfg.UserDailyCap,
		GlobalDailyCap:     cfg.GlobalDailyCap,
		RateLimitPerMinute: cfg.ClaimRateLimitPerMinute,
		RateLimitPerDay:    cfg.ClaimRateLimitPerDay,
	})

	if cfg.RedisURL != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; keeping store-backed rate limiter\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; keeping store-backed rate limiter\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				claimsService.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix))
				log.Println("level=info component=bootstrap msg=\"redis connected; using distributed rate limiter\"")
			}
		}
	}

	// Initialize the API handlers and router.
	claimHandlers := api.NewClaimHandlers(claimsService)
	router := api.ClaimRoutes(claimHandlers, cfg.WalletJWKSURL, cfg.InternalAPIKey)

	// Start the disbursement worker and the stale-lease reaper when enabled.
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()

	// Closed once Run has drained; main blocks on it during shutdown so the
	// process cannot exit with a transfer mid-submission or mid-confirmation.
	workerDone := make(chan struct{})

	var leaseReaper *worker.Reaper
	if cfg.WorkerEnabled {
		signingKey, keyErr := parseSigningKey(cfg.TreasurySigningKey)
		if keyErr != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"treasury signing key invalid\" err=%v", keyErr)
		}
		if !chainclient.IsValidAddress(cfg.TreasuryAddress) {
			log.Fatalf("level=fatal component=bootstrap msg=\"treasury address invalid\" address=%q", cfg.TreasuryAddress)
		}

		disbursementWorker := worker.New(repository, chainClient, eventProducer, worker.Config{
			Token:               cfg.ClaimToken,
			TreasuryAddress:     cfg.TreasuryAddress,
			SigningKey:          signingKey,
			UserDailyCap:        cfg.UserDailyCap,
			GlobalDailyCap:      cfg.GlobalDailyCap,
			MinConfirmations:    cfg.MinConfirmations,
			MaxAttempts:         cfg.MaxPayoutAttempts,
			Concurrency:         cfg.WorkerConcurrency,
			PollInterval:        time.Duration(cfg.WorkerPollIntervalMs) * time.Millisecond,
			CapDeferInterval:    time.Duration(cfg.CapDeferIntervalMs) * time.Millisecond,
			DisbursementTimeout: time.Duration(cfg.DisbursementTimeoutSec) * time.Second,
			ShutdownTimeout:     time.Duration(cfg.ShutdownTimeoutSec) * time.Second,
		})
		go func() {
			disbursementWorker.Run(workerCtx)
			close(workerDone)
		}()

		leaseReaper = worker.NewReaper(repository,
			time.Duration(cfg.StaleLeaseAgeMinutes)*time.Minute,
			cfg.StaleLeaseReaperSchedule,
		)
		if err := leaseReaper.Start(); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"lease reaper start failed\" err=%v", err)
		}
	}

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

	// Stop leasing new claims first and wait for the worker to drain in-flight
	// disbursements, bounded by its own shutdown timeout.
	stopWorker()
	if cfg.WorkerEnabled {
		<-workerDone
	}
	if leaseReaper != nil {
		<-leaseReaper.Stop().Done()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// parseSigningKey decodes the hex-encoded ed25519 seed for the treasury key.
func parseSigningKey(hexSeed string) (ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(hexSeed))
	if err != nil {
		return nil, fmt.Errorf("decode treasury signing key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("treasury signing key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
