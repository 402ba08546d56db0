package main

import (
	"context"
	"log"
	"strings"

	api "leadflow-backend/cmd/api"
	accountDelivery "leadflow-backend/internal/account/delivery"
	accountdomain "leadflow-backend/internal/account/domain"
	accountRepo "leadflow-backend/internal/account/repository"
	accountUsecase "leadflow-backend/internal/account/usecase"
	"leadflow-backend/internal/crypto"
	"leadflow-backend/internal/provider"
	"leadflow-backend/internal/provider/gmail"
	"leadflow-backend/internal/provider/graph"
	syncDelivery "leadflow-backend/internal/sync/delivery"
	syncdomain "leadflow-backend/internal/sync/domain"
	syncQueue "leadflow-backend/internal/sync/queue"
	syncRepo "leadflow-backend/internal/sync/repository"
	"leadflow-backend/internal/sync/scheduler"
	syncUsecase "leadflow-backend/internal/sync/usecase"
	"leadflow-backend/internal/sync/worker"
	"leadflow-backend/internal/webhook"
	"leadflow-backend/pkg/config"
	"leadflow-backend/pkg/database"
	"leadflow-backend/pkg/kms"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := database.NewPostgresConnection(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Auto-migrate database schemas
	if err := db.AutoMigrate(
		&accountdomain.Tenant{},
		&accountdomain.Account{},
		&accountdomain.SecureToken{},
		&syncdomain.SyncJob{},
		&syncdomain.Thread{},
		&syncdomain.Message{},
		&syncdomain.Event{},
	); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	// Initialize repositories (dependency injection)
	tenantRepository := accountRepo.NewTenantRepository(db)
	accountRepository := accountRepo.NewAccountRepository(db)
	tokenRepository := accountRepo.NewSecureTokenRepository(db)
	messageRepository := syncRepo.NewMessageRepository(db)

	// Key manager: Cloud KMS in production, locally derived keys otherwise.
	var keyManager kms.KeyManager
	if cfg.KMSKeyName != "" {
		keyManager, err = kms.NewCloudKMS(context.Background(), cfg.GoogleCredentials)
		if err != nil {
			log.Fatal("Failed to initialize Cloud KMS:", err)
		}
		log.Printf("[Main] Using Cloud KMS key %s", cfg.KMSKeyName)
	} else {
		keyManager, err = kms.NewLocal(cfg.KMSLocalMasterKey)
		if err != nil {
			log.Fatal("Failed to initialize local key manager:", err)
		}
		log.Printf("[Main] KMS_KEY_NAME not set, using local key manager")
	}
	cryptoService := crypto.NewService(keyManager, cfg.KMSKeyName, cfg.DEKCacheTTL)

	// Provider adapters
	topicName := cfg.GooglePubSubTopic
	if cfg.GoogleProjectID != "" && !strings.HasPrefix(topicName, "projects/") {
		topicName = "projects/" + cfg.GoogleProjectID + "/topics/" + topicName
	}
	adapters := provider.Registry{
		accountdomain.ProviderGoogle:    gmail.NewAdapter(cfg.GoogleClientID, cfg.GoogleClientSecret, topicName),
		accountdomain.ProviderMicrosoft: graph.NewAdapter(cfg.MicrosoftClientID, cfg.MicrosoftClientSecret, cfg.MicrosoftWebhookURL),
	}

	// Initialize use cases (dependency injection)
	credentialUsecaseInstance := accountUsecase.NewCredentialUsecase(accountRepository, tokenRepository, tenantRepository, cryptoService, adapters)
	syncUsecaseInstance := syncUsecase.NewSyncUsecase(accountRepository, tenantRepository, messageRepository, credentialUsecaseInstance, cryptoService, adapters)
	readUsecaseInstance := syncUsecase.NewReadUsecase(messageRepository, tenantRepository, cryptoService)

	// Durable job queue and worker pool
	jobQueue := syncQueue.NewGormQueue(db, cfg.JobMaxAttempts)
	syncWorker := worker.NewWorker(jobQueue, syncUsecaseInstance, credentialUsecaseInstance, worker.Options{
		Count:      cfg.WorkerCount,
		Lease:      cfg.JobLeaseDuration,
		JobTimeout: cfg.JobMaxDuration,
	})
	syncWorker.Start(context.Background())

	// Scheduled sync supervisor: safety net under webhooks plus watch renewal
	syncScheduler := scheduler.NewSyncScheduler(accountRepository, jobQueue, syncUsecaseInstance, cfg.SyncInterval, cfg.SyncStaleAfter)
	syncScheduler.Start()

	// Webhook ingestion
	webhookProcessor := webhook.NewProcessor(accountRepository, syncUsecaseInstance, jobQueue)
	webhookHandler := webhook.NewHandler(webhookProcessor, cfg.WebhookVerificationToken)

	// Gmail notifications over a Pub/Sub pull subscription, when configured
	if cfg.GoogleProjectID != "" {
		shortTopic := cfg.GooglePubSubTopic
		if parts := strings.Split(shortTopic, "/"); len(parts) > 1 {
			shortTopic = parts[len(parts)-1]
		}
		listener, err := webhook.NewPubSubListener(cfg.GoogleProjectID, shortTopic, cfg.GoogleCredentials, webhookProcessor)
		if err != nil {
			log.Printf("[Main] Failed to initialize pubsub listener: %v", err)
		} else {
			go listener.Start(context.Background())
		}
	} else {
		log.Printf("[Main] GoogleProjectID not configured, pubsub listener disabled")
	}

	// HTTP delivery
	accountHandler := accountDelivery.NewAccountHandler(credentialUsecaseInstance, accountRepository, jobQueue, syncUsecaseInstance)
	syncHandler := syncDelivery.NewSyncHandler(readUsecaseInstance)

	router := gin.Default()
	api.SetupRoutes(router, accountHandler, syncHandler, webhookHandler, cfg)

	log.Printf("Server starting on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
