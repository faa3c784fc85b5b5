// cmd/api/main.go
// Main entry point for the chat backend
// Bootstraps all components and starts the server

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smartbuild/chat-backend/internal/auth"
	"github.com/smartbuild/chat-backend/internal/chat"
	"github.com/smartbuild/chat-backend/internal/common/database"
	"github.com/smartbuild/chat-backend/internal/config"
	"github.com/smartbuild/chat-backend/internal/notification"
	"github.com/smartbuild/chat-backend/internal/storage"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	log.Println("========================================")
	log.Println("🚀 Starting SmartBuild Chat API")
	log.Println("========================================")

	// 1. Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found (%v), using environment variables", err)
	}

	// 2. Load and validate configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal("❌ Configuration validation failed: ", err)
	}
	log.Println("✅ Configuration loaded")

	// 3. Connect to PostgreSQL and apply schema
	db, err := database.NewPostgresDBFromURL(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("❌ Failed to connect to PostgreSQL: ", err)
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatal("❌ Failed to apply schema: ", err)
	}
	log.Println("✅ Connected to PostgreSQL")

	// 4. Connect to Redis (optional, enables multi-instance fan-out)
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.NewRedisClientFromURL(cfg.RedisURL)
		if err != nil {
			log.Printf("⚠️  Redis unavailable (%v), falling back to single-instance fan-out", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
			log.Println("✅ Connected to Redis")
		}
	}

	// 5. Initialize attachment storage
	uploadPolicy := storage.Policy{
		MaxBytes:     cfg.MaxUploadBytes,
		AllowedTypes: cfg.AllowedMedia,
	}

	var uploader storage.Uploader
	if cfg.UseS3 {
		awsSession, err := session.NewSession(&aws.Config{Region: aws.String(cfg.AWSRegion)})
		if err != nil {
			log.Fatal("❌ Failed to create AWS session: ", err)
		}
		baseURL := cfg.CDNBaseURL
		if baseURL == "" {
			baseURL = "https://" + cfg.S3BucketName + ".s3.amazonaws.com"
		}
		uploader = storage.NewS3Uploader(awsSession, cfg.S3BucketName, baseURL, uploadPolicy)
		log.Println("✅ Using S3 for attachments")
	} else {
		uploader, err = storage.NewLocalUploader(cfg.LocalUploadDir, cfg.BaseURL, uploadPolicy)
		if err != nil {
			log.Fatal("❌ Failed to init local storage: ", err)
		}
		log.Println("✅ Using local storage for attachments")
	}

	// 6. Initialize notification providers
	var emailSender notification.EmailSender
	switch cfg.EmailProvider {
	case "sendgrid":
		emailSender = notification.NewSendGridEmailSender(cfg.SendGridAPIKey, cfg.EmailFrom)
		log.Println("✅ Using SendGrid for emails")
	default:
		emailSender = notification.NewMockEmailSender()
		log.Println("⚠️  Using mock email provider (development mode)")
	}

	var pushSender notification.PushSender
	if cfg.EnablePushNotifications {
		pushSender, err = notification.NewFCMPushSender(context.Background(), cfg.FirebaseCredentialsPath)
		if err != nil {
			log.Printf("⚠️  FCM unavailable (%v), using mock push", err)
			pushSender = notification.NewMockPushSender()
		} else {
			log.Println("✅ Using FCM for push notifications")
		}
	} else {
		pushSender = notification.NewMockPushSender()
	}

	notificationRepo := notification.NewPostgresRepository(db)
	notificationService := notification.NewService(
		notificationRepo, pushSender, emailSender,
		cfg.EnablePushNotifications, cfg.EnableEmailNotifications, cfg.BaseURL,
	)

	// 7. Initialize authentication
	authRepo := auth.NewPostgresRepository(db)
	authService := auth.NewService(authRepo, cfg.JWTSecret, cfg.BCryptCost, cfg.AccessTokenExpiry)
	authHandler := auth.NewHandler(authService)
	authMiddleware := auth.NewMiddleware(authService)
	log.Println("✅ Authentication initialized")

	// 8. Initialize the chat system: hub, fan-out, service
	hub := chat.NewHub()
	go hub.Run()
	defer hub.Shutdown()

	var fanout chat.Publisher = hub
	if redisClient != nil {
		bridge := chat.NewRedisBridge(redisClient, hub)
		bridgeCtx, cancelBridge := context.WithCancel(context.Background())
		defer cancelBridge()
		go bridge.Run(bridgeCtx)
		fanout = bridge
		log.Println("✅ Redis fan-out bridge running")
	}

	chatRepo := chat.NewPostgresRepository(db)
	chatService := chat.NewService(chatRepo, fanout, hub, notificationService, cfg.PreviewLength, cfg.HistoryPageMax)
	chatHandler := chat.NewHandler(chatService, hub, uploader)
	log.Println("✅ Chat system initialized")

	// 9. Register routes
	router := mux.NewRouter()

	auth.RegisterRoutes(router, authHandler)
	chat.RegisterRoutes(router, chatHandler, authMiddleware.Authenticate)
	chat.RegisterHealthCheck(router, chatHandler)
	notification.RegisterRoutes(router, notification.NewHandler(notificationService), authMiddleware.Authenticate)

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	if !cfg.UseS3 {
		router.PathPrefix("/uploads/").Handler(
			http.StripPrefix("/uploads/", http.FileServer(http.Dir(cfg.LocalUploadDir))))
	}

	// 10. Start server with graceful shutdown
	// No read/write timeouts here: they would tear down long-lived
	// websocket connections. Header reads are still bounded.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("❌ Server error: ", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Forced shutdown: %v", err)
	}
	log.Println("✅ Server stopped")
}
