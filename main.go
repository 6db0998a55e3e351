package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"stocksco-payment-system/handlers"
	"stocksco-payment-system/middleware"
	"stocksco-payment-system/models"
	"stocksco-payment-system/services"
	"stocksco-payment-system/utils"
	"stocksco-payment-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	cfg, err := utils.LoadConfig()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024, // IPN bodies are small; anything bigger is junk
	})

	if cfg.ServiceToken != "" {
		app.Use(middleware.ServiceAuthMiddleware(cfg.ServiceToken))
	} else {
		log.Println("⚠️  PAYMENT_SERVICE_TOKEN not set — gateway auth disabled")
	}

	origins := make([]string, 0)
	for _, origin := range strings.Split(cfg.AllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(origins, ","),
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-User-ID, x-nowpayments-sig",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database: ", err)
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.CryptoPayment{},
		&models.PaymentCallback{},
		&models.Transaction{},
		&models.Wallet{},
		&models.Notification{},
	); err != nil {
		log.Fatal("failed to migrate database: ", err)
	}

	gateway := services.NewNOWPaymentsService(services.NOWPaymentsConfig{
		APIKey:    cfg.NowPaymentsAPIKey,
		IPNSecret: cfg.NowPaymentsIPNSecret,
		Sandbox:   cfg.NowPaymentsSandbox,
	})

	walletService := services.NewWalletService(db)
	transactionService := services.NewTransactionService(db, walletService)
	notificationService := services.NewNotificationService(db)

	reconciliation := services.NewReconciliationService(db, gateway, notificationService)
	if mailer := utils.NewEmailService(cfg); mailer != nil {
		reconciliation.Mailer = mailer
	} else {
		log.Println("⚠️  RESEND_API_KEY/FROM_EMAIL not set — confirmation emails disabled")
	}

	archive, err := utils.NewR2Client(cfg)
	if err != nil {
		log.Fatal("failed to initialize R2 client: ", err)
	}
	if archive != nil {
		reconciliation.Archive = archive
	} else {
		log.Println("⚠️  R2_BUCKET_NAME not set — IPN payload archiving disabled")
	}

	paymentService := services.NewPaymentService(db, gateway, transactionService, reconciliation, services.PaymentConfig{
		MinDeposit:     cfg.MinDeposit,
		IPNCallbackURL: cfg.IPNCallbackURL,
		SuccessURL:     cfg.SuccessURL,
		CancelURL:      cfg.CancelURL,
		FixedRate:      cfg.FixedRate,
		FeePaidByUser:  cfg.FeePaidByUser,
	})

	handlers.SetupPaymentRoutes(app, paymentService, reconciliation, gateway)

	app.Get("/health", func(c *fiber.Ctx) error {
		status := "ok"
		if _, err := gateway.GetAPIStatus(c.UserContext()); err != nil {
			status = "degraded"
		}
		return c.JSON(fiber.Map{"status": status})
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pollWorker := workers.NewPaymentPollWorker(db, reconciliation, cfg.PollInterval, cfg.StaleAfter)
	if err := pollWorker.Start(ctx); err != nil {
		log.Fatal("failed to start payment poll worker: ", err)
	}
	defer pollWorker.Stop()

	go func() {
		if err := app.Listen(cfg.ListenAddr); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Payment service running on %s", cfg.ListenAddr)
	log.Printf("✅ CORS configured for origins: %s", strings.Join(origins, ","))

	<-ctx.Done()
	log.Println("Shutting down server...")
	if err := app.Shutdown(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
