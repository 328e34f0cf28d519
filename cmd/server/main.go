package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/redis/go-redis/v9"

	"github.com/jwoo-kim/estate-ledger/internal/adapter/assets"
	"github.com/jwoo-kim/estate-ledger/internal/adapter/handler"
	"github.com/jwoo-kim/estate-ledger/internal/adapter/storage"
	"github.com/jwoo-kim/estate-ledger/internal/clock"
	"github.com/jwoo-kim/estate-ledger/internal/config"
	"github.com/jwoo-kim/estate-ledger/internal/core/cache"
	"github.com/jwoo-kim/estate-ledger/internal/core/lease"
	"github.com/jwoo-kim/estate-ledger/internal/core/service"
	"github.com/jwoo-kim/estate-ledger/internal/port"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Load()

	ledger, closeLedger := buildLedger(ctx, cfg)
	defer closeLedger()

	assetStore, localAssets := buildAssets(cfg)

	clk := clock.NewSystem()
	ledgerCache := cache.New(ledger)
	coordinator := lease.NewCoordinator(ledger, clk, lease.WithTTL(cfg.LeaseTTL))
	registration := service.NewRegistrationService(assetStore, ledger, ledgerCache, clk)
	listings := service.NewListingsService(ledgerCache, coordinator, registration)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if e, ok := err.(*fiber.Error); ok {
				return c.Status(e.Code).JSON(fiber.Map{"error": e.Message})
			}
			log.Printf("unexpected error: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
		},
	})

	origins := strings.Split(cfg.CORSOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(origins, ","),
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET,POST,OPTIONS",
	}))

	if localAssets != nil {
		app.Static("/uploads", localAssets.Dir())
	}

	handler.New(listings).Register(app)

	go func() {
		log.Printf("HTTP server listening on :%s", cfg.HTTPPort)
		if err := app.Listen(":" + cfg.HTTPPort); err != nil {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	log.Println("HTTP server stopped")
}

func buildLedger(ctx context.Context, cfg *config.Config) (port.LedgerStore, func()) {
	switch cfg.LedgerBackend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
		log.Println("connected to redis")
		return storage.NewRedisLedger(rdb), func() { rdb.Close() }

	case "mysql":
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			log.Fatalf("failed to connect mysql: %v", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("failed to ping mysql: %v", err)
		}
		log.Println("connected to mysql")

		ledger := storage.NewMySQLLedger(db)
		if err := ledger.EnsureSchema(ctx); err != nil {
			log.Fatalf("failed to ensure schema: %v", err)
		}
		return ledger, func() { db.Close() }

	default:
		log.Printf("using ledger gateway at %s", cfg.GatewayURL)
		return storage.NewGatewayLedger(cfg.GatewayURL), func() {}
	}
}

func buildAssets(cfg *config.Config) (port.AssetStore, *assets.LocalStore) {
	if cfg.AssetBackend == "http" {
		return assets.NewHTTPStore(cfg.AssetUploadURL), nil
	}
	local, err := assets.NewLocalStore(cfg.AssetDir, cfg.AssetBaseURL)
	if err != nil {
		log.Fatalf("failed to init asset dir: %v", err)
	}
	return local, local
}
