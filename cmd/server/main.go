package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/builtattic/bulkmailer/internal/api"
	"github.com/builtattic/bulkmailer/internal/campaign"
	"github.com/builtattic/bulkmailer/internal/config"
	"github.com/builtattic/bulkmailer/internal/delivery"
	"github.com/builtattic/bulkmailer/internal/domain"
	"github.com/builtattic/bulkmailer/internal/repository/postgres"
	"github.com/builtattic/bulkmailer/internal/template"
	"github.com/builtattic/bulkmailer/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("[Server] Load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[Server] Open database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.Fatalf("[Server] Database ping: %v", err)
	}
	cancel()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("[Server] Invalid redis URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	pingCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("[Server] Redis ping: %v", err)
	}
	cancel()

	repo := postgres.NewCampaignRepository(db)
	queue := postgres.NewQueue(db)
	engine := template.NewEngine()
	progress := campaign.NewProgressStore(redisClient)
	limiter := worker.NewRateLimiter(redisClient)
	svc := campaign.NewService(repo, progress, cfg.Sending)

	newSender := senderFactory(cfg)

	pool := worker.NewPool(queue, repo, limiter, progress, engine, newSender, cfg.Sending)
	pool.Start(context.Background())

	server := api.NewServer(cfg.Server, svc, engine)
	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Server] Listening on %s", addr)
		errCh <- server.ListenAndServe(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[Server] Received %v, shutting down", sig)
	case err := <-errCh:
		log.Printf("[Server] HTTP server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] Shutdown: %v", err)
	}
	pool.Stop()
	log.Printf("[Server] Goodbye")
}

// senderFactory picks the delivery path: SES when enabled and configured,
// otherwise a per-worker SMTP session.
func senderFactory(cfg *config.Config) worker.SenderFactory {
	if cfg.SES.Enabled {
		ses, err := delivery.NewSESSender(cfg.SES)
		if err != nil {
			log.Fatalf("[Server] SES sender: %v", err)
		}
		log.Printf("[Server] Delivering via AWS SES (%s)", cfg.SES.Region)
		return func(c *domain.Campaign) delivery.Sender { return ses }
	}

	log.Printf("[Server] Delivering via SMTP %s:%d", cfg.SMTP.Host, cfg.SMTP.Port)
	return func(c *domain.Campaign) delivery.Sender {
		return delivery.NewSMTPSender(cfg.SMTP, c.BatchSize)
	}
}
