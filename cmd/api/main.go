package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"retroboard/api/internal/app"
	"retroboard/api/internal/authpw"
	"retroboard/api/internal/cleanup"
	"retroboard/api/internal/config"
	"retroboard/api/internal/email"
	"retroboard/api/internal/grouping"
	"retroboard/api/internal/realtime"
	"retroboard/api/internal/retro"
	"retroboard/api/internal/roster"
	"retroboard/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	// Session records optionally go through a Redis cache.
	var sessions app.SessionRecordStore = dataStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("invalid REDIS_URL: %v", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer client.Close()
		log.Printf("Using Redis session record cache")
		sessions = store.NewCachedSessionStore(dataStore, client)
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	accounts := authpw.NewService(dataStore)
	service := app.NewService(sessions, dataStore, accounts, mailer, cfg.TokenSecret, cfg.TokenTTL, cfg.AppBaseURL)

	var grouper realtime.Grouper
	if strings.TrimSpace(cfg.GroupingURL) != "" {
		log.Printf("AI grouping enabled via %s (model %s)", cfg.GroupingURL, cfg.GroupingModel)
		grouper = grouping.NewAdapter(grouping.NewClient(cfg.GroupingURL, cfg.GroupingModel, cfg.GroupingTimeout))
	}

	registry := roster.New()
	engine := retro.Engine{MaxVotes: cfg.MaxVotesPerUser}
	hub := realtime.NewHub(sessions, registry, engine, grouper, cfg.TokenSecret)

	mux := http.NewServeMux()
	mux.Handle("/ws", realtime.NewWSHandler(hub, cfg.CORSOrigin))
	mux.Handle("/", app.NewHTTPServer(service, cfg.CORSOrigin).Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	autoCloser := cleanup.NewAutoCloser(dataStore, time.Duration(cfg.AutoCloseDays)*24*time.Hour, cfg.AutoCloseInterval)
	go autoCloser.Start(runCtx)
	defer autoCloser.Stop()

	go func() {
		log.Printf("Retroboard API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancelRun()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
