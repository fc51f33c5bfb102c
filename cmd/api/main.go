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

	"sheetbridge/internal/app"
	"sheetbridge/internal/config"
	"sheetbridge/internal/llm"
	"sheetbridge/internal/lock"
	"sheetbridge/internal/scheduler"
	"sheetbridge/internal/search"
	"sheetbridge/internal/sheet"
	"sheetbridge/internal/store"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("configuration error: %v", err)
	}
	if cfg.VerifyMode == config.VerifyOff {
		log.Printf("WARNING: bearer token signatures are NOT verified (SHEETBRIDGE_VERIFY_SIGNATURE=off); tenant claims are trusted as-is")
	}
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	rowStore := store.NewPostgresStore(db)

	var reader *sheet.Reader
	if strings.TrimSpace(cfg.GoogleCredsPath) != "" {
		reader, err = sheet.NewReader(ctx, cfg.GoogleCredsPath)
		if err != nil {
			log.Fatalf("sheets client failed: %v", err)
		}
	} else {
		log.Printf("GOOGLE_SA_JSON_PATH not set, spreadsheet sync disabled")
	}

	completions := llm.NewClient(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL, cfg.CompletionModel)

	var locks lock.Locker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisLocks, err := lock.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisLocks.Close()
		locks = redisLocks
		log.Printf("Using Redis for task run locks")
	} else {
		locks = lock.NewLocal()
		log.Printf("Using in-process task run locks")
	}

	var service *app.Service
	if reader != nil {
		service = app.New(cfg, rowStore, reader, completions, locks)
	} else {
		service = app.New(cfg, rowStore, nil, completions, locks)
	}

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		index := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer index.Close()
		service.WithIndexer(index)
	}

	sched := scheduler.New(service.ScheduledPass, cfg.SchedulerInterval)
	sched.Start()
	defer sched.Stop()

	httpServer := app.NewHTTPServer(service)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("sheetbridge API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
