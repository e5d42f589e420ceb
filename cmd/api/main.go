package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"livecode/api/internal/app"
	"livecode/api/internal/collab"
	"livecode/api/internal/config"
	"livecode/api/internal/gitrepo"
	"livecode/api/internal/snapshot"
	"livecode/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}
	gitService := gitrepo.New(cfg.ReposDir, cfg.GitAuthor)

	opts := collab.Options{
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectGrace:    cfg.ReconnectGrace,
		IdleThreshold:     cfg.IdleThreshold,
		IdleSweepInterval: cfg.IdleSweepInterval,
		AutosaveDelay:     cfg.AutosaveDelay,
		AutosaveInterval:  cfg.AutosaveInterval,
		SaveTimeout:       cfg.SaveTimeout,
		SaveAttempts:      cfg.SaveAttempts,
		SaveBackoff:       cfg.SaveBackoff,
		SaveMaxBackoff:    cfg.SaveMaxBackoff,
		StalePolicy:       collab.PolicyByName(cfg.StalePolicy),
	}

	var saveLog *store.PostgresStore
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		saveLog = store.NewPostgresStore(db)
		opts.Recorder = saveLog
		log.Printf("Recording saves in PostgreSQL")
	}

	var drafts *snapshot.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := snapshot.NewRedisStore(cfg.RedisURL, cfg.DraftTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		drafts = redisStore
		opts.Drafts = redisStore
		opts.Notifier = redisStore
		log.Printf("Keeping drafts and save events in Redis")
	}

	hub := collab.NewHub(gitService, opts)
	service := app.New(cfg, hub, gitService)
	if saveLog != nil {
		service.UseSaveLog(saveLog)
		service.AddReadinessCheck("database", saveLog)
	}
	if drafts != nil {
		service.AddReadinessCheck("redis", drafts)
		go func() {
			err := drafts.SubscribeSaves(ctx, func(record collab.SaveRecord) {
				if hub.ObservePeerSave(record) {
					log.Printf("peer commit %s adopted for %s:%s", record.Commit, record.RepositoryID, record.FilePath)
				}
			})
			if err != nil {
				log.Printf("save event subscription stopped: %v", err)
			}
		}()
	}

	hubDone := make(chan error, 1)
	go func() {
		hubDone <- hub.Run(ctx)
	}()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, app.ChannelOptions{
		SendBuffer:     cfg.SendBuffer,
		MaxMessageSize: cfg.MaxMessageSize,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("LiveCode API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if err := <-hubDone; err != nil {
		log.Printf("session hub stopped: %v", err)
	}
	kept := hub.Close(shutdownCtx)
	log.Printf("Shutdown complete; kept %d drafts", kept)
}
