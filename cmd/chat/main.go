package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"folio/api/internal/app"
	"folio/api/internal/chat"
	"folio/api/internal/config"
	"folio/api/internal/feed"
	"folio/api/internal/identity"
	"folio/api/internal/notify"
	"folio/api/internal/observability"
	"folio/api/internal/search"
	"folio/api/internal/session"
	"folio/api/internal/store"
)

func main() {
	devCredential := flag.Bool("dev-credential", false, "print a provider credential for -dev-email and exit")
	devEmail := flag.String("dev-email", "visitor@example.com", "email of the dev credential")
	devName := flag.String("dev-name", "Visitor", "display name of the dev credential")
	flag.Parse()

	cfg := config.Load()
	if cfg.AdminPolicyFile != "" {
		policy, err := config.LoadAdminPolicy(cfg.AdminPolicyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "admin policy: %v\n", err)
			os.Exit(1)
		}
		cfg.ApplyAdminPolicy(policy)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	verifier := identity.NewJWTVerifier(cfg.IdentitySecret, cfg.IdentityIssuer, cfg.IdentityAudience)
	if *devCredential {
		token, err := verifier.IssueCredential(identity.Principal{
			ID:          "dev:" + strings.ToLower(*devEmail),
			DisplayName: *devName,
			Email:       *devEmail,
		}, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(cfg.SessionTTL))})
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue credential: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	logger, err := observability.InitLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	var (
		sessions   session.Store = session.NewMemoryStore()
		redisStore *session.RedisStore
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisStore.Close()
		sessions = redisStore
		logger.Info("using redis for sessions")
	}

	var (
		messages      chat.MessageFeed
		database      app.Pinger
		searchService *search.Service
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		if redisStore == nil {
			logger.Fatal("REDIS_URL is required when DATABASE_URL is set")
		}
		db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolConfig())
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir)); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}

		dataStore := store.NewPostgresStore(db)
		database = dataStore

		var meiliClient *search.Meili
		if strings.TrimSpace(cfg.MeiliURL) != "" {
			meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, observability.Named(logger, "meili"))
			defer meiliClient.Close()
		}
		searchService = search.NewService(meiliClient, search.NewPgFTS(dataStore), observability.Named(logger, "search"))
		if meiliClient != nil {
			go searchService.ReindexAllFromPG(context.Background())
		}

		live := feed.New(dataStore, redisStore.Client(), observability.Named(logger, "feed"))
		live.SetIndexer(searchService)
		messages = live
	} else {
		logger.Warn("DATABASE_URL not set, messages are kept in memory")
		messages = feed.NewMemory()
	}

	dispatcher := notify.NewSMTPDispatcher(notify.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !dispatcher.IsConfigured() {
		logger.Warn("SMTP not configured, email notifications are disabled")
	}

	deps := app.Deps{
		Feed:     messages,
		Verifier: verifier,
		Sessions: sessions,
		Notifier: dispatcher,
		Database: database,
		Logger:   logger,
	}
	if searchService != nil {
		deps.Search = searchService
	}
	service := app.NewService(cfg, deps)
	defer service.Close()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("chat API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	// Let queued notifications finish before exiting.
	done := make(chan struct{})
	go func() {
		service.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("notifications still pending at exit")
	}
}
