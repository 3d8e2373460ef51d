package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	stdlog "log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/patrickmn/go-cache"
	"github.com/username/brickfolio/backend/src/calculators"
	"github.com/username/brickfolio/backend/src/config"
	"github.com/username/brickfolio/backend/src/database"
	"github.com/username/brickfolio/backend/src/flows"
	"github.com/username/brickfolio/backend/src/handlers"
	"github.com/username/brickfolio/backend/src/ledger"
	"github.com/username/brickfolio/backend/src/logger"
	"github.com/username/brickfolio/backend/src/notifications"
	"github.com/username/brickfolio/backend/src/security"
	"github.com/username/brickfolio/backend/src/tracker"
	"github.com/username/brickfolio/backend/src/txcache"
	"golang.org/x/time/rate"
)

func proxyHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-Proto") == "https" {
			r.URL.Scheme = "https"
			r.TLS = &tls.ConnectionState{}
		}
		next.ServeHTTP(w, r)
	})
}

var limiter = rate.NewLimiter(rate.Every(100*time.Millisecond), 30)

func rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			logger.L.Warn("Rate limit exceeded", "path", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigins := map[string]bool{
			"http://localhost:3000":    true,
			config.Cfg.FrontendBaseURL: true,
		}

		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE, PATCH")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Requested-With")
		} else if origin == "" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func main() {
	config.LoadConfig()
	logger.InitLogger(config.Cfg.LogLevel)

	logger.L.Info("Brickfolio backend server starting...")

	if len(config.Cfg.JWTSecret) < 32 {
		stdlog.Fatal("JWT_SECRET configuration invalid: must be at least 32 characters.")
	}

	logger.L.Info("Initializing database...", "path", config.Cfg.DatabasePath)
	database.InitDB(config.Cfg.DatabasePath)
	database.RunMigrations(config.Cfg.DatabasePath)

	queryCache := cache.New(txcache.DefaultCacheExpiration, txcache.CacheCleanupInterval)
	sessionNotifCache := cache.New(config.Cfg.SessionNotifExpiry, txcache.CacheCleanupInterval)

	authService := security.NewAuthService(config.Cfg.JWTSecret, config.Cfg.SessionTokenExpiry)
	ledgerClient := ledger.NewHTTPClient(config.Cfg.LedgerRPCURL, config.Cfg.LedgerRPCTimeout)

	transactionCache := txcache.New(database.DB, ledgerClient, queryCache)

	confirmationTracker := tracker.New(
		ledgerClient,
		transactionCache,
		config.Cfg.ConfirmationThreshold,
		config.Cfg.TrackingPollInterval,
		config.Cfg.TrackingTimeout,
		config.Cfg.TrackingPollRate,
	)

	dispatcher := notifications.NewDispatcher(
		database.DB,
		sessionNotifCache,
		config.Cfg.SessionNotifExpiry,
		config.Cfg.NotifyOnPending,
	)
	dispatcher.Start(transactionCache)

	stakeLock := calculators.StakeLockEvaluator{MinLockPeriod: config.Cfg.MinStakeLockPeriod}
	coordinator := flows.NewCoordinator(transactionCache, confirmationTracker)
	flowService := flows.NewService(coordinator, ledgerClient, database.DB, stakeLock, config.Cfg.PlatformSpender)

	authHandler := handlers.NewAuthHandler(authService)
	txHandler := handlers.NewTransactionHandler(transactionCache)
	notifHandler := handlers.NewNotificationHandler(dispatcher)
	flowHandler := handlers.NewFlowHandler(flowService)
	stakeHandler := handlers.NewStakeHandler(flowService)

	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(handlers.ContextualLoggerMiddleware)
	r.Use(proxyHeadersMiddleware)
	r.Use(enableCORS)
	r.Use(rateLimitMiddleware)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"message": "Brickfolio Backend is running"})
	})

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/auth/session", authHandler.HandleCreateSession)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(authHandler.AuthMiddleware)

			r.Get("/transactions", txHandler.HandleGetTransactions)
			r.Get("/transactions/index-state", txHandler.HandleGetIndexState)
			r.Get("/transactions/stream", txHandler.HandleStreamTransactions)
			r.Get("/transactions/{id}", txHandler.HandleGetTransaction)

			r.Get("/notifications", notifHandler.HandleGetNotifications)
			r.Get("/notifications/unread-count", notifHandler.HandleGetUnreadCount)
			r.Get("/notifications/stream", notifHandler.HandleStreamNotifications)
			r.Post("/notifications/read-all", notifHandler.HandleMarkAllRead)
			r.Post("/notifications/{id}/read", notifHandler.HandleMarkRead)
			r.Delete("/notifications/{id}", notifHandler.HandleDismiss)

			r.Post("/flows/purchase", flowHandler.HandlePurchase)
			r.Post("/flows/property", flowHandler.HandlePropertyCreate)
			r.Post("/flows/kyc", flowHandler.HandleKYC)
			r.Post("/flows/stake", flowHandler.HandleStake)
			r.Post("/flows/unstake", flowHandler.HandleUnstake)
			r.Post("/flows/claim", flowHandler.HandleClaim)
			r.Post("/flows/list", flowHandler.HandleListToken)

			r.Get("/stake/{propertyID}", stakeHandler.HandleGetStakeStatus)
			r.Get("/revenue/{propertyID}/entitlement", stakeHandler.HandleGetEntitlement)
		})
	})

	serverAddr := ":" + config.Cfg.Port
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE endpoints hold the response open
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.L.Info("Server starting", "address", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			stdlog.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.L.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("HTTP server shutdown failed", "error", err)
	}

	// Stop pollers; pending records stay PENDING and are resolved on the
	// next session.
	confirmationTracker.Close()
	dispatcher.Stop()
	logger.L.Info("Shutdown complete")
}
