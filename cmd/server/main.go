package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stockbet/bet-settlement/internal/auth"
	"github.com/stockbet/bet-settlement/internal/betting"
	"github.com/stockbet/bet-settlement/internal/config"
	"github.com/stockbet/bet-settlement/internal/events"
	"github.com/stockbet/bet-settlement/internal/exposure"
	"github.com/stockbet/bet-settlement/internal/metrics"
	"github.com/stockbet/bet-settlement/internal/placement"
	"github.com/stockbet/bet-settlement/internal/quote"
	"github.com/stockbet/bet-settlement/internal/scheduler"
	"github.com/stockbet/bet-settlement/internal/settlement"
	"github.com/stockbet/bet-settlement/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Server.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()
	fatal := func(msg string, err error) {
		slog.Error(msg, "err", err)
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		os.Exit(1)
	}

	// --- Redis (cache, quotes, settlement channel) ---
	var rdb *redis.Client
	if cfg.Store.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			fatal("invalid REDIS_URL", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("Redis enabled")
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.Store.DatabaseURL != "" {
		if cfg.Store.RunMigrations {
			version, err := store.Migrate(cfg.Store.DatabaseURL)
			if err != nil {
				fatal("migrations failed", err)
			}
			slog.Info("schema up to date", "version", version)
		}

		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			fatal("database connection failed", err)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL)
			slog.Info("Redis read-through cache enabled", "ttl", cfg.Store.CacheTTL.String())
		}
	} else {
		if cfg.Production() {
			fatal("DATABASE_URL is required in production", errors.New("no database configured"))
		}
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Quotes ---
	var quotes quote.Store
	if rdb != nil {
		quotes = quote.NewRedisSource(rdb, cfg.Store.QuoteTTL)
	} else {
		quotes = quote.NewMemorySource()
	}

	if cfg.Events.QuoteTopic != "" && len(cfg.Events.KafkaBrokers) > 0 {
		reader := quote.NewKafkaReader(cfg.Events.KafkaBrokers, cfg.Events.QuoteTopic, cfg.Events.GroupID)
		cleanup = append(cleanup, func() { reader.Close() })
		ingestor := &quote.Ingestor{
			Reader: reader,
			Sink:   quotes,
			OnError: func(stage string) {
				metrics.QuoteIngestErrors.WithLabelValues(stage).Inc()
			},
		}
		go func() {
			if err := ingestor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("quote ingest stopped", "err", err)
			}
		}()
		slog.Info("consuming quotes from Kafka", "topic", cfg.Events.QuoteTopic)
	}

	// --- Settlement event fan-out ---
	wsHub := betting.NewWSHub()
	go wsHub.Run(ctx)

	publishers := events.Multi{wsHub}

	if len(cfg.Events.KafkaBrokers) > 0 {
		writer := events.NewKafkaWriter(cfg.Events.KafkaBrokers, cfg.Events.SettlementTopic)
		cleanup = append(cleanup, func() { writer.Close() })
		publishers = append(publishers, events.NewKafkaPublisher(writer))
		slog.Info("publishing settlements to Kafka", "topic", cfg.Events.SettlementTopic)
	}

	if cfg.Events.NATSURL != "" {
		nc, js, err := events.ConnectNATS(cfg.Events.NATSURL, "bet-settlement")
		if err != nil {
			fatal("NATS connection failed", err)
		}
		cleanup = append(cleanup, nc.Close)
		if err := events.EnsureStream(js, cfg.Events.NATSSubject); err != nil {
			fatal("NATS stream setup failed", err)
		}
		publishers = append(publishers, events.NewNATSPublisher(js, cfg.Events.NATSSubject))
		slog.Info("publishing settlements to NATS", "subject", cfg.Events.NATSSubject)
	}

	if rdb != nil {
		publishers = append(publishers, events.NewRedisPublisher(rdb, cfg.Events.RedisChannel))
	}

	// --- Settlement scheduler ---
	engine := settlement.NewTransactional(st)
	sched := scheduler.New(st, quotes, engine, publishers, scheduler.Config{
		PollInterval: cfg.Settlement.PollInterval,
		ApplyTimeout: cfg.Settlement.ApplyTimeout,
		MaxQuoteAge:  cfg.Settlement.MaxQuoteAge,
		Workers:      cfg.Settlement.Workers,
	})
	go sched.Start(ctx)

	// --- Placement ---
	limiter := exposure.NewLimiter(cfg.Placement.MaxStakePerSymbol, cfg.Placement.MaxStakePerExchange)
	placer := placement.New(st, quotes, limiter, placement.Limits{
		MinStake:    cfg.Placement.MinStake,
		MaxStake:    cfg.Placement.MaxStake,
		MaxLeverage: cfg.Placement.MaxLeverage,
	})

	bettingSvc := betting.NewService(st, placer, sched, quotes)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"bet-settlement"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Server.JWTSecret != "" {
			r.Use(auth.New(cfg.Server.JWTSecret).Middleware)
		} else {
			slog.Warn("JWT_SECRET not set, API is unauthenticated")
		}

		// WebSocket endpoint for settlement notifications.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			bettingSvc.Routes(r)

			// Price feed and funding. Unauthenticated only outside production.
			if cfg.Server.JWTSecret != "" || !cfg.Production() {
				r.Route("/admin", func(r chi.Router) {
					r.Use(auth.RequireRole(auth.RoleAdmin))
					bettingSvc.AdminRoutes(r)
				})
			} else {
				slog.Warn("admin routes disabled: JWT_SECRET is required in production")
			}
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("bet-settlement listening", "port", cfg.Server.Port, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down bet-settlement...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("bet-settlement stopped")
}
