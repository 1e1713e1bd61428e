package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-equipment-reservations/internal/config"
	"github.com/ariefcatur/go-equipment-reservations/internal/httpx"
	kafkax "github.com/ariefcatur/go-equipment-reservations/internal/kafka"
	"github.com/ariefcatur/go-equipment-reservations/internal/logging"
	"github.com/ariefcatur/go-equipment-reservations/internal/postgres"
	"github.com/ariefcatur/go-equipment-reservations/internal/redisx"
	"github.com/ariefcatur/go-equipment-reservations/internal/reservations"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store
	var store reservations.Store
	switch cfg.Store {
	case "memory":
		log.Warn("using in-memory store; data is lost on restart")
		store = reservations.NewMemStore()
	default:
		db, err := postgres.Connect(ctx, cfg.PostgresDSN, 0)
		if err != nil {
			log.Fatal("db connect", zap.Error(err))
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			log.Fatal("db migrate", zap.Error(err))
		}
		store = postgres.NewStore(db, log.Named("postgres"))
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	var cache redis.Cmdable = rdb
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unavailable, calendar cache and idempotency keys disabled", zap.Error(err))
		cache = nil
	}

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, cfg.PublishBuf, log.Named("kafka"))
	prod.Start()
	pub := kafkax.NewEventPublisher(prod, cfg.ServiceName)
	pub.TraceID = middleware.GetReqID

	wf := reservations.NewWorkflow(store, log.Named("reservations"),
		reservations.WithPublisher(pub),
		reservations.WithMaxAttempts(cfg.TxAttempts))

	router := httpx.NewRouter(log.Named("http"))
	httpx.NewReservationsHandler(wf, cache, cfg.CalendarTTL, log.Named("http")).
		Register(router, httpx.Authenticate(cfg.JWTSecret))

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close()
	prod.WaitClosed()
}
