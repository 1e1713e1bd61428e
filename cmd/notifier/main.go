package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-equipment-reservations/internal/config"
	kafkax "github.com/ariefcatur/go-equipment-reservations/internal/kafka"
	"github.com/ariefcatur/go-equipment-reservations/internal/logging"
	"github.com/ariefcatur/go-equipment-reservations/internal/notify"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &notify.Service{
		Redis:       rdb,
		Sender:      notify.LogSender{Log: log.Named("sender")},
		Log:         log.Named("notify"),
		ServiceName: cfg.ServiceName + "-notifier",
	}

	topics := []string{reservations.TopicReservationLifecycle, reservations.TopicLateReturns}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.NotifierGroup, topics, cfg.NotifierWorkers, log.Named("kafka"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Info("notifier consumer started",
			zap.String("group", cfg.NotifierGroup),
			zap.Strings("topics", topics),
			zap.Int("workers", cfg.NotifierWorkers))
		if err := cons.Start(ctx, svc.HandleMessage); err != nil {
			log.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info("shutting down consumer")
	cancel()
	<-done
}
