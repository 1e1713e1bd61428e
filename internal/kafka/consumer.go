package kafka

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler returns nil only when the message was processed and its offset may
// be committed.
type Handler func(ctx context.Context, m kafka.Message) error

// Reader is the part of *kafka.Reader the consumer loop uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var _ Reader = (*kafka.Reader)(nil)

const (
	retryBase = 200 * time.Millisecond
	retryMax  = 10 * time.Second
)

type Consumer struct {
	r       Reader
	workers int
	log     *zap.Logger

	retryBase, retryMax time.Duration
}

func NewConsumer(brokers []string, group string, topics []string, workers int, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	return newConsumer(r, workers, log)
}

func newConsumer(r Reader, workers int, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers, log: log, retryBase: retryBase, retryMax: retryMax}
}

// Start fetches until ctx ends. Every partition is owned by one worker, which
// handles its messages in offset order and retries a failing message until it
// succeeds, so a commit never skips unprocessed work.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	queues := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan kafka.Message, 256)
		wg.Add(1)
		go func(id int, jobs <-chan kafka.Message) {
			defer wg.Done()
			for m := range jobs {
				if !c.handle(ctx, id, h, m) {
					// ctx ended mid-retry; the rest of the queue is redelivered
					// after restart since nothing past m was committed
					for range jobs {
					}
					return
				}
			}
		}(i, queues[i])
	}
	defer wg.Wait()
	defer func() {
		for _, q := range queues {
			close(q)
		}
	}()

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case queues[c.worker(m)] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Consumer) worker(m kafka.Message) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(m.Topic))
	return int((h.Sum32() + uint32(m.Partition)) % uint32(c.workers))
}

// handle runs h until it succeeds and commits m. It reports false when ctx
// ended first.
func (c *Consumer) handle(ctx context.Context, id int, h Handler, m kafka.Message) bool {
	backoff := c.retryBase
	for attempt := 1; ; attempt++ {
		err := h(ctx, m)
		if err == nil {
			break
		}
		c.log.Warn("handler failed",
			zap.Int("worker", id),
			zap.String("topic", m.Topic),
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.retryMax)
	}
	if err := c.r.CommitMessages(ctx, m); err != nil {
		c.log.Warn("commit failed",
			zap.String("topic", m.Topic),
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Error(err))
	}
	return true
}
