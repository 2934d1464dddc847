package kafka

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
)

// Handler must return nil only when processing succeeded and the offset may
// be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type committer interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Consumer fans messages out to a worker pool. All messages of one
// partition go to the same worker, so offsets are committed in order and a
// failing message holds its partition until the handler succeeds.
type Consumer struct {
	r       *kafka.Reader
	commit  committer
	workers int
	log     *slog.Logger

	retryInitial time.Duration
	retryMax     time.Duration
	giveUpAfter  time.Duration
}

func NewConsumer(brokers []string, group string, topics []string, workers int, log *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		r:            r,
		commit:       r,
		workers:      workers,
		log:          log,
		retryInitial: 200 * time.Millisecond,
		retryMax:     10 * time.Second,
		giveUpAfter:  15 * time.Minute,
	}
}

func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	var wg sync.WaitGroup
	queues := make([]chan kafka.Message, c.workers)
	for i := range queues {
		queues[i] = make(chan kafka.Message, 128)
		wg.Add(1)
		go func(jobs <-chan kafka.Message) {
			defer wg.Done()
			for m := range jobs {
				c.process(ctx, h, m)
			}
		}(queues[i])
	}
	stop := func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case queues[workerFor(m, c.workers)] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

// process retries h with backoff until it succeeds, then commits m. The
// offset is left uncommitted when ctx ends or the retry budget runs out.
func (c *Consumer) process(ctx context.Context, h Handler, m kafka.Message) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.MaxInterval = c.retryMax

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, h(ctx, m)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(c.giveUpAfter),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("handler failed, retrying", "topic", m.Topic, "partition", m.Partition,
				"offset", m.Offset, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error("giving up on message", "topic", m.Topic, "partition", m.Partition,
				"offset", m.Offset, "error", err)
		}
		return
	}
	if err := c.commit.CommitMessages(ctx, m); err != nil {
		c.log.Warn("commit failed", "topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "error", err)
	}
}

func workerFor(m kafka.Message, workers int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(m.Topic))
	return int((h.Sum32() + uint32(m.Partition)) % uint32(workers))
}
