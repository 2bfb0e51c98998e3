package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/msg-engine/internal/logger"
	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers        []string
	Topic          string
	GroupID        string
	MinBytes       int           // default 1KB
	MaxBytes       int           // default 10MB
	CommitInterval time.Duration // 0 commits synchronously on every Commit
	MaxWait        time.Duration // default 500ms
}

func (c Config) withDefaults() Config {
	if c.MinBytes <= 0 {
		c.MinBytes = 1 << 10
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 500 * time.Millisecond
	}
	return c
}

func (c Config) validate() error {
	switch {
	case len(c.Brokers) == 0:
		return errors.New("kafka: no brokers configured")
	case c.Topic == "":
		return errors.New("kafka: topic is required")
	case c.GroupID == "":
		return errors.New("kafka: group id is required")
	}
	return nil
}

// Consumer reads job envelopes as a member of a consumer group. Offsets are
// committed explicitly, after the envelope's job has been handled; a new
// group starts from the oldest retained envelope.
type Consumer struct {
	r     *kafka.Reader
	topic string
	group string
}

func NewConsumer(c Config) (*Consumer, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	c = c.withDefaults()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.Brokers,
		GroupID:        c.GroupID,
		Topic:          c.Topic,
		MinBytes:       c.MinBytes,
		MaxBytes:       c.MaxBytes,
		MaxWait:        c.MaxWait,
		CommitInterval: c.CommitInterval,
		StartOffset:    kafka.FirstOffset,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Log.Sugar().Warnf("kafka reader: "+msg, args...)
		}),
	})
	return &Consumer{r: r, topic: c.Topic, group: c.GroupID}, nil
}

type Message = kafka.Message

func (c *Consumer) Topic() string { return c.topic }
func (c *Consumer) Group() string { return c.group }

func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	return c.r.FetchMessage(ctx)
}

func (c *Consumer) Commit(ctx context.Context, m Message) error {
	return c.r.CommitMessages(ctx, m)
}

// Lag is the number of envelopes behind the partition head, as of the last fetch.
func (c *Consumer) Lag() int64 { return c.r.Stats().Lag }

func (c *Consumer) Close() error { return c.r.Close() }
