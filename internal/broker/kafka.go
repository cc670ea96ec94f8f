package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka-backed broker.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`

	// WriteTimeout bounds a single publish.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ParseBrokers splits a comma separated broker list.
func ParseBrokers(dsn string) []string {
	var out []string
	for _, b := range strings.Split(dsn, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// KafkaBroker publishes tasks to one topic keyed by agent id, so an agent's
// tasks stay in one partition, and consumes them through a consumer group.
type KafkaBroker struct {
	cfg    KafkaConfig
	writer *kafka.Writer
	reader *kafka.Reader
}

// NewKafkaBroker creates the writer and the consumer-group reader.
func NewKafkaBroker(cfg KafkaConfig) (*KafkaBroker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka broker: at least one broker address is required")
	}
	if cfg.Topic == "" {
		cfg.Topic = "sicc.tasks"
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "sicc-workers"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &KafkaBroker{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
	}, nil
}

func (b *KafkaBroker) Publish(ctx context.Context, tasks ...Task) error {
	if len(tasks) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, len(tasks))
	for i, t := range tasks {
		msg, err := encodeMessage(t)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
	defer cancel()
	if err := b.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d tasks to %s: %w", len(tasks), b.cfg.Topic, err)
	}
	return nil
}

func (b *KafkaBroker) Receive(ctx context.Context) (*Delivery, error) {
	for {
		msg, err := b.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			if errors.Is(err, io.EOF) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("fetch task: %w", err)
		}
		task, err := decodeMessage(msg)
		if err != nil {
			// An undecodable message would block the partition forever.
			_ = b.reader.CommitMessages(ctx, msg)
			continue
		}
		return &Delivery{
			Task: task,
			ack: func(ctx context.Context) error {
				return b.reader.CommitMessages(ctx, msg)
			},
		}, nil
	}
}

func (b *KafkaBroker) Close() error {
	return errors.Join(b.writer.Close(), b.reader.Close())
}

func encodeMessage(t Task) (kafka.Message, error) {
	value, err := json.Marshal(t)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	key := t.AgentID
	if key == "" {
		key = string(t.Type)
	}
	return kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: "task_type", Value: []byte(t.Type)}},
		Time:    t.EnqueuedAt,
	}, nil
}

func decodeMessage(msg kafka.Message) (Task, error) {
	var t Task
	if err := json.Unmarshal(msg.Value, &t); err != nil {
		return Task{}, fmt.Errorf("decode task at offset %d: %w", msg.Offset, err)
	}
	if t.ID == "" || t.Type == "" {
		return Task{}, fmt.Errorf("task at offset %d has no id or type", msg.Offset)
	}
	return t, nil
}
