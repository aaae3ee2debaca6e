package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"

	"github.com/yardcore/yardcore/internal/config"
	"github.com/yardcore/yardcore/internal/scheduler"
)

const (
	headerRoutingKey = "routing-key"
	headerExchange   = "exchange"
)

// KafkaTransport is the production Transport.
type KafkaTransport struct {
	cfg       config.BrokerConfig
	brokers   []string
	dialer    *kafka.Dialer
	writer    *kafka.Writer
	admin     *KafkaAdmin
	reconnect time.Duration
}

// NewKafka builds a transport from broker settings. No connection is made
// until the first publish or consume.
func NewKafka(cfg config.BrokerConfig) (*KafkaTransport, error) {
	brokers := Brokers(cfg)
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	dialer, err := NewDialer(cfg)
	if err != nil {
		return nil, err
	}
	tr, err := newKafkaTransport(cfg)
	if err != nil {
		return nil, err
	}
	reconnect := cfg.ReconnectDelay
	if reconnect <= 0 {
		reconnect = 3 * time.Second
	}
	slog.Info("Kafka transport configured", "brokers", brokers, "security", cfg.SecurityProtocol)
	return &KafkaTransport{
		cfg:     cfg,
		brokers: brokers,
		dialer:  dialer,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Transport:    tr,
		},
		admin: &KafkaAdmin{
			client:            &kafka.Client{Addr: kafka.TCP(brokers...), Timeout: 10 * time.Second, Transport: tr},
			partitions:        cfg.Partitions,
			replicationFactor: cfg.ReplicationFactor,
		},
		reconnect: reconnect,
	}, nil
}

// Admin implements Transport.
func (t *KafkaTransport) Admin() TopicAdmin { return t.admin }

// Publish implements Transport. Writes are retried a few times with the
// reconnect delay before the error is returned.
func (t *KafkaTransport) Publish(ctx context.Context, msg Message) error {
	km := kafka.Message{
		Topic: msg.Topic,
		Key:   []byte(msg.RoutingKey),
		Value: msg.Body,
		Headers: []kafka.Header{
			{Key: headerRoutingKey, Value: []byte(msg.RoutingKey)},
			{Key: headerExchange, Value: []byte(msg.Exchange)},
		},
	}
	for k, v := range msg.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	backoff := retry.WithMaxRetries(3, retry.NewConstant(t.reconnect))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := t.writer.WriteMessages(ctx, km); err != nil {
			slog.Warn("Kafka publish failed", "topic", msg.Topic, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Consume implements Transport. The reader joins group; a read error is
// retried indefinitely with a constant backoff until the subscription is
// cancelled.
func (t *KafkaTransport) Consume(ctx context.Context, spec QueueSpec, group string, prefetch int, h Handler) (Subscription, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:       t.brokers,
		GroupID:       group + "." + spec.Name,
		GroupTopics:   spec.Topics,
		Dialer:        t.dialer,
		MaxWait:       500 * time.Millisecond,
		QueueCapacity: prefetch,
		StartOffset:   kafka.LastOffset,
	})
	cctx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{queue: spec.Name, reader: r, cancel: cancel, done: make(chan struct{})}
	sem := scheduler.NewSemaphore(prefetch)

	go func() {
		defer close(sub.done)
		var wg sync.WaitGroup
		defer wg.Wait()
		slog.Info("Consumer started", "queue", spec.Name, "topics", spec.Topics, "group", group)
		for {
			var km kafka.Message
			err := retry.Do(cctx, retry.NewConstant(t.reconnect), func(ctx context.Context) error {
				m, err := r.ReadMessage(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return err
					}
					slog.Warn("Kafka read failed, reconnecting", "queue", spec.Name, "error", err)
					return retry.RetryableError(err)
				}
				km = m
				return nil
			})
			if err != nil {
				slog.Info("Consumer stopped", "queue", spec.Name)
				return
			}
			if err := sem.Acquire(cctx); err != nil {
				return
			}
			wg.Add(1)
			go func(msg Message) {
				defer wg.Done()
				defer sem.Release()
				if err := h(cctx, msg); err != nil {
					slog.Warn("Message handler failed", "queue", spec.Name, "routing_key", msg.RoutingKey, "error", err)
				}
			}(fromKafka(km))
		}
	}()
	return sub, nil
}

// Close implements Transport.
func (t *KafkaTransport) Close() error {
	return t.writer.Close()
}

func fromKafka(km kafka.Message) Message {
	msg := Message{Topic: km.Topic, RoutingKey: string(km.Key), Body: km.Value, Time: km.Time, Headers: map[string]string{}}
	for _, h := range km.Headers {
		switch h.Key {
		case headerRoutingKey:
			msg.RoutingKey = string(h.Value)
		case headerExchange:
			msg.Exchange = string(h.Value)
		default:
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}

type kafkaSubscription struct {
	queue  string
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *kafkaSubscription) Queue() string { return s.queue }

func (s *kafkaSubscription) Cancel() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		if err := s.reader.Close(); err != nil {
			slog.Debug("Reader close failed", "queue", s.queue, "error", err)
		}
	})
}

// KafkaAdmin implements TopicAdmin with the kafka-go admin client.
type KafkaAdmin struct {
	client            *kafka.Client
	partitions        int
	replicationFactor int
}

// TopicRetention implements TopicAdmin.
func (a *KafkaAdmin) TopicRetention(ctx context.Context, topic string) (time.Duration, bool, error) {
	meta, err := a.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{topic}})
	if err != nil {
		return 0, false, err
	}
	exists := false
	for _, t := range meta.Topics {
		if t.Name != topic {
			continue
		}
		if t.Error != nil {
			if errors.Is(t.Error, kafka.UnknownTopicOrPartition) {
				return 0, false, nil
			}
			return 0, false, t.Error
		}
		exists = true
	}
	if !exists {
		return 0, false, nil
	}

	resp, err := a.client.DescribeConfigs(ctx, &kafka.DescribeConfigsRequest{
		Resources: []kafka.DescribeConfigRequestResource{{
			ResourceType: kafka.ResourceTypeTopic,
			ResourceName: topic,
			ConfigNames:  []string{"retention.ms"},
		}},
	})
	if err != nil {
		return 0, true, err
	}
	for _, res := range resp.Resources {
		if res.Error != nil {
			return 0, true, res.Error
		}
		for _, e := range res.ConfigEntries {
			if e.ConfigName != "retention.ms" {
				continue
			}
			ms, err := strconv.ParseInt(e.ConfigValue, 10, 64)
			if err != nil {
				return 0, true, fmt.Errorf("parse retention.ms %q: %w", e.ConfigValue, err)
			}
			return time.Duration(ms) * time.Millisecond, true, nil
		}
	}
	return 0, true, nil
}

// CreateTopic implements TopicAdmin.
func (a *KafkaAdmin) CreateTopic(ctx context.Context, topic string, retention time.Duration) error {
	tc := kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     max(a.partitions, 1),
		ReplicationFactor: max(a.replicationFactor, 1),
	}
	if retention > 0 {
		tc.ConfigEntries = []kafka.ConfigEntry{{
			ConfigName:  "retention.ms",
			ConfigValue: strconv.FormatInt(retention.Milliseconds(), 10),
		}}
	}
	resp, err := a.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{Topics: []kafka.TopicConfig{tc}})
	if err != nil {
		return err
	}
	if err := resp.Errors[topic]; err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return err
	}
	return nil
}

// DeleteTopic implements TopicAdmin.
func (a *KafkaAdmin) DeleteTopic(ctx context.Context, topic string) error {
	resp, err := a.client.DeleteTopics(ctx, &kafka.DeleteTopicsRequest{Topics: []string{topic}})
	if err != nil {
		return err
	}
	return resp.Errors[topic]
}
