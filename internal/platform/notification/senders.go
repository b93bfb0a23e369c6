package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ---------------------------------------------------------------------------
// Log sender
// ---------------------------------------------------------------------------

// LogSender writes messages to the structured log. It is the development
// default when no delivery channel is configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(_ context.Context, m *Message) error {
	s.logger.Info().
		Str("notification_id", m.ID).
		Str("donor_id", m.DonorID.String()).
		Str("event", m.Event).
		Str("subject", m.Subject).
		Msg(m.Body)
	return nil
}

// ---------------------------------------------------------------------------
// Kafka sender
// ---------------------------------------------------------------------------

// KafkaSender publishes messages to a topic, keyed by donor so that one
// donor's notifications stay ordered within a partition.
type KafkaSender struct {
	client *kgo.Client
}

func NewKafkaSender(brokers []string, topic string) (*KafkaSender, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if topic == "" {
		return nil, errors.New("kafka: no topic configured")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordDeliveryTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &KafkaSender{client: client}, nil
}

func (s *KafkaSender) Name() string { return "kafka" }

func (s *KafkaSender) Send(ctx context.Context, m *Message) error {
	rec, err := kafkaRecord(m)
	if err != nil {
		return err
	}
	return s.client.ProduceSync(ctx, rec).FirstErr()
}

func (s *KafkaSender) Close() {
	s.client.Close()
}

func kafkaRecord(m *Message) (*kgo.Record, error) {
	value, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	return &kgo.Record{
		Key:   []byte(m.DonorID.String()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event", Value: []byte(m.Event)},
		},
	}, nil
}

// ---------------------------------------------------------------------------
// Webhook sender
// ---------------------------------------------------------------------------

// WebhookSender POSTs messages as JSON to the notification gateway.
type WebhookSender struct {
	client *resty.Client
	url    string
}

func NewWebhookSender(url string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &WebhookSender{client: client, url: url}
}

func (s *WebhookSender) Name() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, m *Message) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", m.ID).
		SetBody(m).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook: gateway returned %d", resp.StatusCode())
	}
	return nil
}
