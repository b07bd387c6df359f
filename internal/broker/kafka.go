package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"go-redrive/internal/observability"
	"go-redrive/pkg/models"
)

// Kafka message headers carrying the destination contract's metadata.
const (
	hdrMessageID       = "x-message-id"
	hdrCorrelationID   = "x-correlation-id"
	hdrDeliveryCount   = "x-delivery-count"
	hdrDeadLetterWhy   = "x-dead-letter-reason"
	hdrDeadLetterDescr = "x-dead-letter-description"
)

// KafkaConfig configures one Kafka-backed destination.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// MaxDeliveries is the delivery budget enforced on Abandon. Default 3.
	MaxDeliveries int
	MinBytes      int
	MaxBytes      int
	// PublishRetries and PublishBackoff shape the send retry loop.
	PublishRetries int
	PublishBackoff time.Duration
}

func (c *KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers cannot be empty")
	}
	if c.Topic == "" {
		return errors.New("topic cannot be empty")
	}
	if c.GroupID == "" {
		return errors.New("groupID cannot be empty")
	}
	if c.MaxDeliveries < 0 {
		return errors.New("maxDeliveries cannot be negative")
	}
	return nil
}

// KafkaDestination adapts a Kafka topic to the Destination contract.
//
// Kafka has no peek-lock, so settlement is emulated with the republish
// pattern: Complete commits the offset; Abandon republishes the message to
// its own topic with an incremented delivery-count header and commits the
// original (or routes it to <topic>.dlq once the delivery budget is
// spent); DeadLetter publishes to <topic>.dlq with reason headers and
// commits. Redelivery order therefore differs from a lease-based broker:
// an abandoned message rejoins the tail of the topic rather than
// reappearing in place.
type KafkaDestination struct {
	cfg    KafkaConfig
	writer *kafka.Writer
	reader *kafka.Reader
	logger *logrus.Logger
	dlq    bool

	mu     sync.Mutex
	leases map[string]kafka.Message // lock token -> uncommitted fetch
}

func OpenKafka(cfg KafkaConfig) (*KafkaDestination, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka destination config: %w", err)
	}
	if cfg.MaxDeliveries == 0 {
		cfg.MaxDeliveries = 3
	}
	if cfg.MinBytes == 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 10e6
	}
	if cfg.PublishRetries == 0 {
		cfg.PublishRetries = 3
	}
	if cfg.PublishBackoff == 0 {
		cfg.PublishBackoff = 100 * time.Millisecond
	}
	return newKafkaDestination(cfg, false), nil
}

func newKafkaDestination(cfg KafkaConfig, dlq bool) *KafkaDestination {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		CommitInterval: 0, // settlement is explicit
		StartOffset:    kafka.FirstOffset,
	})
	return &KafkaDestination{
		cfg:    cfg,
		writer: writer,
		reader: reader,
		logger: observability.GetLogger(),
		dlq:    dlq,
		leases: make(map[string]kafka.Message),
	}
}

func (d *KafkaDestination) Name() string {
	return d.cfg.Topic
}

// DeadLetterView returns a destination over <topic>.dlq with its own
// consumer group.
func (d *KafkaDestination) DeadLetterView() Destination {
	cfg := d.cfg
	cfg.Topic = d.cfg.Topic + ".dlq"
	cfg.GroupID = d.cfg.GroupID + "-dlq"
	return newKafkaDestination(cfg, true)
}

func (d *KafkaDestination) Send(ctx context.Context, msg models.Message) error {
	return d.publish(ctx, d.cfg.Topic, msg, 0, "", "")
}

// publish writes one message with exponential-backoff retry, recording
// the delivery count and any dead-letter reason in headers.
func (d *KafkaDestination) publish(ctx context.Context, topic string, msg models.Message, deliveries int, reason, description string) error {
	headers := []kafka.Header{
		{Key: hdrMessageID, Value: []byte(msg.ID)},
		{Key: hdrCorrelationID, Value: []byte(msg.CorrelationID)},
		{Key: hdrDeliveryCount, Value: []byte(strconv.Itoa(deliveries))},
	}
	if reason != "" {
		headers = append(headers,
			kafka.Header{Key: hdrDeadLetterWhy, Value: []byte(reason)},
			kafka.Header{Key: hdrDeadLetterDescr, Value: []byte(description)},
		)
	}
	for k, v := range msg.Properties {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	out := kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.ID),
		Value:   msg.Body,
		Headers: headers,
		Time:    time.Now(),
	}

	var lastErr error
	for attempt := 0; attempt <= d.cfg.PublishRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Min(
				float64(d.cfg.PublishBackoff)*math.Pow(2, float64(attempt-1)),
				float64(5*time.Second),
			))
			select {
			case <-ctx.Done():
				return &PublishError{Destination: topic, Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}
		if lastErr = d.writer.WriteMessages(ctx, out); lastErr == nil {
			return nil
		}
		d.logger.WithFields(logrus.Fields{
			"topic":   topic,
			"key":     msg.ID,
			"attempt": attempt + 1,
		}).WithError(lastErr).Warn("publish attempt failed")
	}
	return &PublishError{
		Destination: topic,
		Err:         fmt.Errorf("after %d attempts: %w", d.cfg.PublishRetries+1, lastErr),
	}
}

func (d *KafkaDestination) ReceiveBatch(ctx context.Context, maxCount int, maxWait time.Duration) ([]models.Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	var batch []models.Message
	for len(batch) < maxCount {
		m, err := d.reader.FetchMessage(fetchCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			return batch, fmt.Errorf("fetch from %s: %w", d.cfg.Topic, err)
		}
		batch = append(batch, d.lease(m))
	}
	return batch, nil
}

func (d *KafkaDestination) lease(m kafka.Message) models.Message {
	msg := models.Message{
		ID:         string(m.Key),
		Body:       m.Value,
		Properties: make(map[string]string),
		LockToken:  uuid.NewString(),
		EnqueuedAt: m.Time,
	}
	prior := 0
	for _, h := range m.Headers {
		switch h.Key {
		case hdrMessageID:
			msg.ID = string(h.Value)
		case hdrCorrelationID:
			msg.CorrelationID = string(h.Value)
		case hdrDeliveryCount:
			prior, _ = strconv.Atoi(string(h.Value))
		case hdrDeadLetterWhy:
			msg.DeadLetterReason = string(h.Value)
		case hdrDeadLetterDescr:
			msg.DeadLetterDescription = string(h.Value)
		default:
			msg.Properties[h.Key] = string(h.Value)
		}
	}
	msg.DeliveryCount = prior + 1

	d.mu.Lock()
	d.leases[msg.LockToken] = m
	d.mu.Unlock()
	return msg
}

// release claims the uncommitted fetch for a settlement call. Settlement
// is one-shot per token.
func (d *KafkaDestination) release(msg models.Message) (kafka.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.leases[msg.LockToken]
	if !ok {
		return kafka.Message{}, &LeaseExpiredError{MessageID: msg.ID, LockToken: msg.LockToken}
	}
	delete(d.leases, msg.LockToken)
	return m, nil
}

func (d *KafkaDestination) Complete(ctx context.Context, msg models.Message) error {
	m, err := d.release(msg)
	if err != nil {
		return err
	}
	if err := d.reader.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("commit offset for %s: %w", msg.ID, err)
	}
	return nil
}

func (d *KafkaDestination) Abandon(ctx context.Context, msg models.Message) error {
	m, err := d.release(msg)
	if err != nil {
		return err
	}
	if !d.dlq && msg.DeliveryCount >= d.cfg.MaxDeliveries {
		// Delivery budget spent: the broker-side policy routes to DLQ.
		if err := d.publish(ctx, d.cfg.Topic+".dlq", msg, 0, models.ReasonMaxDeliveryExceeded, "delivery count exhausted"); err != nil {
			return err
		}
	} else if err := d.publish(ctx, d.cfg.Topic, msg, msg.DeliveryCount, msg.DeadLetterReason, msg.DeadLetterDescription); err != nil {
		return err
	}
	if err := d.reader.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("commit offset for %s: %w", msg.ID, err)
	}
	return nil
}

func (d *KafkaDestination) DeadLetter(ctx context.Context, msg models.Message, reason, description string) error {
	m, err := d.release(msg)
	if err != nil {
		return err
	}
	if !d.dlq {
		if err := d.publish(ctx, d.cfg.Topic+".dlq", msg, 0, reason, description); err != nil {
			return err
		}
	}
	if err := d.reader.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("commit offset for %s: %w", msg.ID, err)
	}
	return nil
}

// HealthCheck verifies connectivity to the first broker.
func (d *KafkaDestination) HealthCheck(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", d.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ReadPartitions(); err != nil {
		return fmt.Errorf("failed to read partitions: %w", err)
	}
	return nil
}

func (d *KafkaDestination) Close() error {
	if err := d.reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}
	if err := d.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}
