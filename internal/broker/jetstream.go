package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go-redrive/pkg/models"
)

// JetStreamConfig configures the NATS JetStream driver.
type JetStreamConfig struct {
	URL string
	// Durable prefixes the durable consumer names. Default "redrive".
	Durable string
	// MaxDeliveries is the delivery budget enforced on Abandon. Default 3.
	MaxDeliveries int
	// LeaseDuration maps to the consumer AckWait. Default 30s.
	LeaseDuration time.Duration
}

// JetStream connects the pipeline to NATS JetStream. Unlike Kafka,
// JetStream has native lease semantics: Complete double-acks, Abandon
// naks for redelivery with NumDelivered as the delivery count, and
// DeadLetter publishes to the destination's DLQ subject before
// terminating the source delivery. Sends carrying a redrive token set
// Nats-Msg-Id, so JetStream's duplicate window deduplicates replays.
type JetStream struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	cfg JetStreamConfig
}

func OpenJetStream(ctx context.Context, cfg JetStreamConfig) (*JetStream, error) {
	if cfg.Durable == "" {
		cfg.Durable = "redrive"
	}
	if cfg.MaxDeliveries == 0 {
		cfg.MaxDeliveries = 3
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	nc, err := nats.Connect(cfg.URL, nats.Name("go-redrive"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return &JetStream{nc: nc, js: js, cfg: cfg}, nil
}

func (b *JetStream) Close() {
	b.nc.Close()
}

// Destination provisions (or reuses) a stream for the named destination
// with a live subject and a dead-letter subject, and returns the live
// view.
func (b *JetStream) Destination(ctx context.Context, name string) (Destination, error) {
	streamName := strings.ReplaceAll(name, ".", "_")
	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{name + ".msg", name + ".dlq"},
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", streamName, err)
	}

	live, err := b.view(ctx, stream, name, name+".msg", b.cfg.Durable+"-live-"+streamName, false)
	if err != nil {
		return nil, err
	}
	dlq, err := b.view(ctx, stream, name, name+".dlq", b.cfg.Durable+"-dlq-"+streamName, true)
	if err != nil {
		return nil, err
	}
	live.dlqView = dlq
	return live, nil
}

func (b *JetStream) view(ctx context.Context, stream jetstream.Stream, name, subject, durable string, dlq bool) (*jsDestination, error) {
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.LeaseDuration,
		MaxDeliver:    -1, // delivery budget is enforced on Abandon
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", durable, err)
	}
	return &jsDestination{
		broker:   b,
		name:     name,
		subject:  subject,
		consumer: cons,
		dlq:      dlq,
		leases:   make(map[string]jetstream.Msg),
	}, nil
}

type jsDestination struct {
	broker   *JetStream
	name     string
	subject  string
	consumer jetstream.Consumer
	dlq      bool
	dlqView  *jsDestination

	mu     sync.Mutex
	leases map[string]jetstream.Msg
}

func (d *jsDestination) Name() string {
	if d.dlq {
		return d.name + "/$deadletter"
	}
	return d.name
}

func (d *jsDestination) DeadLetterView() Destination {
	return d.dlqView
}

func (d *jsDestination) Send(ctx context.Context, msg models.Message) error {
	return d.publish(ctx, d.subject, msg, "", "")
}

func (d *jsDestination) publish(ctx context.Context, subject string, msg models.Message, reason, description string) error {
	header := nats.Header{}
	header.Set(hdrMessageID, msg.ID)
	header.Set(hdrCorrelationID, msg.CorrelationID)
	if reason != "" {
		header.Set(hdrDeadLetterWhy, reason)
		header.Set(hdrDeadLetterDescr, description)
	}
	for k, v := range msg.Properties {
		header.Set(k, v)
	}

	var opts []jetstream.PublishOpt
	if tok := msg.Property(models.PropRedriveToken); tok != "" {
		opts = append(opts, jetstream.WithMsgID(tok))
	}

	if _, err := d.broker.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Header:  header,
		Data:    msg.Body,
	}, opts...); err != nil {
		return &PublishError{Destination: subject, Err: err}
	}
	return nil
}

func (d *jsDestination) ReceiveBatch(ctx context.Context, maxCount int, maxWait time.Duration) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fetched, err := d.consumer.Fetch(maxCount, jetstream.FetchMaxWait(maxWait))
	if err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", d.subject, err)
	}

	var batch []models.Message
	for m := range fetched.Messages() {
		batch = append(batch, d.lease(m))
	}
	if err := fetched.Error(); err != nil {
		return batch, fmt.Errorf("fetch from %s: %w", d.subject, err)
	}
	return batch, nil
}

func (d *jsDestination) lease(m jetstream.Msg) models.Message {
	msg := models.Message{
		Body:       m.Data(),
		Properties: make(map[string]string),
		LockToken:  uuid.NewString(),
	}
	for k, vs := range m.Headers() {
		if len(vs) == 0 {
			continue
		}
		switch k {
		case hdrMessageID:
			msg.ID = vs[0]
		case hdrCorrelationID:
			msg.CorrelationID = vs[0]
		case hdrDeadLetterWhy:
			msg.DeadLetterReason = vs[0]
		case hdrDeadLetterDescr:
			msg.DeadLetterDescription = vs[0]
		default:
			msg.Properties[k] = vs[0]
		}
	}
	if meta, err := m.Metadata(); err == nil {
		msg.DeliveryCount = int(meta.NumDelivered)
		msg.EnqueuedAt = meta.Timestamp
	}

	d.mu.Lock()
	d.leases[msg.LockToken] = m
	d.mu.Unlock()
	return msg
}

func (d *jsDestination) release(msg models.Message) (jetstream.Msg, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.leases[msg.LockToken]
	if !ok {
		return nil, &LeaseExpiredError{MessageID: msg.ID, LockToken: msg.LockToken}
	}
	delete(d.leases, msg.LockToken)
	return m, nil
}

func (d *jsDestination) Complete(ctx context.Context, msg models.Message) error {
	m, err := d.release(msg)
	if err != nil {
		return err
	}
	if err := m.DoubleAck(ctx); err != nil {
		return &LeaseExpiredError{MessageID: msg.ID, LockToken: msg.LockToken}
	}
	return nil
}

func (d *jsDestination) Abandon(ctx context.Context, msg models.Message) error {
	m, err := d.release(msg)
	if err != nil {
		return err
	}
	if !d.dlq && msg.DeliveryCount >= d.broker.cfg.MaxDeliveries {
		if err := d.publish(ctx, d.name+".dlq", msg, models.ReasonMaxDeliveryExceeded, "delivery count exhausted"); err != nil {
			return err
		}
		return m.Term()
	}
	return m.Nak()
}

func (d *jsDestination) DeadLetter(ctx context.Context, msg models.Message, reason, description string) error {
	m, err := d.release(msg)
	if err != nil {
		return err
	}
	if !d.dlq {
		if err := d.publish(ctx, d.name+".dlq", msg, reason, description); err != nil {
			return err
		}
	}
	return m.Term()
}
