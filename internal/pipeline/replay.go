package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"go-redrive/internal/broker"
	"go-redrive/internal/observability"
	"go-redrive/pkg/models"
)

// Coordinator replays dead-lettered messages. For each one, exactly one of
// two outcomes occurs: the repaired message is published to the live
// destination and the dead-letter entry acknowledged, or the original body
// is forwarded to quarantine and the entry acknowledged. A dead-lettered
// message is never silently dropped and never lands in both places.
//
// Queues here offer no cross-destination transaction, so atomicity is an
// ordered publish-then-acknowledge protocol: every publish carries a
// deterministic idempotency token derived from the dead-letter entry's
// identity, and only the acknowledge step is ever retried after a failure.
// A redelivered dead-letter entry whose publish already landed deduplicates
// on the token instead of duplicating.
type Coordinator struct {
	live       broker.Destination
	quarantine broker.Destination
	repairer   *Repairer
	logger     *logrus.Logger
	metrics    observability.MetricsCollector
}

func NewCoordinator(live, quarantine broker.Destination, repairer *Repairer, metrics observability.MetricsCollector) *Coordinator {
	if metrics == nil {
		metrics = observability.NewInMemoryMetrics()
	}
	return &Coordinator{
		live:       live,
		quarantine: quarantine,
		repairer:   repairer,
		logger:     observability.GetLogger(),
		metrics:    metrics,
	}
}

// redriveToken derives the idempotency key for a replay publish: UUIDv5 of
// the message id plus the dead-letter entry's enqueue time. Stable across
// redeliveries of one entry, so a crash-retry deduplicates; distinct
// between dead-letter incarnations of the same id, so a message that fails
// again after a replay gets a fresh token on its next trip through.
func redriveToken(msg models.Message) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(entryKey("redrive", msg))).String()
}

func quarantineToken(msg models.Message) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(entryKey("quarantine", msg))).String()
}

func entryKey(op string, msg models.Message) string {
	return op + ":" + msg.ID + ":" + strconv.FormatInt(msg.EnqueuedAt.UnixNano(), 10)
}

// Replay repairs the message and replays it to the live destination,
// falling back to quarantine when repair or the replay commit fails. The
// dead-letter lease is only acknowledged after the corresponding publish
// succeeded; a returned error means the entry is still leased and will
// redeliver when the lease expires.
func (c *Coordinator) Replay(ctx context.Context, dlq broker.Destination, msg models.Message) (models.ReplayOutcome, error) {
	logger := c.logger.WithFields(logrus.Fields{
		"message_id":         msg.ID,
		"dead_letter_reason": msg.DeadLetterReason,
	})

	rep, err := c.repairer.Repair(msg)
	if err != nil {
		c.metrics.IncRepairFailed()
		logger.WithError(err).Warn("repair failed, routing to quarantine")
		return c.sendToQuarantine(ctx, dlq, msg, err)
	}
	c.metrics.IncRepaired()

	out := msg.Clone()
	out.Body = rep.Body
	out.DeliveryCount = 0
	out.DeadLetterReason = ""
	out.DeadLetterDescription = ""
	// A replay is a fresh enqueue; the broker restamps the time, which is
	// what keeps a later dead-letter incarnation's token distinct.
	out.EnqueuedAt = time.Time{}
	for k, v := range rep.Properties {
		out.SetProperty(k, v)
	}
	out.SetProperty(models.PropRedriveToken, redriveToken(msg))

	if err := c.live.Send(ctx, out); err != nil {
		c.metrics.IncPublishFailed()
		logger.WithError(err).Warn("replay commit failed, routing to quarantine")
		return c.sendToQuarantine(ctx, dlq, msg, fmt.Errorf("replay commit failed: %w", err))
	}

	if err := dlq.Complete(ctx, msg); err != nil {
		if broker.IsLeaseExpired(err) {
			// The publish is durable and token-deduplicated; the
			// redelivered entry only needs its acknowledge retried.
			c.metrics.IncLeaseLost()
			logger.Warn("dead-letter lease expired after replay publish, acknowledge will retry on redelivery")
			return models.Replayed, nil
		}
		return models.Replayed, fmt.Errorf("acknowledge dead-letter entry %s: %w", msg.ID, err)
	}

	c.metrics.IncReplayed()
	logger.Info("message repaired and replayed to live destination")
	return models.Replayed, nil
}

// sendToQuarantine forwards the original unrepaired body to the quarantine
// destination, tagged with the source id, the original dead-letter reason,
// and the error text, then acknowledges the dead-letter entry. A failed
// quarantine publish leaves the entry leased so it expires and redelivers;
// that pass is safe to repeat because the quarantine token deduplicates.
func (c *Coordinator) sendToQuarantine(ctx context.Context, dlq broker.Destination, msg models.Message, cause error) (models.ReplayOutcome, error) {
	q := msg.Clone()
	q.DeliveryCount = 0
	q.DeadLetterReason = ""
	q.DeadLetterDescription = ""
	q.EnqueuedAt = time.Time{}
	q.SetProperty(models.PropOriginalMessageID, msg.ID)
	q.SetProperty(models.PropReplayError, cause.Error())
	if msg.DeadLetterReason != "" {
		q.SetProperty(models.PropDeadLetterReason, msg.DeadLetterReason)
	}
	q.SetProperty(models.PropRedriveToken, quarantineToken(msg))

	if err := c.quarantine.Send(ctx, q); err != nil {
		c.metrics.IncPublishFailed()
		return models.Quarantined, fmt.Errorf("quarantine publish for %s: %w", msg.ID, err)
	}

	if err := dlq.Complete(ctx, msg); err != nil {
		if broker.IsLeaseExpired(err) {
			c.metrics.IncLeaseLost()
			c.logger.WithField("message_id", msg.ID).
				Warn("dead-letter lease expired after quarantine publish, acknowledge will retry on redelivery")
			return models.Quarantined, nil
		}
		return models.Quarantined, fmt.Errorf("acknowledge dead-letter entry %s: %w", msg.ID, err)
	}

	c.metrics.IncQuarantined()
	c.logger.WithFields(logrus.Fields{
		"message_id":         msg.ID,
		"dead_letter_reason": msg.DeadLetterReason,
		"replay_error":       cause.Error(),
	}).Info("message quarantined")
	return models.Quarantined, nil
}
