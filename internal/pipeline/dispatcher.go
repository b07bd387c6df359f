package pipeline

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"go-redrive/internal/broker"
	"go-redrive/internal/observability"
	"go-redrive/pkg/models"
)

// Dispatcher executes classification decisions against leased messages.
type Dispatcher struct {
	logger  *logrus.Logger
	metrics observability.MetricsCollector
}

func NewDispatcher(metrics observability.MetricsCollector) *Dispatcher {
	if metrics == nil {
		metrics = observability.NewInMemoryMetrics()
	}
	return &Dispatcher{
		logger:  observability.GetLogger(),
		metrics: metrics,
	}
}

// Settle applies the decision to the message on its source. A stale lock
// token is logged and absorbed: the broker has already reclaimed the
// message and will redeliver it, so batch processing continues. Any other
// settlement failure is returned to the caller.
func (d *Dispatcher) Settle(ctx context.Context, src broker.Destination, msg models.Message, dec Decision) error {
	logger := d.logger.WithFields(logrus.Fields{
		"message_id":     msg.ID,
		"delivery_count": msg.DeliveryCount,
		"disposition":    dec.Disposition.String(),
	})

	var err error
	switch dec.Disposition {
	case models.Complete:
		if err = src.Complete(ctx, msg); err == nil {
			d.metrics.IncCompleted()
			logger.Info("message completed")
		}
	case models.Retry:
		if err = src.Abandon(ctx, msg); err == nil {
			d.metrics.IncAbandoned()
			logger.Info("message abandoned for redelivery")
		}
	case models.DeadLetter:
		if err = src.DeadLetter(ctx, msg, dec.Reason, dec.Description); err == nil {
			d.metrics.IncDeadLettered()
			logger.WithField("reason", dec.Reason).Info("message dead-lettered")
		}
	default:
		return fmt.Errorf("unknown disposition %d for message %s", dec.Disposition, msg.ID)
	}

	if err != nil {
		if broker.IsLeaseExpired(err) {
			d.metrics.IncLeaseLost()
			logger.Warn("lease expired before settlement, broker will redeliver")
			return nil
		}
		return fmt.Errorf("settle %s as %s: %w", msg.ID, dec.Disposition, err)
	}
	return nil
}
