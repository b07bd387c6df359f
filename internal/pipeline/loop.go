package pipeline

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"go-redrive/internal/broker"
	"go-redrive/internal/observability"
	"go-redrive/pkg/models"
)

// Handler processes one leased message from a source. A returned error is
// logged and the message's lease is left to expire for natural
// redelivery; it never aborts the loop.
type Handler func(ctx context.Context, src broker.Destination, msg models.Message) error

// LoopConfig configures a drain/processor loop over one source.
type LoopConfig struct {
	Source broker.Destination
	// MaxConcurrent bounds in-flight message handlers. Default 5.
	MaxConcurrent int
	// Prefetch is the batch size requested per receive. Default 10.
	Prefetch int
	// ReceiveWait bounds each batch-receive call. Default 5s.
	ReceiveWait time.Duration
	Metrics     observability.MetricsCollector
}

// Loop pulls bounded batches from a source and fans each message out to a
// handler under bounded concurrency. Drain runs one pass and stops at the
// first empty batch; Run keeps going until the context is cancelled,
// letting in-flight handlers finish before returning.
type Loop struct {
	source        broker.Destination
	maxConcurrent int
	prefetch      int
	receiveWait   time.Duration
	logger        *logrus.Logger
	metrics       observability.MetricsCollector
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.ReceiveWait <= 0 {
		cfg.ReceiveWait = 5 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	return &Loop{
		source:        cfg.Source,
		maxConcurrent: cfg.MaxConcurrent,
		prefetch:      cfg.Prefetch,
		receiveWait:   cfg.ReceiveWait,
		logger:        observability.GetLogger(),
		metrics:       cfg.Metrics,
	}
}

// Drain processes batches until the source returns an empty one, then
// reports how many messages were handled in the pass.
func (l *Loop) Drain(ctx context.Context, handle Handler) (int, error) {
	processed := 0
	for {
		batch, err := l.source.ReceiveBatch(ctx, l.prefetch, l.receiveWait)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return processed, nil
			}
			return processed, err
		}
		if len(batch) == 0 {
			return processed, nil
		}
		l.processBatch(ctx, batch, handle)
		processed += len(batch)
	}
}

// Run consumes the source until ctx is cancelled. Receive failures are
// logged and retried; per-message failures never escalate. In-flight
// handlers finish before Run returns.
func (l *Loop) Run(ctx context.Context, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			l.logger.WithField("source", l.source.Name()).Info("processor loop stopped")
			return nil
		default:
		}

		batch, err := l.source.ReceiveBatch(ctx, l.prefetch, l.receiveWait)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			l.logger.WithError(err).WithField("source", l.source.Name()).Error("batch receive failed")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		l.processBatch(ctx, batch, handle)
	}
}

// processBatch fans a batch out to the handler with at most maxConcurrent
// in flight, and waits for all of them. Messages within a batch carry no
// ordering guarantee. A panicking handler is contained like a failing one.
func (l *Loop) processBatch(ctx context.Context, batch []models.Message, handle Handler) {
	sem := make(chan struct{}, l.maxConcurrent)
	var wg sync.WaitGroup
	for _, msg := range batch {
		l.metrics.IncReceived()
		sem <- struct{}{}
		wg.Add(1)
		go func(msg models.Message) {
			defer wg.Done()
			defer func() { <-sem }()
			l.handleOne(ctx, msg, handle)
		}(msg)
	}
	wg.Wait()
}

func (l *Loop) handleOne(ctx context.Context, msg models.Message, handle Handler) {
	logger := l.logger.WithFields(logrus.Fields{
		"source":     l.source.Name(),
		"message_id": msg.ID,
	})

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(logrus.Fields{
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("panic in message handler")
				err = nil // lease is left to expire, same as a handler error
			}
		}()
		return handle(ctx, l.source, msg)
	}()
	if err != nil {
		// Leave the lease to expire; the broker redelivers on its own
		// schedule.
		logger.WithError(err).Error("message handling failed")
	}
}

// LiveHandler classifies and settles messages from a live destination.
func LiveHandler(classifier *Classifier, dispatcher *Dispatcher) Handler {
	return func(ctx context.Context, src broker.Destination, msg models.Message) error {
		return dispatcher.Settle(ctx, src, msg, classifier.Classify(msg))
	}
}

// RedriveHandler repairs and replays messages from a dead-letter
// sub-queue.
func RedriveHandler(coordinator *Coordinator) Handler {
	return func(ctx context.Context, src broker.Destination, msg models.Message) error {
		_, err := coordinator.Replay(ctx, src, msg)
		return err
	}
}
