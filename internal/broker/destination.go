// Package broker defines the destination contract the pipeline settles
// messages against, and ships three drivers: an in-process peek-lock broker
// (memory), a Kafka adapter that emulates settlement by republishing, and a
// NATS JetStream adapter with native lease semantics.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-redrive/pkg/models"
)

// Destination is a logical send/receive target: a queue, or a
// topic+subscription pair. Implementations are safe for concurrent use; a
// single sender and receiver handle is shared across workers, with
// settlement keyed by each message's own lock token.
type Destination interface {
	Name() string

	// Send publishes a message. Fails with *PublishError on broker
	// rejection.
	Send(ctx context.Context, msg models.Message) error

	// ReceiveBatch returns up to maxCount leased messages, waiting at most
	// maxWait. It returns fewer than maxCount (including zero) when no
	// more are immediately available, and never blocks past maxWait.
	ReceiveBatch(ctx context.Context, maxCount int, maxWait time.Duration) ([]models.Message, error)

	// Complete acknowledges removal; the message will not be redelivered.
	Complete(ctx context.Context, msg models.Message) error

	// Abandon releases the lease without acknowledgment; the message
	// becomes eligible for redelivery with its delivery count incremented.
	Abandon(ctx context.Context, msg models.Message) error

	// DeadLetter moves the message to the dead-letter sub-queue with a
	// reason/description pair; it will not be redelivered live.
	DeadLetter(ctx context.Context, msg models.Message, reason, description string) error
}

// DeadLetterSource is implemented by destinations with an associated
// dead-letter sub-queue.
type DeadLetterSource interface {
	// DeadLetterView returns a receive/settle view scoped to the
	// destination's dead-letter sub-queue. Messages completed there are
	// gone for good; re-entry to the live stream goes through Send.
	DeadLetterView() Destination
}

// LeaseExpiredError reports a settlement attempted with a stale lock token:
// the lease expired, or the message was already settled by a concurrent
// attempt. The broker has reclaimed the message and will redeliver it on
// its own schedule, so there is no compensating action.
type LeaseExpiredError struct {
	MessageID string
	LockToken string
}

func (e *LeaseExpiredError) Error() string {
	return fmt.Sprintf("lease expired for message %s", e.MessageID)
}

// PublishError reports a send rejected by the transport or broker.
type PublishError struct {
	Destination string
	Err         error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed: %v", e.Destination, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsLeaseExpired checks whether err is a lost-lease settlement failure.
func IsLeaseExpired(err error) bool {
	var leaseErr *LeaseExpiredError
	return errors.As(err, &leaseErr)
}

// IsPublishError checks whether err is a broker publish rejection.
func IsPublishError(err error) bool {
	var pubErr *PublishError
	return errors.As(err, &pubErr)
}
