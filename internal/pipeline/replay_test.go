package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-redrive/internal/broker"
	"go-redrive/internal/observability"
	"go-redrive/pkg/models"
)

// deadLetterOne pushes a message through the live destination into the
// dead-letter sub-queue and returns it freshly leased from the DLQ view.
func deadLetterOne(t *testing.T, b *broker.Memory, queue string, msg models.Message, reason string) (broker.Destination, broker.Destination, models.Message) {
	t.Helper()
	ctx := context.Background()

	live := b.Destination(queue)
	require.NoError(t, live.Send(ctx, msg))

	batch, err := live.ReceiveBatch(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, live.DeadLetter(ctx, batch[0], reason, "test"))

	dlq := live.(broker.DeadLetterSource).DeadLetterView()
	batch, err = dlq.ReceiveBatch(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	return live, dlq, batch[0]
}

func TestCoordinator_RepairedMessageIsReplayed(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	msg := models.Message{
		ID:            "Poison-001",
		CorrelationID: "corr-1",
		Body:          []byte(`{"kind": "Poison"}`),
		Properties:    map[string]string{"tenant": "acme"},
	}
	live, dlq, dead := deadLetterOne(t, b, "orders", msg, models.ReasonValidationError)

	metrics := observability.NewInMemoryMetrics()
	c := NewCoordinator(live, newFakeDestination("quarantine"), NewRepairer(9.99), metrics)

	outcome, err := c.Replay(ctx, dlq, dead)
	require.NoError(t, err)
	assert.Equal(t, models.Replayed, outcome)

	// Exactly one of the two destinations holds the message, and the
	// dead-letter sub-queue no longer does.
	assert.Equal(t, 0, b.DeadLetterDepth("orders"))
	assert.Equal(t, 1, b.Depth("orders"))

	batch, err := live.ReceiveBatch(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	replayed := batch[0]
	assert.Equal(t, "Poison-001", replayed.ID)
	assert.Equal(t, "corr-1", replayed.CorrelationID)
	assert.Equal(t, "true", replayed.Property(models.PropRepaired))
	assert.NotEmpty(t, replayed.Property(models.PropRepairedAt))
	assert.Equal(t, "acme", replayed.Property("tenant"), "original application properties are copied")
	assert.JSONEq(t, `{"kind": "Poison", "amount": 9.99}`, string(replayed.Body))
	assert.Equal(t, 1, replayed.DeliveryCount)

	assert.Equal(t, int64(1), metrics.GetRepaired())
	assert.Equal(t, int64(1), metrics.GetReplayed())
}

func TestCoordinator_UnrepairableMessageIsQuarantined(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	msg := models.Message{ID: "Broken-001", Body: []byte(`%% not json %%`)}
	live, dlq, dead := deadLetterOne(t, b, "orders", msg, models.ReasonValidationError)

	quarantine := newFakeDestination("quarantine")
	metrics := observability.NewInMemoryMetrics()
	c := NewCoordinator(live, quarantine, NewRepairer(9.99), metrics)

	outcome, err := c.Replay(ctx, dlq, dead)
	require.NoError(t, err)
	assert.Equal(t, models.Quarantined, outcome)

	require.Len(t, quarantine.SentMessages(), 1)
	q := quarantine.SentMessages()[0]
	// Original unrepaired body, tagged with provenance.
	assert.Equal(t, []byte(`%% not json %%`), q.Body)
	assert.Equal(t, "Broken-001", q.Property(models.PropOriginalMessageID))
	assert.Equal(t, models.ReasonValidationError, q.Property(models.PropDeadLetterReason))
	assert.Contains(t, q.Property(models.PropReplayError), "not valid JSON")

	assert.Equal(t, 0, b.DeadLetterDepth("orders"))
	assert.Equal(t, 0, b.Depth("orders"))
	assert.Equal(t, int64(1), metrics.GetRepairFailed())
	assert.Equal(t, int64(1), metrics.GetQuarantined())
}

func TestCoordinator_CommitFailureFallsBackToQuarantine(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	msg := models.Message{ID: "Poison-002", Body: []byte(`{"kind": "Poison"}`)}
	_, dlq, dead := deadLetterOne(t, b, "orders", msg, models.ReasonValidationError)

	live := newFakeDestination("live")
	live.FailSends = 100
	quarantine := newFakeDestination("quarantine")
	c := NewCoordinator(live, quarantine, NewRepairer(9.99), observability.NewInMemoryMetrics())

	outcome, err := c.Replay(ctx, dlq, dead)
	require.NoError(t, err)
	assert.Equal(t, models.Quarantined, outcome)

	require.Len(t, quarantine.SentMessages(), 1)
	assert.Contains(t, quarantine.SentMessages()[0].Property(models.PropReplayError), "replay commit failed")
	assert.Equal(t, 0, b.DeadLetterDepth("orders"))
}

func TestCoordinator_QuarantinePublishFailureLeavesEntryLeased(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	msg := models.Message{ID: "Broken-002", Body: []byte(`broken`)}
	live, dlq, dead := deadLetterOne(t, b, "orders", msg, models.ReasonValidationError)

	quarantine := newFakeDestination("quarantine")
	quarantine.FailSends = 100
	c := NewCoordinator(live, quarantine, NewRepairer(9.99), observability.NewInMemoryMetrics())

	_, err := c.Replay(ctx, dlq, dead)
	require.Error(t, err)
	assert.True(t, broker.IsPublishError(err))

	// The entry is left un-acknowledged: the lease expires and the
	// message becomes eligible for another pass.
	assert.Equal(t, 1, b.DeadLetterDepth("orders"))
}

func TestCoordinator_ReplayPublishIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory(broker.WithLeaseDuration(time.Hour))
	msg := models.Message{ID: "Poison-003", Body: []byte(`{"kind": "Poison"}`)}
	live, dlq, dead := deadLetterOne(t, b, "orders", msg, models.ReasonValidationError)

	// First pass publishes but loses the dead-letter lease before the
	// acknowledge lands, as after a crash mid-protocol.
	expiring := &leaseLosingDestination{Destination: dlq}
	metrics := observability.NewInMemoryMetrics()
	c := NewCoordinator(live, newFakeDestination("quarantine"), NewRepairer(9.99), metrics)

	outcome, err := c.Replay(ctx, expiring, dead)
	require.NoError(t, err)
	assert.Equal(t, models.Replayed, outcome)
	assert.Equal(t, int64(1), metrics.GetLeaseLost())
	assert.Equal(t, 1, b.Depth("orders"))

	// The redelivered entry retries the whole operation; the publish
	// deduplicates on the redrive token and only the acknowledge runs.
	outcome, err = c.Replay(ctx, dlq, dead)
	require.NoError(t, err)
	assert.Equal(t, models.Replayed, outcome)
	assert.Equal(t, 1, b.Depth("orders"), "retried replay must not duplicate the message")
	assert.Equal(t, 0, b.DeadLetterDepth("orders"))
}

func TestCoordinator_SecondDeadLetterCycleReplaysAgain(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()
	msg := models.Message{ID: "Poison-004", Body: []byte(`{"kind": "Poison"}`)}
	live, dlq, dead := deadLetterOne(t, b, "orders", msg, models.ReasonValidationError)

	c := NewCoordinator(live, newFakeDestination("quarantine"), NewRepairer(9.99), observability.NewInMemoryMetrics())

	outcome, err := c.Replay(ctx, dlq, dead)
	require.NoError(t, err)
	require.Equal(t, models.Replayed, outcome)
	require.Equal(t, 1, b.Depth("orders"))

	// The replayed copy fails downstream and is dead-lettered a second
	// time, starting a new cycle for the same message id.
	batch, err := live.ReceiveBatch(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, live.DeadLetter(ctx, batch[0], models.ReasonValidationError, "still failing"))
	require.Equal(t, 1, b.DeadLetterDepth("orders"))

	batch, err = dlq.ReceiveBatch(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	outcome, err = c.Replay(ctx, dlq, batch[0])
	require.NoError(t, err)
	assert.Equal(t, models.Replayed, outcome)
	assert.Equal(t, 1, b.Depth("orders"),
		"the second cycle's publish must not deduplicate against the first cycle's token")
	assert.Equal(t, 0, b.DeadLetterDepth("orders"))
}

// leaseLosingDestination rejects the first Complete with a stale-token
// error, simulating a lease lost between publish and acknowledge.
type leaseLosingDestination struct {
	broker.Destination
	calls int
}

func (d *leaseLosingDestination) Complete(ctx context.Context, msg models.Message) error {
	d.calls++
	if d.calls == 1 {
		return &broker.LeaseExpiredError{MessageID: msg.ID, LockToken: msg.LockToken}
	}
	return d.Destination.Complete(ctx, msg)
}
