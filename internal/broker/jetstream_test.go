package broker

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-redrive/pkg/models"
)

// fakeJetStreamMsg implements jetstream.Msg without a server, recording
// which settlement call landed.
type fakeJetStreamMsg struct {
	data    []byte
	headers nats.Header
	meta    jetstream.MsgMetadata

	acked  int
	nakked int
	termed int
}

func (m *fakeJetStreamMsg) Metadata() (*jetstream.MsgMetadata, error) { return &m.meta, nil }
func (m *fakeJetStreamMsg) Data() []byte                              { return m.data }
func (m *fakeJetStreamMsg) Headers() nats.Header                      { return m.headers }
func (m *fakeJetStreamMsg) Subject() string                           { return "orders.msg" }
func (m *fakeJetStreamMsg) Reply() string                             { return "" }
func (m *fakeJetStreamMsg) Ack() error                                { m.acked++; return nil }
func (m *fakeJetStreamMsg) DoubleAck(context.Context) error           { m.acked++; return nil }
func (m *fakeJetStreamMsg) Nak() error                                { m.nakked++; return nil }
func (m *fakeJetStreamMsg) NakWithDelay(time.Duration) error          { m.nakked++; return nil }
func (m *fakeJetStreamMsg) InProgress() error                         { return nil }
func (m *fakeJetStreamMsg) Term() error                               { m.termed++; return nil }
func (m *fakeJetStreamMsg) TermWithReason(string) error               { m.termed++; return nil }

func newJSTestDestination(dlq bool) *jsDestination {
	return &jsDestination{
		broker:  &JetStream{cfg: JetStreamConfig{MaxDeliveries: 3}},
		name:    "orders",
		subject: "orders.msg",
		dlq:     dlq,
		leases:  make(map[string]jetstream.Msg),
	}
}

func TestJSDestination_LeaseMapsHeadersAndMetadata(t *testing.T) {
	enqueued := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	m := &fakeJetStreamMsg{
		data: []byte(`{"kind": "Good"}`),
		headers: nats.Header{
			hdrMessageID:       []string{"Good-001"},
			hdrCorrelationID:   []string{"corr-1"},
			hdrDeadLetterWhy:   []string{models.ReasonValidationError},
			hdrDeadLetterDescr: []string{"bad payload"},
			"tenant":           []string{"acme"},
		},
		meta: jetstream.MsgMetadata{NumDelivered: 2, Timestamp: enqueued},
	}

	d := newJSTestDestination(false)
	msg := d.lease(m)

	assert.Equal(t, "Good-001", msg.ID)
	assert.Equal(t, "corr-1", msg.CorrelationID)
	assert.Equal(t, models.ReasonValidationError, msg.DeadLetterReason)
	assert.Equal(t, "bad payload", msg.DeadLetterDescription)
	assert.Equal(t, "acme", msg.Property("tenant"))
	assert.Equal(t, []byte(`{"kind": "Good"}`), msg.Body)
	assert.Equal(t, 2, msg.DeliveryCount, "delivery count comes from NumDelivered")
	assert.Equal(t, enqueued, msg.EnqueuedAt)
	assert.NotEmpty(t, msg.LockToken)
}

func TestJSDestination_SettlementTokensAreOneShot(t *testing.T) {
	ctx := context.Background()
	m := &fakeJetStreamMsg{headers: nats.Header{hdrMessageID: []string{"Good-002"}}}

	d := newJSTestDestination(false)
	msg := d.lease(m)

	require.NoError(t, d.Complete(ctx, msg))
	assert.Equal(t, 1, m.acked)

	err := d.Complete(ctx, msg)
	require.Error(t, err)
	assert.True(t, IsLeaseExpired(err), "a settled token must not settle twice")
	assert.Equal(t, 1, m.acked)
}

func TestJSDestination_AbandonNaksUnderBudget(t *testing.T) {
	ctx := context.Background()
	m := &fakeJetStreamMsg{
		headers: nats.Header{hdrMessageID: []string{"Retry-001"}},
		meta:    jetstream.MsgMetadata{NumDelivered: 1},
	}

	d := newJSTestDestination(false)
	msg := d.lease(m)

	require.NoError(t, d.Abandon(ctx, msg))
	assert.Equal(t, 1, m.nakked)
	assert.Zero(t, m.acked)
	assert.Zero(t, m.termed)
}

func TestJSDestination_DeadLetterOnDLQViewTerminates(t *testing.T) {
	ctx := context.Background()
	m := &fakeJetStreamMsg{headers: nats.Header{hdrMessageID: []string{"Poison-001"}}}

	// A dead-letter view has nowhere further to publish; the delivery is
	// simply terminated.
	d := newJSTestDestination(true)
	msg := d.lease(m)

	require.NoError(t, d.DeadLetter(ctx, msg, models.ReasonValidationError, "still broken"))
	assert.Equal(t, 1, m.termed)
	assert.Zero(t, m.nakked)
}

func TestJetStream_RoundTrip(t *testing.T) {
	t.Skip("Requires a running NATS server")

	ctx := context.Background()
	js, err := OpenJetStream(ctx, JetStreamConfig{URL: nats.DefaultURL})
	require.NoError(t, err)
	defer js.Close()

	dest, err := js.Destination(ctx, "orders-test")
	require.NoError(t, err)

	require.NoError(t, dest.Send(ctx, models.Message{ID: "rt-1", Body: []byte(`{"kind": "Good", "amount": 1}`)}))
	batch, err := dest.ReceiveBatch(ctx, 1, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "rt-1", batch[0].ID)
	require.NoError(t, dest.Complete(ctx, batch[0]))
}
