package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-redrive/pkg/models"
)

// Memory is an in-process broker with peek-lock leasing, broker-maintained
// delivery counts, per-queue dead-letter sub-queues, and automatic
// dead-lettering once a message exhausts its delivery budget. It backs the
// test suite and the demo driver.
//
// Sends carrying a redrive token are deduplicated: a token seen once on a
// queue suppresses any later publish with the same token, which is what
// makes the replay coordinator's publish-then-acknowledge protocol
// crash-safe.
type Memory struct {
	mu            sync.Mutex
	queues        map[string]*memQueue
	leaseDuration time.Duration
	maxDeliveries int
	now           func() time.Time
}

type memQueue struct {
	entries []*memEntry
	seen    map[string]bool // redrive tokens already accepted
	dlq     *memQueue       // nil for a dead-letter sub-queue itself
}

type memEntry struct {
	msg         models.Message
	deliveries  int
	lockToken   string // "" when not leased
	leaseExpiry time.Time
}

// MemoryOption configures a Memory broker.
type MemoryOption func(*Memory)

// WithLeaseDuration sets how long a received message stays leased before
// the broker reclaims it. Default 30s.
func WithLeaseDuration(d time.Duration) MemoryOption {
	return func(b *Memory) { b.leaseDuration = d }
}

// WithMaxDeliveries sets the delivery budget after which an unsettled
// message is moved to the dead-letter sub-queue. Default 3.
func WithMaxDeliveries(n int) MemoryOption {
	return func(b *Memory) { b.maxDeliveries = n }
}

// WithClock injects a clock for lease-expiry tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(b *Memory) { b.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	b := &Memory{
		queues:        make(map[string]*memQueue),
		leaseDuration: 30 * time.Second,
		maxDeliveries: 3,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Destination returns the live destination with the given name, creating
// it (and its dead-letter sub-queue) on first use.
func (b *Memory) Destination(name string) Destination {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &memDestination{broker: b, name: name, queue: b.queue(name)}
}

// Depth reports how many messages (ready or leased) sit on the named
// queue. Test and demo helper.
func (b *Memory) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(name).entries)
}

// DeadLetterDepth reports the depth of the named queue's dead-letter
// sub-queue.
func (b *Memory) DeadLetterDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(name).dlq.entries)
}

// queue fetches or creates a queue pair. Caller holds b.mu.
func (b *Memory) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{
			seen: make(map[string]bool),
			dlq:  &memQueue{seen: make(map[string]bool)},
		}
		b.queues[name] = q
	}
	return q
}

type memDestination struct {
	broker *Memory
	name   string
	queue  *memQueue
	dlq    bool
}

func (d *memDestination) Name() string {
	if d.dlq {
		return d.name + "/$deadletter"
	}
	return d.name
}

func (d *memDestination) DeadLetterView() Destination {
	return &memDestination{broker: d.broker, name: d.name, queue: d.queue.dlq, dlq: true}
}

func (d *memDestination) Send(ctx context.Context, msg models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if tok := msg.Property(models.PropRedriveToken); tok != "" {
		if d.queue.seen[tok] {
			// Retried publish of an already-accepted message.
			return nil
		}
		d.queue.seen[tok] = true
	}

	stored := msg.Clone()
	if stored.EnqueuedAt.IsZero() {
		stored.EnqueuedAt = b.now()
	}
	d.queue.entries = append(d.queue.entries, &memEntry{msg: stored})
	return nil
}

func (d *memDestination) ReceiveBatch(ctx context.Context, maxCount int, maxWait time.Duration) ([]models.Message, error) {
	deadline := time.Now().Add(maxWait)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch := d.leaseAvailable(maxCount)
		if len(batch) > 0 || time.Now().After(deadline) {
			return batch, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (d *memDestination) leaseAvailable(maxCount int) []models.Message {
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reclaimExpired(d.queue, d.dlq)

	var batch []models.Message
	for _, e := range d.queue.entries {
		if len(batch) >= maxCount {
			break
		}
		if e.lockToken != "" {
			continue
		}
		e.deliveries++
		e.lockToken = uuid.NewString()
		e.leaseExpiry = b.now().Add(b.leaseDuration)

		msg := e.msg.Clone()
		msg.DeliveryCount = e.deliveries
		msg.LockToken = e.lockToken
		batch = append(batch, msg)
	}
	return batch
}

// reclaimExpired releases expired leases, dead-lettering entries whose
// delivery budget is spent. Caller holds b.mu. Dead-letter sub-queues have
// no further sub-queue; their exhausted entries simply become available
// again.
func (b *Memory) reclaimExpired(q *memQueue, isDLQ bool) {
	now := b.now()
	var exhausted []*memEntry
	for _, e := range q.entries {
		if e.lockToken == "" || now.Before(e.leaseExpiry) {
			continue
		}
		e.lockToken = ""
		e.leaseExpiry = time.Time{}
		if !isDLQ && e.deliveries >= b.maxDeliveries {
			exhausted = append(exhausted, e)
		}
	}
	for _, e := range exhausted {
		b.moveToDeadLetter(q, e, models.ReasonMaxDeliveryExceeded, "delivery count exhausted")
	}
}

// moveToDeadLetter transfers an entry to the queue's dead-letter sub-queue
// with a fresh delivery cycle. Caller holds b.mu.
func (b *Memory) moveToDeadLetter(q *memQueue, e *memEntry, reason, description string) {
	b.removeEntry(q, e)
	dead := e.msg.Clone()
	dead.DeadLetterReason = reason
	dead.DeadLetterDescription = description
	q.dlq.entries = append(q.dlq.entries, &memEntry{msg: dead})
}

func (b *Memory) removeEntry(q *memQueue, e *memEntry) {
	for i, cur := range q.entries {
		if cur == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// locate finds the leased entry matching the message's lock token. Caller
// holds b.mu.
func (d *memDestination) locate(msg models.Message) (*memEntry, error) {
	if msg.LockToken != "" {
		for _, e := range d.queue.entries {
			if e.lockToken == msg.LockToken && d.broker.now().Before(e.leaseExpiry) {
				return e, nil
			}
		}
	}
	return nil, &LeaseExpiredError{MessageID: msg.ID, LockToken: msg.LockToken}
}

func (d *memDestination) Complete(ctx context.Context, msg models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := d.locate(msg)
	if err != nil {
		return err
	}
	b.removeEntry(d.queue, e)
	return nil
}

func (d *memDestination) Abandon(ctx context.Context, msg models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := d.locate(msg)
	if err != nil {
		return err
	}
	e.lockToken = ""
	e.leaseExpiry = time.Time{}
	if !d.dlq && e.deliveries >= b.maxDeliveries {
		b.moveToDeadLetter(d.queue, e, models.ReasonMaxDeliveryExceeded, "delivery count exhausted")
	}
	return nil
}

func (d *memDestination) DeadLetter(ctx context.Context, msg models.Message, reason, description string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := d.locate(msg)
	if err != nil {
		return err
	}
	if d.dlq {
		// Dead-lettering from a dead-letter view has nowhere further to
		// go; treat as completion.
		b.removeEntry(d.queue, e)
		return nil
	}
	b.moveToDeadLetter(d.queue, e, reason, description)
	return nil
}
