package models

import "time"

// Message is the unit of work moving through the pipeline. Messages are
// owned by the broker between pipeline stages; the pipeline holds one only
// for the duration of a single lease.
type Message struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlation_id"`
	Body          []byte            `json:"body"`
	Properties    map[string]string `json:"properties"`

	// DeliveryCount is broker-maintained: incremented each time the
	// message is leased without being settled.
	DeliveryCount int `json:"delivery_count"`

	// DeadLetterReason and DeadLetterDescription are set only on messages
	// read from a dead-letter sub-queue.
	DeadLetterReason      string `json:"dead_letter_reason,omitempty"`
	DeadLetterDescription string `json:"dead_letter_description,omitempty"`

	// LockToken proves current lease ownership. It is required by every
	// settlement call and invalid after lease expiry or first settlement.
	// Passed alongside the message, never shared between workers.
	LockToken string `json:"-"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Clone returns a deep copy safe to mutate without touching the leased
// original. The lock token is not carried over: a clone is a new logical
// message, not a lease.
func (m Message) Clone() Message {
	out := m
	out.LockToken = ""
	out.Body = append([]byte(nil), m.Body...)
	out.Properties = make(map[string]string, len(m.Properties))
	for k, v := range m.Properties {
		out.Properties[k] = v
	}
	return out
}

// Property returns the named application property, or "" when absent.
func (m Message) Property(key string) string {
	if m.Properties == nil {
		return ""
	}
	return m.Properties[key]
}

// SetProperty sets an application property, allocating the map on first use.
func (m *Message) SetProperty(key, value string) {
	if m.Properties == nil {
		m.Properties = make(map[string]string)
	}
	m.Properties[key] = value
}

// Disposition is the classifier's verdict for a live-destination message.
type Disposition int

const (
	// Complete acknowledges the message; it will not be redelivered.
	Complete Disposition = iota
	// Retry releases the lease without acknowledgment; the broker
	// redelivers with an incremented delivery count.
	Retry
	// DeadLetter moves the message to the dead-letter sub-queue.
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Complete:
		return "complete"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// ReplayOutcome reports where a dead-lettered message ended up. Exactly one
// outcome occurs per dead-lettered message; it is never dropped and never
// duplicated into both destinations.
type ReplayOutcome int

const (
	// Replayed means the repaired message was published back to the live
	// destination and the dead-letter entry acknowledged.
	Replayed ReplayOutcome = iota
	// Quarantined means the original body was forwarded to the quarantine
	// destination and the dead-letter entry acknowledged.
	Quarantined
)

func (o ReplayOutcome) String() string {
	switch o {
	case Replayed:
		return "replayed"
	case Quarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// Well-known application property keys.
const (
	PropRepaired          = "isRepaired"
	PropRepairedAt        = "repairedAt"
	PropOriginalMessageID = "originalMessageId"
	PropReplayError       = "replayError"
	PropDeadLetterReason  = "deadLetterReason"

	// PropRedriveToken is the idempotency key stamped on replay and
	// quarantine publishes. Deterministic per dead-letter entry, so a
	// crash-retried publish deduplicates instead of duplicating while a
	// later dead-letter cycle of the same id gets a fresh token.
	PropRedriveToken = "redriveToken"
)

// Dead-letter reason codes used by the pipeline and the broker drivers.
const (
	ReasonValidationError     = "ValidationError"
	ReasonMaxDeliveryExceeded = "MaxDeliveryCountExceeded"
)
