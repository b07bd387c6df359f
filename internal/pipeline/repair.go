package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"go-redrive/pkg/models"
)

// RepairError reports a dead-lettered payload that cannot be safely
// reconstructed. Such messages flow to quarantine rather than be guessed
// at.
type RepairError struct {
	MessageID string
	Err       error
}

func (e *RepairError) Error() string {
	return fmt.Sprintf("repair of message %s failed: %v", e.MessageID, e.Err)
}

func (e *RepairError) Unwrap() error {
	return e.Err
}

// Repaired is a successfully corrected payload plus the properties the
// repair stamped.
type Repaired struct {
	Body       []byte
	Properties map[string]string
}

// Repairer produces corrected payloads for dead-lettered messages. Repair
// is a deterministic, side-effect-free transform; running it twice over
// its own output yields identical fields except the repair timestamp,
// which is re-stamped.
type Repairer struct {
	// DefaultAmount substitutes for a missing or non-positive amount.
	DefaultAmount float64

	now func() time.Time
}

func NewRepairer(defaultAmount float64) *Repairer {
	return &Repairer{
		DefaultAmount: defaultAmount,
		now:           time.Now,
	}
}

// Repair parses the body, substitutes the documented default for the
// amount field when it is missing or invalid, and stamps the repair marker
// and a UTC repair timestamp. It fails when the body is not parseable JSON
// or lacks the kind tag, the payload's identifying field.
func (r *Repairer) Repair(msg models.Message) (Repaired, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(msg.Body, &fields); err != nil {
		return Repaired{}, &RepairError{MessageID: msg.ID, Err: fmt.Errorf("body is not valid JSON: %w", err)}
	}

	kind, ok := fields[kindField].(string)
	if !ok || kind == "" {
		return Repaired{}, &RepairError{MessageID: msg.ID, Err: fmt.Errorf("required field %q is missing", kindField)}
	}

	amount, ok := fields[amountField].(float64)
	if !ok || amount <= 0 {
		fields[amountField] = r.DefaultAmount
	}

	body, err := json.Marshal(fields)
	if err != nil {
		return Repaired{}, &RepairError{MessageID: msg.ID, Err: err}
	}

	return Repaired{
		Body: body,
		Properties: map[string]string{
			models.PropRepaired:   "true",
			models.PropRepairedAt: r.now().UTC().Format(time.RFC3339Nano),
		},
	}, nil
}
