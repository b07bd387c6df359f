// Package pipeline implements the dead-letter repair, replay, and
// quarantine pipeline: classification and settlement of live messages,
// repair and atomic replay of dead-lettered ones, and the drain/processor
// loops driving both.
package pipeline

import (
	"fmt"

	"github.com/tidwall/gjson"

	"go-redrive/pkg/models"
)

// Body fields the demo classification policy inspects. The body is
// conventionally JSON of the form {"kind": "...", "amount": n}.
const (
	kindField   = "kind"
	amountField = "amount"
)

// Message kinds recognized by the demo policy.
const (
	KindGood   = "Good"
	KindPoison = "Poison"
	KindRetry  = "Retry"
)

// Decision is a classification verdict. Reason and Description are only
// set for dead-letter decisions.
type Decision struct {
	Disposition models.Disposition
	Reason      string
	Description string
}

// Classifier decides a disposition from message content and delivery
// count. Classify is pure: it never mutates or settles the message, and
// for a fixed body and delivery count it always returns the same decision.
type Classifier struct{}

func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify inspects the body without a full unmarshal. Policy:
//
//   - unparseable body, or a missing/non-positive amount → DeadLetter with
//     reason ValidationError
//   - transient-failure kind → Retry, always; once the delivery budget is
//     spent the broker's own max-delivery policy moves the message to the
//     dead-letter sub-queue. The classifier never dead-letters a retry
//     itself, so application-level and broker-level dead-lettering cannot
//     race.
//   - anything else that validates → Complete
func (c *Classifier) Classify(msg models.Message) Decision {
	if !gjson.ValidBytes(msg.Body) {
		return Decision{
			Disposition: models.DeadLetter,
			Reason:      models.ReasonValidationError,
			Description: "body is not valid JSON",
		}
	}

	if gjson.GetBytes(msg.Body, kindField).String() == KindRetry {
		return Decision{Disposition: models.Retry}
	}

	amount := gjson.GetBytes(msg.Body, amountField)
	if !amount.Exists() {
		return Decision{
			Disposition: models.DeadLetter,
			Reason:      models.ReasonValidationError,
			Description: fmt.Sprintf("required field %q is missing", amountField),
		}
	}
	if amount.Float() <= 0 {
		return Decision{
			Disposition: models.DeadLetter,
			Reason:      models.ReasonValidationError,
			Description: fmt.Sprintf("field %q must be positive, got %v", amountField, amount.Value()),
		}
	}

	return Decision{Disposition: models.Complete}
}
