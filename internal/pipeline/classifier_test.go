package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"go-redrive/pkg/models"
)

func TestClassifier_Classify(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name          string
		body          string
		deliveryCount int
		want          models.Disposition
		wantReason    string
	}{
		{
			name: "valid message completes",
			body: `{"kind": "Good", "amount": 19.99}`,
			want: models.Complete,
		},
		{
			name:       "missing amount dead-letters",
			body:       `{"kind": "Poison"}`,
			want:       models.DeadLetter,
			wantReason: models.ReasonValidationError,
		},
		{
			name:       "zero amount dead-letters",
			body:       `{"kind": "Good", "amount": 0}`,
			want:       models.DeadLetter,
			wantReason: models.ReasonValidationError,
		},
		{
			name:       "negative amount dead-letters",
			body:       `{"kind": "Good", "amount": -5}`,
			want:       models.DeadLetter,
			wantReason: models.ReasonValidationError,
		},
		{
			name:       "unparseable body dead-letters",
			body:       `{not json`,
			want:       models.DeadLetter,
			wantReason: models.ReasonValidationError,
		},
		{
			name:          "transient failure retries below budget",
			body:          `{"kind": "Retry", "amount": 50.00}`,
			deliveryCount: 1,
			want:          models.Retry,
		},
		{
			// The broker's max-delivery policy does the dead-lettering,
			// never the classifier.
			name:          "transient failure still retries at budget",
			body:          `{"kind": "Retry", "amount": 50.00}`,
			deliveryCount: 3,
			want:          models.Retry,
		},
		{
			name:          "transient failure still retries past budget",
			body:          `{"kind": "Retry", "amount": 50.00}`,
			deliveryCount: 7,
			want:          models.Retry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := models.Message{ID: "msg-1", Body: []byte(tt.body), DeliveryCount: tt.deliveryCount}
			dec := c.Classify(msg)
			assert.Equal(t, tt.want, dec.Disposition)
			assert.Equal(t, tt.wantReason, dec.Reason)
		})
	}
}

func TestClassifier_Deterministic(t *testing.T) {
	c := NewClassifier()
	msg := models.Message{ID: "msg-1", Body: []byte(`{"kind": "Poison"}`), DeliveryCount: 2}

	first := c.Classify(msg)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.Classify(msg))
	}
}

func TestClassifier_DoesNotMutate(t *testing.T) {
	c := NewClassifier()
	body := []byte(`{"kind": "Good", "amount": 1}`)
	msg := models.Message{ID: "msg-1", Body: body, Properties: map[string]string{"a": "b"}}

	c.Classify(msg)

	assert.Equal(t, []byte(`{"kind": "Good", "amount": 1}`), msg.Body)
	assert.Equal(t, map[string]string{"a": "b"}, msg.Properties)
}
