package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go-redrive/internal/broker"
	"go-redrive/pkg/models"
)

// fakeDestination records settlement calls and lets tests inject publish
// failures or override Send entirely.
type fakeDestination struct {
	mu           sync.Mutex
	name         string
	Sent         []models.Message
	Completed    []models.Message
	Abandoned    []models.Message
	DeadLettered []deadLetterCall

	SendFunc       func(ctx context.Context, msg models.Message) error
	FailSends      int
	sendFailures   int
	LeaseExpiredOn map[string]bool // message IDs whose settlements fail
}

type deadLetterCall struct {
	Msg         models.Message
	Reason      string
	Description string
}

func newFakeDestination(name string) *fakeDestination {
	return &fakeDestination{name: name, LeaseExpiredOn: make(map[string]bool)}
}

func (f *fakeDestination) Name() string { return f.name }

func (f *fakeDestination) Send(ctx context.Context, msg models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendFunc != nil {
		return f.SendFunc(ctx, msg)
	}
	if f.FailSends > 0 {
		f.sendFailures++
		if f.sendFailures <= f.FailSends {
			return &broker.PublishError{Destination: f.name, Err: fmt.Errorf("simulated publish failure %d", f.sendFailures)}
		}
	}
	f.Sent = append(f.Sent, msg)
	return nil
}

func (f *fakeDestination) ReceiveBatch(ctx context.Context, maxCount int, maxWait time.Duration) ([]models.Message, error) {
	return nil, nil
}

func (f *fakeDestination) settle(msg models.Message) error {
	if f.LeaseExpiredOn[msg.ID] {
		return &broker.LeaseExpiredError{MessageID: msg.ID, LockToken: msg.LockToken}
	}
	return nil
}

func (f *fakeDestination) Complete(ctx context.Context, msg models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.settle(msg); err != nil {
		return err
	}
	f.Completed = append(f.Completed, msg)
	return nil
}

func (f *fakeDestination) Abandon(ctx context.Context, msg models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.settle(msg); err != nil {
		return err
	}
	f.Abandoned = append(f.Abandoned, msg)
	return nil
}

func (f *fakeDestination) DeadLetter(ctx context.Context, msg models.Message, reason, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.settle(msg); err != nil {
		return err
	}
	f.DeadLettered = append(f.DeadLettered, deadLetterCall{Msg: msg, Reason: reason, Description: description})
	return nil
}

func (f *fakeDestination) SentMessages() []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Message, len(f.Sent))
	copy(out, f.Sent)
	return out
}
