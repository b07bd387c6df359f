package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"go-redrive/internal/broker"
	"go-redrive/internal/config"
	"go-redrive/internal/observability"
	"go-redrive/pkg/models"
)

// Seeds the live destination with the three demo kinds: a valid order, a
// malformed one headed for the dead-letter sub-queue, and a
// transient-failure one that exhausts its delivery budget.
func main() {
	kind := flag.String("kind", "all", "message kind to send: Good|Poison|Retry|all")
	count := flag.Int("count", 1, "messages per kind")
	flag.Parse()

	cfg := config.Load()
	observability.InitLogger(cfg.Logging.Level)
	logger := observability.GetLogger()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	live, _, closer, err := broker.Open(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("failed to open broker")
	}
	defer closer()

	kinds := []string{"Good", "Poison", "Retry"}
	if *kind != "all" {
		kinds = []string{*kind}
	}

	for _, k := range kinds {
		for i := 1; i <= *count; i++ {
			msg, err := demoMessage(k, i)
			if err != nil {
				logger.WithError(err).Fatal("failed to build message")
			}
			if err := live.Send(ctx, msg); err != nil {
				logger.WithError(err).WithField("message_id", msg.ID).Error("send failed")
				os.Exit(1)
			}
			logger.WithFields(logrus.Fields{
				"message_id":  msg.ID,
				"kind":        k,
				"destination": live.Name(),
			}).Info("message sent")
		}
	}
}

func demoMessage(kind string, n int) (models.Message, error) {
	payload := map[string]interface{}{
		"kind":      kind,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	switch kind {
	case "Good":
		payload["amount"] = 19.99
	case "Poison":
		// no amount field: fails validation on the live side
	case "Retry":
		payload["amount"] = 50.00
	default:
		return models.Message{}, fmt.Errorf("unknown kind %q", kind)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return models.Message{}, err
	}
	return models.Message{
		ID:            fmt.Sprintf("%s-%03d", kind, n),
		CorrelationID: uuid.NewString(),
		Body:          body,
	}, nil
}
