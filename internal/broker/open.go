package broker

import (
	"context"
	"fmt"

	"go-redrive/internal/config"
)

// Open builds the live and quarantine destinations for the configured
// driver. The returned closer releases broker resources and is safe to
// call once the loops have drained.
func Open(ctx context.Context, cfg *config.Config) (live, quarantine Destination, closer func(), err error) {
	switch cfg.Broker.Driver {
	case "memory":
		b := NewMemory(
			WithMaxDeliveries(cfg.Pipeline.MaxDeliveries),
			WithLeaseDuration(cfg.Pipeline.LeaseDuration),
		)
		return b.Destination(cfg.Broker.LiveDestination), b.Destination(cfg.Broker.QuarantineDestination), func() {}, nil

	case "kafka":
		liveDest, err := OpenKafka(KafkaConfig{
			Brokers:       cfg.Broker.Brokers,
			Topic:         cfg.Broker.LiveDestination,
			GroupID:       "redrive-" + cfg.Broker.LiveDestination,
			MaxDeliveries: cfg.Pipeline.MaxDeliveries,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		quarantineDest, err := OpenKafka(KafkaConfig{
			Brokers:       cfg.Broker.Brokers,
			Topic:         cfg.Broker.QuarantineDestination,
			GroupID:       "redrive-" + cfg.Broker.QuarantineDestination,
			MaxDeliveries: cfg.Pipeline.MaxDeliveries,
		})
		if err != nil {
			liveDest.Close()
			return nil, nil, nil, err
		}
		return liveDest, quarantineDest, func() {
			liveDest.Close()
			quarantineDest.Close()
		}, nil

	case "nats":
		if len(cfg.Broker.Brokers) == 0 {
			return nil, nil, nil, fmt.Errorf("nats driver requires a broker URL")
		}
		js, err := OpenJetStream(ctx, JetStreamConfig{
			URL:           cfg.Broker.Brokers[0],
			MaxDeliveries: cfg.Pipeline.MaxDeliveries,
			LeaseDuration: cfg.Pipeline.LeaseDuration,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		liveDest, err := js.Destination(ctx, cfg.Broker.LiveDestination)
		if err != nil {
			js.Close()
			return nil, nil, nil, err
		}
		quarantineDest, err := js.Destination(ctx, cfg.Broker.QuarantineDestination)
		if err != nil {
			js.Close()
			return nil, nil, nil, err
		}
		return liveDest, quarantineDest, js.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown broker driver %q", cfg.Broker.Driver)
	}
}
