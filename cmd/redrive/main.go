package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"go-redrive/internal/broker"
	"go-redrive/internal/config"
	"go-redrive/internal/observability"
	"go-redrive/internal/pipeline"
)

// Dead-letter repair service: drains the live destination's dead-letter
// sub-queue, repairing and replaying each entry back to the live stream or
// forwarding it to quarantine. By default it runs one drain pass and
// exits; --follow keeps it running until interrupted.
func main() {
	follow := flag.Bool("follow", false, "keep draining instead of a single pass")
	flag.Parse()

	cfg := config.Load()
	observability.InitLogger(cfg.Logging.Level)
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	live, quarantine, closer, err := broker.Open(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("failed to open broker")
	}
	defer closer()

	dlSource, ok := live.(broker.DeadLetterSource)
	if !ok {
		logger.Fatalf("destination %s has no dead-letter sub-queue", live.Name())
	}
	dlq := dlSource.DeadLetterView()

	metrics := observability.NewInMemoryMetrics()
	var collector observability.MetricsCollector = metrics
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		collector = observability.Multi(metrics, observability.NewPrometheusMetrics(reg))
		observability.StartMetricsServer(ctx, cfg.Metrics.Addr, reg)
		logger.WithField("addr", cfg.Metrics.Addr).Info("metrics endpoint enabled")
	}

	coordinator := pipeline.NewCoordinator(live, quarantine, pipeline.NewRepairer(cfg.Pipeline.DefaultAmount), collector)
	loop := pipeline.NewLoop(pipeline.LoopConfig{
		Source:        dlq,
		MaxConcurrent: cfg.Pipeline.MaxConcurrent,
		Prefetch:      cfg.Pipeline.Prefetch,
		ReceiveWait:   cfg.Pipeline.ReceiveWait,
		Metrics:       collector,
	})
	handler := pipeline.RedriveHandler(coordinator)

	logger.WithField("source", dlq.Name()).Info("redrive started")
	if *follow {
		err = loop.Run(ctx, handler)
	} else {
		var processed int
		processed, err = loop.Drain(ctx, handler)
		logger.WithField("processed", processed).Info("drain pass finished")
	}
	if err != nil {
		logger.WithError(err).Fatal("redrive loop failed")
	}

	logger.WithFields(logrus.Fields{
		"received":      metrics.GetReceived(),
		"repaired":      metrics.GetRepaired(),
		"repair_failed": metrics.GetRepairFailed(),
		"replayed":      metrics.GetReplayed(),
		"quarantined":   metrics.GetQuarantined(),
		"lease_lost":    metrics.GetLeaseLost(),
	}).Info("redrive stopped")
}
