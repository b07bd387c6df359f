package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"go-redrive/internal/broker"
	"go-redrive/internal/config"
	"go-redrive/internal/observability"
	"go-redrive/internal/pipeline"
)

// Live-destination drain service: classifies each received message and
// settles it (complete, abandon for retry, or dead-letter). Runs until
// interrupted, letting in-flight messages finish.
func main() {
	cfg := config.Load()
	observability.InitLogger(cfg.Logging.Level)
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	live, _, closer, err := broker.Open(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("failed to open broker")
	}
	defer closer()

	metrics := observability.NewInMemoryMetrics()
	var collector observability.MetricsCollector = metrics
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		collector = observability.Multi(metrics, observability.NewPrometheusMetrics(reg))
		observability.StartMetricsServer(ctx, cfg.Metrics.Addr, reg)
		logger.WithField("addr", cfg.Metrics.Addr).Info("metrics endpoint enabled")
	}

	loop := pipeline.NewLoop(pipeline.LoopConfig{
		Source:        live,
		MaxConcurrent: cfg.Pipeline.MaxConcurrent,
		Prefetch:      cfg.Pipeline.Prefetch,
		ReceiveWait:   cfg.Pipeline.ReceiveWait,
		Metrics:       collector,
	})

	logger.WithField("destination", live.Name()).Info("processor started")
	handler := pipeline.LiveHandler(pipeline.NewClassifier(), pipeline.NewDispatcher(collector))
	if err := loop.Run(ctx, handler); err != nil {
		logger.WithError(err).Fatal("processor loop failed")
	}

	logger.WithFields(logrus.Fields{
		"received":      metrics.GetReceived(),
		"completed":     metrics.GetCompleted(),
		"abandoned":     metrics.GetAbandoned(),
		"dead_lettered": metrics.GetDeadLettered(),
		"lease_lost":    metrics.GetLeaseLost(),
	}).Info("processor stopped")
}
