package observability

import (
	"sync/atomic"
)

// MetricsCollector provides hooks for pipeline metrics collection.
// Implemented in-memory below and with Prometheus in prometheus.go.
type MetricsCollector interface {
	IncReceived()
	IncCompleted()
	IncAbandoned()
	IncDeadLettered()
	IncRepaired()
	IncRepairFailed()
	IncReplayed()
	IncQuarantined()
	IncLeaseLost()
	IncPublishFailed()
}

// InMemoryMetrics is a simple atomic-counter implementation for tests and
// run summaries.
type InMemoryMetrics struct {
	Received      atomic.Int64
	Completed     atomic.Int64
	Abandoned     atomic.Int64
	DeadLettered  atomic.Int64
	Repaired      atomic.Int64
	RepairFailed  atomic.Int64
	Replayed      atomic.Int64
	Quarantined   atomic.Int64
	LeaseLost     atomic.Int64
	PublishFailed atomic.Int64
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{}
}

func (m *InMemoryMetrics) IncReceived()      { m.Received.Add(1) }
func (m *InMemoryMetrics) IncCompleted()     { m.Completed.Add(1) }
func (m *InMemoryMetrics) IncAbandoned()     { m.Abandoned.Add(1) }
func (m *InMemoryMetrics) IncDeadLettered()  { m.DeadLettered.Add(1) }
func (m *InMemoryMetrics) IncRepaired()      { m.Repaired.Add(1) }
func (m *InMemoryMetrics) IncRepairFailed()  { m.RepairFailed.Add(1) }
func (m *InMemoryMetrics) IncReplayed()      { m.Replayed.Add(1) }
func (m *InMemoryMetrics) IncQuarantined()   { m.Quarantined.Add(1) }
func (m *InMemoryMetrics) IncLeaseLost()     { m.LeaseLost.Add(1) }
func (m *InMemoryMetrics) IncPublishFailed() { m.PublishFailed.Add(1) }

// Multi fans each increment out to every collector. The services pair the
// in-memory summary counters with a Prometheus registry this way.
func Multi(collectors ...MetricsCollector) MetricsCollector {
	return multiMetrics(collectors)
}

type multiMetrics []MetricsCollector

func (m multiMetrics) IncReceived() {
	for _, c := range m {
		c.IncReceived()
	}
}

func (m multiMetrics) IncCompleted() {
	for _, c := range m {
		c.IncCompleted()
	}
}

func (m multiMetrics) IncAbandoned() {
	for _, c := range m {
		c.IncAbandoned()
	}
}

func (m multiMetrics) IncDeadLettered() {
	for _, c := range m {
		c.IncDeadLettered()
	}
}

func (m multiMetrics) IncRepaired() {
	for _, c := range m {
		c.IncRepaired()
	}
}

func (m multiMetrics) IncRepairFailed() {
	for _, c := range m {
		c.IncRepairFailed()
	}
}

func (m multiMetrics) IncReplayed() {
	for _, c := range m {
		c.IncReplayed()
	}
}

func (m multiMetrics) IncQuarantined() {
	for _, c := range m {
		c.IncQuarantined()
	}
}

func (m multiMetrics) IncLeaseLost() {
	for _, c := range m {
		c.IncLeaseLost()
	}
}

func (m multiMetrics) IncPublishFailed() {
	for _, c := range m {
		c.IncPublishFailed()
	}
}

func (m *InMemoryMetrics) GetReceived() int64      { return m.Received.Load() }
func (m *InMemoryMetrics) GetCompleted() int64     { return m.Completed.Load() }
func (m *InMemoryMetrics) GetAbandoned() int64     { return m.Abandoned.Load() }
func (m *InMemoryMetrics) GetDeadLettered() int64  { return m.DeadLettered.Load() }
func (m *InMemoryMetrics) GetRepaired() int64      { return m.Repaired.Load() }
func (m *InMemoryMetrics) GetRepairFailed() int64  { return m.RepairFailed.Load() }
func (m *InMemoryMetrics) GetReplayed() int64      { return m.Replayed.Load() }
func (m *InMemoryMetrics) GetQuarantined() int64   { return m.Quarantined.Load() }
func (m *InMemoryMetrics) GetLeaseLost() int64     { return m.LeaseLost.Load() }
func (m *InMemoryMetrics) GetPublishFailed() int64 { return m.PublishFailed.Load() }
