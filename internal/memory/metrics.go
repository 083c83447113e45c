package memory

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/tellemthatsme/ai-empire-monitoring-suite/internal/memory")

var (
	writesTotal    metric.Int64Counter
	readsTotal     metric.Int64Counter
	conflictsTotal metric.Int64Counter
)

func init() {
	var err error
	writesTotal, err = meter.Int64Counter("memory.writes.total",
		metric.WithDescription("Total memory write operations"))
	if err != nil {
		writesTotal, _ = meter.Int64Counter("memory.writes.total.fallback")
	}

	readsTotal, err = meter.Int64Counter("memory.reads.total",
		metric.WithDescription("Total memory read operations"))
	if err != nil {
		readsTotal, _ = meter.Int64Counter("memory.reads.total.fallback")
	}

	conflictsTotal, err = meter.Int64Counter("memory.conflicts.total",
		metric.WithDescription("Optimistic-version conflicts detected"))
	if err != nil {
		conflictsTotal, _ = meter.Int64Counter("memory.conflicts.total.fallback")
	}
}
