package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce      sync.Once
	claimsCounter        metric.Int64Counter
	cacheCounter         metric.Int64Counter
	syncOpsCounter       metric.Int64Counter
	syncOpDuration       metric.Float64Histogram
	rateLimitCounter     metric.Int64Counter
	assignmentsGauge     metric.Int64ObservableGauge
	activeAssignments    int64
	activeAssignmentsMu  sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times;
// only runs once. Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		claimsCounter, err = m.Int64Counter("ctoflow_claims_total", metric.WithDescription("Task claim attempts by outcome (claimed, rejected, lost_race, error)"))
		if err != nil {
			return
		}
		cacheCounter, err = m.Int64Counter("ctoflow_context_cache_total", metric.WithDescription("Epic context cache lookups by outcome (hit, miss)"))
		if err != nil {
			return
		}
		syncOpsCounter, err = m.Int64Counter("ctoflow_sync_operations_total", metric.WithDescription("Sync engine operations by kind and status"))
		if err != nil {
			return
		}
		syncOpDuration, err = m.Float64Histogram("ctoflow_sync_operation_duration_seconds", metric.WithDescription("Sync engine operation duration in seconds"))
		if err != nil {
			return
		}
		rateLimitCounter, err = m.Int64Counter("ctoflow_rate_limit_rejections_total", metric.WithDescription("Outbound tracker calls refused by the rate limiter"))
		if err != nil {
			return
		}
		assignmentsGauge, err = m.Int64ObservableGauge("ctoflow_active_assignments", metric.WithDescription("Currently active task assignments in this process"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			activeAssignmentsMu.Lock()
			n := activeAssignments
			activeAssignmentsMu.Unlock()
			o.ObserveInt64(assignmentsGauge, n)
			return nil
		}, assignmentsGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordClaim records one claim attempt and its outcome.
func RecordClaim(ctx context.Context, epicID, agentID, outcome string) {
	if claimsCounter == nil {
		return
	}
	claimsCounter.Add(ctx, 1, metric.WithAttributes(
		AttrEpic.String(epicID),
		AttrAgent.String(agentID),
		attribute.String("outcome", outcome),
	))
}

// RecordCacheLookup records an epic context cache hit or miss.
func RecordCacheLookup(ctx context.Context, hit bool) {
	if cacheCounter == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	cacheCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSyncOp records a sync engine operation and its duration.
func RecordSyncOp(ctx context.Context, op, epicID, status string, duration time.Duration) {
	if syncOpsCounter != nil {
		syncOpsCounter.Add(ctx, 1, metric.WithAttributes(
			AttrOperation.String(op),
			AttrEpic.String(epicID),
			AttrStatus.String(status),
		))
	}
	if syncOpDuration != nil {
		syncOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrOperation.String(op)))
	}
}

// RecordRateLimitRejection records one refused outbound call.
func RecordRateLimitRejection(ctx context.Context) {
	if rateLimitCounter == nil {
		return
	}
	rateLimitCounter.Add(ctx, 1)
}

// AddActiveAssignment adjusts the active assignment gauge by delta.
func AddActiveAssignment(delta int64) {
	activeAssignmentsMu.Lock()
	activeAssignments += delta
	if activeAssignments < 0 {
		activeAssignments = 0
	}
	activeAssignmentsMu.Unlock()
}
