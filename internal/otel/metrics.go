package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce  sync.Once
	claimsCounter    metric.Int64Counter
	conflictsCounter metric.Int64Counter
	reopensCounter   metric.Int64Counter
	respawnsCounter  metric.Int64Counter
	verdictsCounter  metric.Int64Counter
	sweepDuration    metric.Float64Histogram
	liveAgentsGauge  metric.Int64ObservableGauge
	liveAgents       int64
	liveAgentsMu     sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times;
// only runs once. Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		claimsCounter, err = m.Int64Counter("swarm_task_claims_total", metric.WithDescription("Total task claim attempts by outcome"))
		if err != nil {
			return
		}
		conflictsCounter, err = m.Int64Counter("swarm_checksum_conflicts_total", metric.WithDescription("Total optimistic-concurrency conflicts on index updates"))
		if err != nil {
			return
		}
		reopensCounter, err = m.Int64Counter("swarm_task_reopens_total", metric.WithDescription("Tasks returned to the pool after their assignee died"))
		if err != nil {
			return
		}
		respawnsCounter, err = m.Int64Counter("swarm_agent_respawns_total", metric.WithDescription("Workers relaunched by the watchdog"))
		if err != nil {
			return
		}
		verdictsCounter, err = m.Int64Counter("swarm_round_verdicts_total", metric.WithDescription("Workspace round verdicts by outcome"))
		if err != nil {
			return
		}
		sweepDuration, err = m.Float64Histogram("swarm_watchdog_sweep_duration_seconds", metric.WithDescription("Duration of one watchdog liveness sweep"))
		if err != nil {
			return
		}
		liveAgentsGauge, err = m.Int64ObservableGauge("swarm_live_agents", metric.WithDescription("Agents currently RUNNING or IDLE per the registry"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			liveAgentsMu.Lock()
			n := liveAgents
			liveAgentsMu.Unlock()
			o.ObserveInt64(liveAgentsGauge, n)
			return nil
		}, liveAgentsGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordClaim records a claim attempt and its outcome (won, conflict, lost).
func RecordClaim(ctx context.Context, agent, outcome string) {
	if claimsCounter == nil {
		return
	}
	claimsCounter.Add(ctx, 1, metric.WithAttributes(AttrAgent.String(agent), AttrStatus.String(outcome)))
}

// RecordConflict records a checksum conflict on an index update.
func RecordConflict(ctx context.Context, agent string) {
	if conflictsCounter == nil {
		return
	}
	conflictsCounter.Add(ctx, 1, metric.WithAttributes(AttrAgent.String(agent)))
}

// RecordReopen records a task reopened after its assignee died.
func RecordReopen(ctx context.Context, agent string) {
	if reopensCounter == nil {
		return
	}
	reopensCounter.Add(ctx, 1, metric.WithAttributes(AttrAgent.String(agent)))
}

// RecordRespawn records a worker relaunch.
func RecordRespawn(ctx context.Context, role string) {
	if respawnsCounter == nil {
		return
	}
	respawnsCounter.Add(ctx, 1, metric.WithAttributes(AttrRole.String(role)))
}

// RecordVerdict records a workspace round verdict (PASS or FAIL).
func RecordVerdict(ctx context.Context, verdict string) {
	if verdictsCounter == nil {
		return
	}
	verdictsCounter.Add(ctx, 1, metric.WithAttributes(AttrVerdict.String(verdict)))
}

// RecordSweep records the duration of one watchdog sweep in seconds.
func RecordSweep(ctx context.Context, seconds float64) {
	if sweepDuration == nil {
		return
	}
	sweepDuration.Record(ctx, seconds)
}

// SetLiveAgents updates the live-agent gauge source.
func SetLiveAgents(n int) {
	liveAgentsMu.Lock()
	liveAgents = int64(n)
	liveAgentsMu.Unlock()
}
