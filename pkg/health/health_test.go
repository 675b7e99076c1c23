package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
)

func TestEvaluateOverallIsWorstOfChecks(t *testing.T) {
	m := New(10)
	result := m.Evaluate(Snapshot{
		AgentID:          "a1",
		State:            contracts.AgentRunning,
		TokenUsageRatio:  0.5,
		MemoryUsageRatio: 0.5,
		CostBudgetRatio:  0.99, // critical
		IdleSeconds:      0,
		ErrorsLastHour:   0,
		RequestsLastHour: 10,
	})
	assert.Equal(t, Critical, result.Overall)
}

func TestEvaluateAllHealthy(t *testing.T) {
	m := New(10)
	result := m.Evaluate(Snapshot{
		AgentID:          "a1",
		State:            contracts.AgentReady,
		TokenUsageRatio:  0.1,
		MemoryUsageRatio: 0.1,
		CostBudgetRatio:  0.1,
		IdleSeconds:      1,
		ErrorsLastHour:   0,
		RequestsLastHour: 10,
	})
	assert.Equal(t, Healthy, result.Overall)
	assert.Len(t, result.Checks, 6)
}

func TestErrorAndTerminatedStatesAreCritical(t *testing.T) {
	m := New(10)

	r := m.Evaluate(Snapshot{AgentID: "a1", State: contracts.AgentError})
	assert.Equal(t, Critical, r.Overall)

	r = m.Evaluate(Snapshot{AgentID: "a2", State: contracts.AgentTerminated})
	assert.Equal(t, Critical, r.Overall)
}

func TestPausedStateIsDegraded(t *testing.T) {
	m := New(10)
	r := m.Evaluate(Snapshot{AgentID: "a1", State: contracts.AgentPaused})
	assert.Equal(t, Degraded, r.Overall)
}

func TestStatusChangeSinkFiresOnlyOnTransition(t *testing.T) {
	m := New(10)
	var events []string
	m.OnStatusChange(func(agentID string, from, to Status) {
		events = append(events, from.String()+"->"+to.String())
	})

	snap := Snapshot{AgentID: "a1", State: contracts.AgentReady, TokenUsageRatio: 0.1}
	m.Evaluate(snap) // first evaluation establishes baseline, no transition event
	m.Evaluate(snap) // same status again, no event
	assert.Empty(t, events)

	degraded := Snapshot{AgentID: "a1", State: contracts.AgentPaused}
	m.Evaluate(degraded)
	assert.Equal(t, []string{"healthy->degraded"}, events)

	m.Evaluate(degraded) // repeat same status, no additional event
	assert.Equal(t, []string{"healthy->degraded"}, events)
}

func TestIdleTimeUsesAbsoluteSeconds(t *testing.T) {
	m := New(10)

	idleStatus := func(seconds float64) Status {
		r := m.Evaluate(Snapshot{AgentID: "a1", State: contracts.AgentReady, IdleSeconds: seconds})
		for _, c := range r.Checks {
			if c.Name == CheckIdleTime {
				return c.Status
			}
		}
		t.Fatalf("no idle_time check in result")
		return Healthy
	}

	assert.Equal(t, Healthy, idleStatus(50))
	assert.Equal(t, Degraded, idleStatus(300))
	assert.Equal(t, Critical, idleStatus(3600))
}

func TestErrorRateRatioGuardsZeroRequests(t *testing.T) {
	m := New(10)
	r := m.Evaluate(Snapshot{AgentID: "a1", State: contracts.AgentReady, RequestsLastHour: 0, ErrorsLastHour: 0})
	for _, c := range r.Checks {
		if c.Name == CheckErrorRate {
			assert.Zero(t, c.Ratio)
			assert.Equal(t, Healthy, c.Status)
		}
	}
}

func TestAnomalyDetectionRequiresMinimumHistory(t *testing.T) {
	m := New(20)
	var anomalies []AnomalyEvent
	m.OnAnomaly(func(e AnomalyEvent) { anomalies = append(anomalies, e) })

	// 9 steady readings: below the minimum history, no anomaly possible yet.
	for i := 0; i < 9; i++ {
		m.Evaluate(Snapshot{AgentID: "a1", State: contracts.AgentReady, TokenUsageRatio: 0.5})
	}
	assert.Empty(t, anomalies)

	// 10th steady reading completes the minimum window; still no deviation.
	m.Evaluate(Snapshot{AgentID: "a1", State: contracts.AgentReady, TokenUsageRatio: 0.5})
	assert.Empty(t, anomalies)

	// A wild spike relative to the steady history should now fire.
	m.Evaluate(Snapshot{AgentID: "a1", State: contracts.AgentReady, TokenUsageRatio: 5.0})
	if assert.Len(t, anomalies, 1) {
		assert.Equal(t, AnomalySpike, anomalies[0].Kind)
		assert.Equal(t, "a1", anomalies[0].AgentID)
	}
}

func TestAnomalyDetectionDetectsDrop(t *testing.T) {
	m := New(20)
	var anomalies []AnomalyEvent
	m.OnAnomaly(func(e AnomalyEvent) { anomalies = append(anomalies, e) })

	for i := 0; i < 10; i++ {
		m.Evaluate(Snapshot{AgentID: "a1", State: contracts.AgentReady, TokenUsageRatio: 0.8})
	}
	m.Evaluate(Snapshot{AgentID: "a1", State: contracts.AgentReady, TokenUsageRatio: 0.0})
	if assert.Len(t, anomalies, 1) {
		assert.Equal(t, AnomalyDrop, anomalies[0].Kind)
	}
}

func TestHistoryWindowIsCapped(t *testing.T) {
	m := New(10)
	for i := 0; i < 25; i++ {
		m.Evaluate(Snapshot{AgentID: "a1", State: contracts.AgentReady, TokenUsageRatio: 0.3})
	}
	assert.Len(t, m.history["a1"], 10)
}

func TestWithClockStampsResultTime(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := New(10).WithClock(func() time.Time { return fixed })
	r := m.Evaluate(Snapshot{AgentID: "a1", State: contracts.AgentReady})
	assert.Equal(t, fixed, r.At)
}

func TestSetThresholdOverridesClassification(t *testing.T) {
	m := New(10)
	m.SetThreshold(CheckCostBudget, Thresholds{Warning: 0.1, Critical: 0.2})
	r := m.Evaluate(Snapshot{AgentID: "a1", State: contracts.AgentReady, CostBudgetRatio: 0.15})
	for _, c := range r.Checks {
		if c.Name == CheckCostBudget {
			assert.Equal(t, Degraded, c.Status)
		}
	}
}
