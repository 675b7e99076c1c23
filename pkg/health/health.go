// Package health implements the Health Monitor: periodic per-agent
// health checks combining state, resource-usage ratios, idle time, and
// error rate into a worst-of overall status, plus rolling mean ± 2σ
// anomaly detection over token-usage readings.
package health

import (
	"math"
	"sync"
	"time"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
)

// Status is the overall or per-check health severity, ordered from best
// to worst: Healthy < Degraded < Unhealthy < Critical.
type Status int

const (
	Healthy Status = iota
	Degraded
	Unhealthy
	Critical
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// CheckName identifies one of the fixed checks a HealthCheckResult combines.
type CheckName string

const (
	CheckState       CheckName = "state"
	CheckTokenUsage  CheckName = "token_usage"
	CheckMemoryUsage CheckName = "memory_usage"
	CheckCostBudget  CheckName = "cost_budget"
	CheckIdleTime    CheckName = "idle_time"
	CheckErrorRate   CheckName = "error_rate"
)

// CheckResult is a single named check's outcome.
type CheckResult struct {
	Name   CheckName
	Status Status
	Ratio  float64
	Detail string
}

// HealthCheckResult combines every check for one agent at one point in time.
type HealthCheckResult struct {
	AgentID string
	Overall Status
	Checks  []CheckResult
	At      time.Time
}

// Thresholds configures the warning/critical cutoffs for a ratio-based
// check (ratio is consumed/limit, so 1.0 means fully consumed).
type Thresholds struct {
	Warning  float64
	Critical float64
}

// defaultThresholds holds the stock warning/critical levels for each
// ratio check.
var defaultThresholds = map[CheckName]Thresholds{
	CheckTokenUsage:  {Warning: 0.7, Critical: 0.9},
	CheckMemoryUsage: {Warning: 0.7, Critical: 0.9},
	CheckCostBudget:  {Warning: 0.8, Critical: 0.95},
	CheckIdleTime:    {Warning: 300, Critical: 3600}, // absolute seconds, not a ratio
	CheckErrorRate:   {Warning: 0.1, Critical: 0.3},
}

func (t Thresholds) classify(ratio float64) Status {
	switch {
	case ratio >= t.Critical:
		return Critical
	case ratio >= t.Warning:
		return Degraded
	default:
		return Healthy
	}
}

// AnomalyKind is the direction of a detected token-usage anomaly.
type AnomalyKind string

const (
	AnomalySpike AnomalyKind = "spike"
	AnomalyDrop  AnomalyKind = "drop"
)

// AnomalyEvent is emitted when a token-usage reading deviates more than
// 2 standard deviations from the rolling mean of its history.
type AnomalyEvent struct {
	AgentID string
	Kind    AnomalyKind
	Current float64
	Mean    float64
	StdDev  float64
	At      time.Time
}

// Snapshot is the agent-observed input to a health evaluation.
type Snapshot struct {
	AgentID          string
	State            contracts.AgentState
	TokenUsageRatio  float64
	MemoryUsageRatio float64
	CostBudgetRatio  float64
	IdleSeconds      float64
	ErrorsLastHour   int
	RequestsLastHour int
}

// StatusChangeSink is invoked only on overall-status transitions, never
// on repeated evaluations that land on the same status.
type StatusChangeSink func(agentID string, from, to Status)

// AnomalySink is invoked whenever a token-usage anomaly is detected.
type AnomalySink func(AnomalyEvent)

const minHistoryForAnomalyDetection = 10

// Monitor evaluates per-agent health on each Evaluate call and tracks
// rolling token-usage history for anomaly detection.
type Monitor struct {
	mu            sync.Mutex
	thresholds    map[CheckName]Thresholds
	history       map[string][]float64
	historyWindow int
	lastStatus    map[string]Status
	onStatusChange StatusChangeSink
	onAnomaly      AnomalySink
	now            func() time.Time
}

// New returns a Monitor with the documented default thresholds and a
// rolling history window of historyWindow readings (minimum 10).
func New(historyWindow int) *Monitor {
	if historyWindow < minHistoryForAnomalyDetection {
		historyWindow = minHistoryForAnomalyDetection
	}
	thresholds := make(map[CheckName]Thresholds, len(defaultThresholds))
	for k, v := range defaultThresholds {
		thresholds[k] = v
	}
	return &Monitor{
		thresholds:    thresholds,
		history:       make(map[string][]float64),
		historyWindow: historyWindow,
		lastStatus:    make(map[string]Status),
		now:           time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (m *Monitor) WithClock(f func() time.Time) *Monitor {
	m.now = f
	return m
}

// OnStatusChange registers the sink invoked on overall-status transitions.
func (m *Monitor) OnStatusChange(sink StatusChangeSink) { m.onStatusChange = sink }

// OnAnomaly registers the sink invoked when a token-usage anomaly fires.
func (m *Monitor) OnAnomaly(sink AnomalySink) { m.onAnomaly = sink }

// SetThreshold overrides the warning/critical cutoffs for a check.
func (m *Monitor) SetThreshold(name CheckName, t Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds[name] = t
}

// Evaluate runs every check against snap, updates rolling history, fires
// the anomaly sink on deviation, fires the status-change sink on
// transition, and returns the combined result.
func (m *Monitor) Evaluate(snap Snapshot) HealthCheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()

	checks := []CheckResult{
		m.checkState(snap.State),
		m.checkRatio(CheckTokenUsage, snap.TokenUsageRatio),
		m.checkRatio(CheckMemoryUsage, snap.MemoryUsageRatio),
		m.checkRatio(CheckCostBudget, snap.CostBudgetRatio),
		m.checkIdleTime(snap.IdleSeconds),
		m.checkErrorRate(snap.ErrorsLastHour, snap.RequestsLastHour),
	}

	overall := Healthy
	for _, c := range checks {
		if c.Status > overall {
			overall = c.Status
		}
	}

	m.recordTokenUsageAndDetectAnomaly(snap.AgentID, snap.TokenUsageRatio, now)

	if prev, ok := m.lastStatus[snap.AgentID]; !ok {
		m.lastStatus[snap.AgentID] = overall
	} else if prev != overall {
		m.lastStatus[snap.AgentID] = overall
		if m.onStatusChange != nil {
			m.onStatusChange(snap.AgentID, prev, overall)
		}
	}

	return HealthCheckResult{AgentID: snap.AgentID, Overall: overall, Checks: checks, At: now}
}

func (m *Monitor) checkState(state contracts.AgentState) CheckResult {
	var status Status
	switch state {
	case contracts.AgentError:
		status = Critical
	case contracts.AgentTerminated:
		status = Critical
	case contracts.AgentPaused:
		status = Degraded
	default:
		status = Healthy
	}
	return CheckResult{Name: CheckState, Status: status, Detail: string(state)}
}

func (m *Monitor) checkRatio(name CheckName, ratio float64) CheckResult {
	t := m.thresholds[name]
	return CheckResult{Name: name, Status: t.classify(ratio), Ratio: ratio}
}

// checkIdleTime classifies absolute idle seconds against the idle
// thresholds; Ratio carries the seconds value for observability.
func (m *Monitor) checkIdleTime(idleSeconds float64) CheckResult {
	t := m.thresholds[CheckIdleTime]
	return CheckResult{Name: CheckIdleTime, Status: t.classify(idleSeconds), Ratio: idleSeconds}
}

func (m *Monitor) checkErrorRate(errors, requests int) CheckResult {
	ratio := 0.0
	if requests > 0 {
		ratio = float64(errors) / float64(requests)
	}
	t := m.thresholds[CheckErrorRate]
	return CheckResult{Name: CheckErrorRate, Status: t.classify(ratio), Ratio: ratio}
}

// recordTokenUsageAndDetectAnomaly appends reading to the agent's rolling
// history (capped at historyWindow) and, once at least 10 prior readings
// exist, compares it against their mean ± 2 standard deviations.
func (m *Monitor) recordTokenUsageAndDetectAnomaly(agentID string, reading float64, at time.Time) {
	prior := m.history[agentID]

	if len(prior) >= minHistoryForAnomalyDetection {
		mean, stddev := meanStdDev(prior)
		deviation := reading - mean
		if math.Abs(deviation) > 2*stddev && m.onAnomaly != nil {
			kind := AnomalySpike
			if deviation < 0 {
				kind = AnomalyDrop
			}
			m.onAnomaly(AnomalyEvent{
				AgentID: agentID, Kind: kind, Current: reading, Mean: mean, StdDev: stddev, At: at,
			})
		}
	}

	updated := append(prior, reading)
	if len(updated) > m.historyWindow {
		updated = updated[len(updated)-m.historyWindow:]
	}
	m.history[agentID] = updated
}

func meanStdDev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
