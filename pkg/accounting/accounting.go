// Package accounting implements Rate/Cost Accounting: the 60-second
// sliding usage window, its pre-call rate gates, and per-model cost
// estimation. It operates on the caller-owned contracts.UsageWindow
// rather than holding its own storage, so the Dispatcher can mutate it
// under the per-agent lock described in the concurrency model.
package accounting

import (
	"time"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
	"github.com/Mindburn-Labs/agentgate/pkg/gatewayerr"
)

// ModelRate is the per-1000-token cost for a single model.
type ModelRate struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Accountant evaluates and mutates usage windows. It is stateless beyond
// its configured window size and cost table, and is safe for concurrent
// use as long as callers serialize mutation of a given UsageWindow
// themselves (the Dispatcher's per-agent lock).
type Accountant struct {
	windowMs int64
	rates    map[string]ModelRate
	now      func() time.Time
}

// New returns an Accountant with a sliding window of windowSeconds and
// the given per-model cost rate table.
func New(windowSeconds int, rates map[string]ModelRate) *Accountant {
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	return &Accountant{
		windowMs: int64(windowSeconds) * 1000,
		rates:    rates,
		now:      time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (a *Accountant) WithClock(f func() time.Time) *Accountant {
	a.now = f
	return a
}

func (a *Accountant) nowMs() int64 {
	return a.now().UnixMilli()
}

// MaybeReset zeroes the window's counters once the window is older than
// windowMs. Returns true if a reset occurred.
func (a *Accountant) MaybeReset(usage *contracts.UsageWindow) bool {
	now := a.nowMs()
	if usage.WindowStart == 0 || now-usage.WindowStart >= a.windowMs {
		usage.WindowStart = now
		usage.RequestsThisMinute = 0
		usage.ToolCallsThisMinute = 0
		usage.TokensThisMinute = 0
		return true
	}
	return false
}

// CheckAndReserveRequest resets the window if expired, rejects if the
// request-rate or cost-budget limits are already met, and — only if both
// pass — increments the request counter (and the tool-call counter, if
// isToolCall) before the caller begins any I/O. This "increment before
// I/O" ordering is what prevents concurrent tasks on the same agent from
// all observing spare capacity.
func (a *Accountant) CheckAndReserveRequest(usage *contracts.UsageWindow, limits contracts.AgentLimits, cumulativeCost float64, isToolCall bool) error {
	a.MaybeReset(usage)

	if limits.RequestsPerMinute > 0 && usage.RequestsThisMinute >= limits.RequestsPerMinute {
		return gatewayerr.RateLimited("request rate limit exceeded: %d/%d per minute", usage.RequestsThisMinute, limits.RequestsPerMinute)
	}
	if isToolCall && limits.ToolCallsPerMinute > 0 && usage.ToolCallsThisMinute >= limits.ToolCallsPerMinute {
		return gatewayerr.RateLimited("tool-call rate limit exceeded: %d/%d per minute", usage.ToolCallsThisMinute, limits.ToolCallsPerMinute)
	}
	if limits.CostBudgetUSD > 0 && cumulativeCost >= limits.CostBudgetUSD {
		return gatewayerr.BudgetExceeded("cost budget exceeded: $%.4f/$%.4f", cumulativeCost, limits.CostBudgetUSD)
	}

	usage.RequestsThisMinute++
	if isToolCall {
		usage.ToolCallsThisMinute++
	}
	return nil
}

// RollbackRequest reverses the increments CheckAndReserveRequest made,
// for when the I/O that followed the reservation failed outright.
func (a *Accountant) RollbackRequest(usage *contracts.UsageWindow, isToolCall bool) {
	if usage.RequestsThisMinute > 0 {
		usage.RequestsThisMinute--
	}
	if isToolCall && usage.ToolCallsThisMinute > 0 {
		usage.ToolCallsThisMinute--
	}
}

// CheckTokenRate is the pre-call token-rate guard: it rejects only if
// the window's token counter has already reached the limit from prior
// calls. It never estimates the upcoming call's token cost, so a single
// large call may still push the counter over the limit — that overshoot
// is recorded as a warning by the caller, not retroactively rejected.
func (a *Accountant) CheckTokenRate(usage contracts.UsageWindow, limits contracts.AgentLimits) error {
	if limits.TokensPerMinute > 0 && usage.TokensThisMinute >= limits.TokensPerMinute {
		return gatewayerr.RateLimited("token rate limit exceeded: %d/%d per minute", usage.TokensThisMinute, limits.TokensPerMinute)
	}
	return nil
}

// hourMs is the span of the coarse request/error window feeding the
// health monitor's error-rate check.
const hourMs = int64(60 * 60 * 1000)

// RecordOutcome folds one dispatched task into the agent's hourly
// request/error counters, resetting the window in place once it is older
// than an hour.
func (a *Accountant) RecordOutcome(h *contracts.HourlyWindow, failed bool) {
	now := a.nowMs()
	if h.WindowStart == 0 || now-h.WindowStart >= hourMs {
		h.WindowStart = now
		h.Requests = 0
		h.Errors = 0
	}
	h.Requests++
	if failed {
		h.Errors++
	}
}

// EstimateCost computes the dollar cost of a call from its model and
// token counts using the configured per-model rate table.
func (a *Accountant) EstimateCost(model string, inputTokens, outputTokens int) (float64, error) {
	rate, ok := a.rates[model]
	if !ok {
		return 0, gatewayerr.NotFound("accounting: no cost rate configured for model %q", model)
	}
	return (float64(inputTokens)/1000.0)*rate.InputPer1K + (float64(outputTokens)/1000.0)*rate.OutputPer1K, nil
}

// FoldResult is returned by FoldTokenUsage so the Dispatcher can decide
// whether to emit a rate_limit.exceeded warning or a budget.reached
// event for this call.
type FoldResult struct {
	TokenRateOverrun bool // token counter exceeded its limit after this call
	BudgetJustCrossed bool // cumulative cost crossed the budget threshold on this call
}

// FoldTokenUsage folds a completed call's token usage and cost into the
// window and cumulative cost after the call completes.
func (a *Accountant) FoldTokenUsage(usage *contracts.UsageWindow, cumulativeCost *float64, limits contracts.AgentLimits, inputTokens, outputTokens int, cost float64) FoldResult {
	wasUnderBudget := limits.CostBudgetUSD <= 0 || *cumulativeCost < limits.CostBudgetUSD

	usage.TokensThisMinute += inputTokens + outputTokens
	*cumulativeCost += cost

	result := FoldResult{}
	if limits.TokensPerMinute > 0 && usage.TokensThisMinute >= limits.TokensPerMinute {
		result.TokenRateOverrun = true
	}
	if limits.CostBudgetUSD > 0 && wasUnderBudget && *cumulativeCost >= limits.CostBudgetUSD {
		result.BudgetJustCrossed = true
	}
	return result
}
