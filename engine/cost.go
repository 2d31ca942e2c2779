package engine

import (
	"sync"

	"github.com/ameliahq/amelia/engine/driver"
)

// ModelPricing holds per-million-token rates in USD.
type ModelPricing struct {
	InputPer1M         float64
	OutputPer1M        float64
	CacheReadPer1M     float64
	CacheCreationPer1M float64
}

// defaultModelPricing covers the models the bundled drivers default to.
// Prices drift; override with SetPricing when accuracy matters.
var defaultModelPricing = map[string]ModelPricing{
	"claude-sonnet-4-5": {InputPer1M: 3.00, OutputPer1M: 15.00, CacheReadPer1M: 0.30, CacheCreationPer1M: 3.75},
	"claude-opus-4-1":   {InputPer1M: 15.00, OutputPer1M: 75.00, CacheReadPer1M: 1.50, CacheCreationPer1M: 18.75},
	"claude-3-5-sonnet": {InputPer1M: 3.00, OutputPer1M: 15.00, CacheReadPer1M: 0.30, CacheCreationPer1M: 3.75},
	"claude-3-5-haiku":  {InputPer1M: 0.80, OutputPer1M: 4.00, CacheReadPer1M: 0.08, CacheCreationPer1M: 1.00},
	"gpt-4o":            {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":       {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gemini-1.5-pro":    {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-2.0-flash":  {InputPer1M: 0.10, OutputPer1M: 0.40},
	"gemini-2.5-pro":    {InputPer1M: 1.25, OutputPer1M: 10.00},
}

// CostSummary aggregates spend and token counts for one workflow.
type CostSummary struct {
	TotalUSD            float64            `json:"total_usd"`
	InputTokens         int64              `json:"input_tokens"`
	OutputTokens        int64              `json:"output_tokens"`
	CacheReadTokens     int64              `json:"cache_read_tokens"`
	CacheCreationTokens int64              `json:"cache_creation_tokens"`
	Calls               int                `json:"calls"`
	ByAgent             map[string]float64 `json:"by_agent,omitempty"`
	ByModel             map[string]float64 `json:"by_model,omitempty"`
}

// CostTracker prices token usage records. Usage rows are persisted raw;
// aggregation happens at read time so pricing updates apply
// retroactively.
//
// Safe for concurrent use.
type CostTracker struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

// NewCostTracker creates a tracker with the built-in pricing table.
func NewCostTracker() *CostTracker {
	pricing := make(map[string]ModelPricing, len(defaultModelPricing))
	for model, p := range defaultModelPricing {
		pricing[model] = p
	}
	return &CostTracker{pricing: pricing}
}

// SetPricing adds or overrides the rates for a model.
func (t *CostTracker) SetPricing(model string, p ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing[model] = p
}

// Pricing returns the rates for a model and whether it is known.
func (t *CostTracker) Pricing(model string) (ModelPricing, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.pricing[model]
	return p, ok
}

// CostOf prices one usage record. A recorded CostUSD (reported by the
// driver itself) wins over the pricing table; unknown models with no
// recorded cost price at zero rather than guessing.
func (t *CostTracker) CostOf(u driver.TokenUsage) float64 {
	if u.CostUSD > 0 {
		return u.CostUSD
	}
	p, ok := t.Pricing(u.Model)
	if !ok {
		return 0
	}
	cost := float64(u.InputTokens) / 1_000_000 * p.InputPer1M
	cost += float64(u.OutputTokens) / 1_000_000 * p.OutputPer1M
	cost += float64(u.CacheReadTokens) / 1_000_000 * p.CacheReadPer1M
	cost += float64(u.CacheCreationTokens) / 1_000_000 * p.CacheCreationPer1M
	return cost
}

// Summarize aggregates usage records into totals plus per-agent and
// per-model breakdowns.
func (t *CostTracker) Summarize(usages []driver.TokenUsage) CostSummary {
	sum := CostSummary{
		ByAgent: make(map[string]float64),
		ByModel: make(map[string]float64),
	}
	for _, u := range usages {
		cost := t.CostOf(u)
		sum.TotalUSD += cost
		sum.InputTokens += u.InputTokens
		sum.OutputTokens += u.OutputTokens
		sum.CacheReadTokens += u.CacheReadTokens
		sum.CacheCreationTokens += u.CacheCreationTokens
		sum.Calls++
		if u.Agent != "" {
			sum.ByAgent[u.Agent] += cost
		}
		if u.Model != "" {
			sum.ByModel[u.Model] += cost
		}
	}
	return sum
}
