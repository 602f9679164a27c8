package models

import "time"

// TokenUsage accumulates input/output/reasoning token counts and derived
// cost for a single conversation.
type TokenUsage struct {
	ConversationID   string    `json:"conversation_id"`
	Model            string    `json:"model"`
	InputTokens      int64     `json:"input_tokens"`
	OutputTokens     int64     `json:"output_tokens"`
	ReasoningTokens  int64     `json:"reasoning_tokens"`
	CostMicroDollars int64     `json:"cost_micro_dollars"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Add folds a completed turn's token counts and cost into the running total.
func (u *TokenUsage) Add(input, output, reasoning int64, costMicroDollars int64) {
	u.InputTokens += input
	u.OutputTokens += output
	u.ReasoningTokens += reasoning
	u.CostMicroDollars += costMicroDollars
}

// TokenCorrectionFactor is a per-model exponential moving average of
// (actual reported tokens / heuristic estimate), used to refine the
// estimator before a provider's usage block arrives.
type TokenCorrectionFactor struct {
	Model     string    `json:"model"`
	Factor    float64   `json:"factor"`
	Samples   int64     `json:"samples"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultCorrectionFactor seeds a model's correction factor at 1.0 (the
// heuristic estimate is trusted until real usage data arrives).
func DefaultCorrectionFactor(model string) *TokenCorrectionFactor {
	return &TokenCorrectionFactor{Model: model, Factor: 1.0}
}

// emaAlpha weights the newest sample against the running average.
const emaAlpha = 0.2

// Update folds one (actual/estimate) observation into the moving average.
func (f *TokenCorrectionFactor) Update(actual, estimate int64) {
	if estimate <= 0 || actual <= 0 {
		return
	}
	ratio := float64(actual) / float64(estimate)
	if f.Samples == 0 {
		f.Factor = ratio
	} else {
		f.Factor = emaAlpha*ratio + (1-emaAlpha)*f.Factor
	}
	f.Samples++
}
