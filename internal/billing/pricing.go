package billing

import (
	"github.com/shopspring/decimal"

	"github.com/neurongate/gateway/internal/apperr"
	"github.com/neurongate/gateway/internal/models"
)

// Price is dollars per one million tokens.
type Price struct {
	Input  decimal.Decimal `json:"input"`
	Output decimal.Decimal `json:"output"`
}

var million = decimal.NewFromInt(1_000_000)

// priceTable is the static per-model rate card. Requests for models not
// listed here are rejected before any reservation or network call.
var priceTable = map[string]Price{
	"qwen2.5-72b-instruct":  {Input: decimal.NewFromFloat(0.90), Output: decimal.NewFromFloat(0.90)},
	"llama-3.3-70b":         {Input: decimal.NewFromFloat(0.60), Output: decimal.NewFromFloat(0.80)},
	"deepseek-v3":           {Input: decimal.NewFromFloat(0.50), Output: decimal.NewFromFloat(1.10)},
	"deepseek-r1":           {Input: decimal.NewFromFloat(1.35), Output: decimal.NewFromFloat(5.40)},
	"mistral-small-24b":     {Input: decimal.NewFromFloat(0.10), Output: decimal.NewFromFloat(0.30)},
}

func Lookup(model string) (Price, error) {
	p, ok := priceTable[model]
	if !ok {
		return Price{}, apperr.ErrUnknownModel
	}
	return p, nil
}

// Cost computes promptTokens×input/1e6 + completionTokens×output/1e6.
func (p Price) Cost(promptTokens, completionTokens int64) decimal.Decimal {
	in := decimal.NewFromInt(promptTokens).Mul(p.Input).Div(million)
	out := decimal.NewFromInt(completionTokens).Mul(p.Output).Div(million)
	return in.Add(out)
}

const (
	// Rough chars-per-token plus a small per-message overhead; the point is
	// a conservative upper bound, not accuracy. The refund after settlement
	// returns whatever this overshoots.
	charsPerToken      = 4
	perMessageOverhead = 3

	defaultMaxTokens = 4096
)

// EstimateTokens returns upper-bound prompt and completion token counts for
// a request.
func EstimateTokens(req *models.ChatCompletionRequest) (prompt, completion int64) {
	var chars int64
	for _, m := range req.Messages {
		chars += int64(len(m.Content)) + int64(len(m.Role))
		prompt += perMessageOverhead
	}
	prompt += chars / charsPerToken

	completion = req.MaxTokens
	if completion <= 0 {
		completion = defaultMaxTokens
	}
	return prompt, completion
}

// Estimate prices the upper bound for reservation purposes.
func Estimate(req *models.ChatCompletionRequest, p Price) decimal.Decimal {
	prompt, completion := EstimateTokens(req)
	return p.Cost(prompt, completion)
}
