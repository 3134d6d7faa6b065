package meter

import (
	"github.com/shopspring/decimal"
)

var million = decimal.NewFromInt(1_000_000)

// Rate prices one model in credits per million tokens.
type Rate struct {
	InputPerMillion  decimal.Decimal
	OutputPerMillion decimal.Decimal
}

// RateCard is a static CostModel: models absent from the card are unmetered
// and fall into the free-quota path.
type RateCard struct {
	rates map[string]Rate
}

func NewRateCard(rates map[string]Rate) *RateCard {
	if rates == nil {
		rates = map[string]Rate{}
	}
	return &RateCard{rates: rates}
}

// EstimateCost prices the worst case before the call: the declared input
// size plus the output ceiling.
func (c *RateCard) EstimateCost(capability Capability, params map[string]any) (*decimal.Decimal, error) {
	rate, ok := c.rates[capability.Model]
	if !ok {
		return nil, nil
	}
	input := tokenCount(params, "estimated_input_tokens")
	output := tokenCount(params, "max_output_tokens")
	cost := price(rate, input, output)
	return &cost, nil
}

// ComputeCost prices what the call actually consumed.
func (c *RateCard) ComputeCost(capability Capability, details map[string]any) (*decimal.Decimal, error) {
	rate, ok := c.rates[capability.Model]
	if !ok {
		return nil, nil
	}
	input := tokenCount(details, "input_tokens")
	output := tokenCount(details, "output_tokens")
	cost := price(rate, input, output)
	return &cost, nil
}

func price(rate Rate, inputTokens, outputTokens int64) decimal.Decimal {
	in := rate.InputPerMillion.Mul(decimal.NewFromInt(inputTokens)).Div(million)
	out := rate.OutputPerMillion.Mul(decimal.NewFromInt(outputTokens)).Div(million)
	return in.Add(out)
}

func tokenCount(values map[string]any, key string) int64 {
	if values == nil {
		return 0
	}
	switch v := values[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
