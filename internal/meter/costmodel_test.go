package meter

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRateCardPricesTokens(t *testing.T) {
	card := NewRateCard(map[string]Rate{
		"gpt-4o": {
			InputPerMillion:  decimal.RequireFromString("2.50"),
			OutputPerMillion: decimal.RequireFromString("10.00"),
		},
	})

	cost, err := card.ComputeCost(Capability{Model: "gpt-4o"}, map[string]any{
		"input_tokens":  int64(1_000_000),
		"output_tokens": int64(500_000),
	})
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if cost == nil || !cost.Equal(decimal.RequireFromString("7.5")) {
		t.Fatalf("expected cost 7.5, got %v", cost)
	}
}

func TestRateCardEstimateUsesOutputCeiling(t *testing.T) {
	card := NewRateCard(map[string]Rate{
		"gpt-4o": {
			InputPerMillion:  decimal.RequireFromString("2.50"),
			OutputPerMillion: decimal.RequireFromString("10.00"),
		},
	})

	estimate, err := card.EstimateCost(Capability{Model: "gpt-4o"}, map[string]any{
		"estimated_input_tokens": 400_000,
		"max_output_tokens":      100_000,
	})
	if err != nil {
		t.Fatalf("estimate failed: %v", err)
	}
	if estimate == nil || !estimate.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("expected estimate 2, got %v", estimate)
	}
}

func TestRateCardUnknownModelIsUnmetered(t *testing.T) {
	card := NewRateCard(nil)
	cost, err := card.ComputeCost(Capability{Model: "experimental"}, nil)
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if cost != nil {
		t.Fatalf("expected nil cost for an unmetered model, got %v", cost)
	}
}
