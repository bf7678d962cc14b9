package observer

import "testing"

func TestCostCalculate(t *testing.T) {
	c := NewCostCalculator(nil)

	// gpt-4o: $2.50 / $10.00 per million.
	got := c.Calculate("gpt-4o", 1_000_000, 1_000_000)
	if got != 12.50 {
		t.Errorf("Calculate(gpt-4o, 1M, 1M) = %v, want 12.50", got)
	}

	if got := c.Calculate("unknown-model", 1000, 1000); got != 0.0 {
		t.Errorf("Calculate(unknown) = %v, want 0", got)
	}

	if got := c.Calculate("gpt-4o", 0, 0); got != 0.0 {
		t.Errorf("Calculate(gpt-4o, 0, 0) = %v, want 0", got)
	}
}

func TestCostOverrides(t *testing.T) {
	c := NewCostCalculator(map[string]ModelPricing{
		"gpt-4o":       {1.00, 2.00}, // override a default
		"custom-model": {5.00, 5.00}, // add a new one
	})

	if got := c.Calculate("gpt-4o", 1_000_000, 0); got != 1.00 {
		t.Errorf("overridden pricing = %v, want 1.00", got)
	}
	if got := c.Calculate("custom-model", 1_000_000, 1_000_000); got != 10.00 {
		t.Errorf("custom pricing = %v, want 10.00", got)
	}
	// Defaults not named in overrides stay available.
	if got := c.Calculate("gpt-4o-mini", 1_000_000, 0); got != 0.15 {
		t.Errorf("default pricing lost: %v", got)
	}
}
