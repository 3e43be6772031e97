package types

import "testing"

func TestParseKind(t *testing.T) {
	if k, err := ParseKind("products"); err != nil || k != KindProducts {
		t.Errorf("ParseKind(products) = %v, %v", k, err)
	}
	if _, err := ParseKind("invoices"); err == nil {
		t.Error("ParseKind(invoices) succeeded, want error")
	}
}

func TestParseMode(t *testing.T) {
	for _, valid := range []string{"full", "incremental", "selective"} {
		if _, err := ParseMode(valid); err != nil {
			t.Errorf("ParseMode(%s): %v", valid, err)
		}
	}
	if _, err := ParseMode("delta"); err == nil {
		t.Error("ParseMode(delta) succeeded, want error")
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusRunning.Terminal() {
		t.Error("running reported as terminal")
	}
	for _, s := range []Status{StatusCompleted, StatusPartial, StatusFailed, StatusCancelled, StatusTimeout} {
		if !s.Terminal() {
			t.Errorf("%s not reported as terminal", s)
		}
	}
}

func TestStrategyRoundTrip(t *testing.T) {
	for _, s := range []Strategy{StrategyUpstreamPriority, StrategyLocalPriority, StrategyNewestWins, StrategyManual} {
		parsed, err := ParseStrategy(s.String())
		if err != nil {
			t.Fatalf("ParseStrategy(%s): %v", s, err)
		}
		if parsed != s {
			t.Errorf("round trip %s -> %s", s, parsed)
		}
	}
	if _, err := ParseStrategy("coin_flip"); err == nil {
		t.Error("ParseStrategy(coin_flip) succeeded, want error")
	}
}
