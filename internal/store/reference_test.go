package store

import "testing"

func TestAlertRule_Matches(t *testing.T) {
	tests := []struct {
		name       string
		rule       AlertRule
		symbol     string
		pattern    string
		confidence float64
		expected   bool
	}{
		{
			name:       "full match",
			rule:       AlertRule{Symbol: "AAPL", PatternName: "Doji", MinConfidence: 0.8},
			symbol:     "AAPL",
			pattern:    "Doji",
			confidence: 0.9,
			expected:   true,
		},
		{
			name:       "confidence at bound is inclusive",
			rule:       AlertRule{Symbol: "AAPL", MinConfidence: 0.8},
			symbol:     "AAPL",
			pattern:    "Doji",
			confidence: 0.8,
			expected:   true,
		},
		{
			name:       "below confidence",
			rule:       AlertRule{Symbol: "AAPL", MinConfidence: 0.8},
			symbol:     "AAPL",
			pattern:    "Doji",
			confidence: 0.79,
			expected:   false,
		},
		{
			name:       "wrong symbol",
			rule:       AlertRule{Symbol: "AAPL"},
			symbol:     "MSFT",
			pattern:    "Doji",
			confidence: 0.9,
			expected:   false,
		},
		{
			name:       "empty symbol matches any",
			rule:       AlertRule{PatternName: "Doji"},
			symbol:     "MSFT",
			pattern:    "Doji",
			confidence: 0.9,
			expected:   true,
		},
		{
			name:       "wrong pattern",
			rule:       AlertRule{PatternName: "Hammer"},
			symbol:     "AAPL",
			pattern:    "Doji",
			confidence: 0.9,
			expected:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.Matches(tt.symbol, tt.pattern, tt.confidence); got != tt.expected {
				t.Errorf("Matches() = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestOpen_EmptyURLDisablesStore(t *testing.T) {
	r, err := Open("")
	if err != nil {
		t.Fatalf("Open(\"\") error = %v", err)
	}
	if r != nil {
		t.Fatal("Open(\"\") returned a live store, expected nil")
	}
	// Nil receivers are safe for the optional store.
	if !r.Healthy() {
		t.Error("nil store Healthy() = false, expected true")
	}
	if err := r.Close(); err != nil {
		t.Errorf("nil store Close() error = %v", err)
	}
}
