package models

import (
	"errors"
	"testing"
	"time"
)

func TestDecodePattern_FieldAliases(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{
			name:    "canonical pattern_name",
			payload: `{"type":"streaming_pattern","detection":{"pattern_name":"Doji","symbol":"AAPL","confidence":0.9,"detected_at":"2026-02-05T10:00:00Z"}}`,
		},
		{
			name:    "legacy pattern_type",
			payload: `{"type":"streaming_pattern","detection":{"pattern_type":"Doji","symbol":"AAPL","confidence":0.9,"detected_at":"2026-02-05T10:00:00Z"}}`,
		},
		{
			name:    "bare pattern",
			payload: `{"type":"streaming_pattern","detection":{"pattern":"Doji","symbol":"AAPL","confidence":0.9,"detected_at":"2026-02-05T10:00:00Z"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodePattern([]byte(tt.payload))
			if err != nil {
				t.Fatalf("DecodePattern() error = %v", err)
			}
			if p.PatternName != "Doji" {
				t.Errorf("PatternName = %q, expected %q", p.PatternName, "Doji")
			}
			if p.Symbol != "AAPL" {
				t.Errorf("Symbol = %q, expected %q", p.Symbol, "AAPL")
			}
			if p.Confidence != 0.9 {
				t.Errorf("Confidence = %v, expected 0.9", p.Confidence)
			}
		})
	}
}

func TestDecodePattern_AliasPrecedence(t *testing.T) {
	// First non-empty alias wins: pattern_name before pattern_type
	// before pattern.
	payload := `{"detection":{"pattern_name":"Hammer","pattern_type":"Doji","pattern":"Engulfing","symbol":"MSFT","confidence":0.5,"detected_at":1700000000}}`
	p, err := DecodePattern([]byte(payload))
	if err != nil {
		t.Fatalf("DecodePattern() error = %v", err)
	}
	if p.PatternName != "Hammer" {
		t.Errorf("PatternName = %q, expected %q", p.PatternName, "Hammer")
	}
}

func TestDecodePattern_MissingFields(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{
			name:    "no name variant at all",
			payload: `{"detection":{"symbol":"AAPL","confidence":0.9}}`,
			wantErr: ErrMissingField,
		},
		{
			name:    "no symbol",
			payload: `{"detection":{"pattern_name":"Doji","confidence":0.9}}`,
			wantErr: ErrMissingField,
		},
		{
			name:    "not JSON",
			payload: `{{{`,
			wantErr: ErrDecode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePattern([]byte(tt.payload))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("DecodePattern() error = %v, expected %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodePattern_Timestamps(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		expected time.Time
	}{
		{
			name:     "ISO-8601",
			payload:  `{"detection":{"pattern":"Doji","symbol":"AAPL","detected_at":"2026-02-05T10:00:00Z"}}`,
			expected: time.Date(2026, 2, 5, 10, 0, 0, 0, time.UTC),
		},
		{
			name:     "numeric epoch",
			payload:  `{"detection":{"pattern":"Doji","symbol":"AAPL","detected_at":1700000000}}`,
			expected: time.Unix(1700000000, 0).UTC(),
		},
		{
			name:     "timestamp alias",
			payload:  `{"detection":{"pattern":"Doji","symbol":"AAPL","timestamp":"2026-02-05T10:00:00Z"}}`,
			expected: time.Date(2026, 2, 5, 10, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodePattern([]byte(tt.payload))
			if err != nil {
				t.Fatalf("DecodePattern() error = %v", err)
			}
			if !p.DetectedAt.Equal(tt.expected) {
				t.Errorf("DetectedAt = %v, expected %v", p.DetectedAt, tt.expected)
			}
		})
	}
}

func TestDecodePattern_StableDerivedID(t *testing.T) {
	payload := `{"detection":{"pattern":"Doji","symbol":"AAPL","confidence":0.9,"detected_at":1700000000}}`
	p1, err := DecodePattern([]byte(payload))
	if err != nil {
		t.Fatalf("DecodePattern() error = %v", err)
	}
	p2, err := DecodePattern([]byte(payload))
	if err != nil {
		t.Fatalf("DecodePattern() error = %v", err)
	}
	// The same detection arriving on both pattern channels must map to
	// one cache entry.
	if p1.ID != p2.ID {
		t.Errorf("derived IDs differ: %q vs %q", p1.ID, p2.ID)
	}
}

func TestDecodeIndicator_Aliases(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{
			name:    "canonical indicator_name",
			payload: `{"calculation":{"indicator_name":"RSI","symbol":"nvda","values":{"value":61.2},"computed_at":1700000000}}`,
		},
		{
			name:    "legacy indicator_type",
			payload: `{"calculation":{"indicator_type":"RSI","symbol":"nvda","values":{"value":61.2},"computed_at":1700000000}}`,
		},
		{
			name:    "bare indicator",
			payload: `{"calculation":{"indicator":"RSI","symbol":"nvda","values":{"value":61.2},"computed_at":1700000000}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ind, err := DecodeIndicator([]byte(tt.payload))
			if err != nil {
				t.Fatalf("DecodeIndicator() error = %v", err)
			}
			if ind.IndicatorName != "RSI" {
				t.Errorf("IndicatorName = %q, expected %q", ind.IndicatorName, "RSI")
			}
			if ind.Symbol != "NVDA" {
				t.Errorf("Symbol = %q, expected normalized %q", ind.Symbol, "NVDA")
			}
			if ind.Values["value"] != 61.2 {
				t.Errorf("Values[value] = %v, expected 61.2", ind.Values["value"])
			}
		})
	}
}

func TestPredicate_Admits(t *testing.T) {
	minConf := 0.75
	pred := Predicate{
		Kinds:         []string{"pattern"},
		Symbols:       []string{"AAPL", "MSFT"},
		MinConfidence: &minConf,
	}

	tests := []struct {
		name     string
		event    *Event
		expected bool
	}{
		{
			name:     "admitted",
			event:    patternEvent("AAPL", "Doji", TierDaily, 0.80),
			expected: true,
		},
		{
			name:     "confidence exactly at bound is inclusive",
			event:    patternEvent("AAPL", "Doji", TierDaily, 0.75),
			expected: true,
		},
		{
			name:     "below confidence",
			event:    patternEvent("AAPL", "Doji", TierDaily, 0.60),
			expected: false,
		},
		{
			name:     "wrong symbol",
			event:    patternEvent("GOOG", "Doji", TierDaily, 0.90),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pred.Admits(tt.event); got != tt.expected {
				t.Errorf("Admits() = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func patternEvent(symbol, name string, tier Tier, confidence float64) *Event {
	return &Event{
		Kind: KindPattern,
		Pattern: &PatternDetected{
			ID:          symbol + ":" + name,
			Symbol:      symbol,
			PatternName: name,
			Tier:        tier,
			Confidence:  confidence,
			DetectedAt:  time.Now(),
		},
	}
}
