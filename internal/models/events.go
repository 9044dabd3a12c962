package models

import (
	"encoding/json"
	"time"
)

// EventKind discriminates the event variants flowing through the pipeline.
type EventKind string

const (
	KindPattern          EventKind = "pattern"
	KindIndicator        EventKind = "indicator"
	KindHealth           EventKind = "health"
	KindSessionStarted   EventKind = "session_started"
	KindSessionStopped   EventKind = "session_stopped"
	KindBacktestProgress EventKind = "backtest_progress"
	KindBacktestResult   EventKind = "backtest_result"
	KindCriticalAlert    EventKind = "critical_alert"
)

// Tier classifies a pattern by timeframe aggregation.
type Tier string

const (
	TierDaily    Tier = "daily"
	TierIntraday Tier = "intraday"
	TierCombo    Tier = "combo"
)

// ValidTier reports whether s names a known tier.
func ValidTier(s string) bool {
	switch Tier(s) {
	case TierDaily, TierIntraday, TierCombo:
		return true
	}
	return false
}

// Event is the tagged payload unit dispatched through the consumer.
// Exactly one variant pointer is non-nil for the structured kinds;
// pass-through kinds carry the raw payload untouched.
type Event struct {
	Kind      EventKind
	Pattern   *PatternDetected
	Indicator *IndicatorCalculated
	Health    *StreamingHealth
	Session   *SessionLifecycle
	Raw       json.RawMessage
}

// PatternDetected is a single pattern detection from the producer,
// normalized to canonical field names.
type PatternDetected struct {
	ID          string                 `json:"id"`
	Symbol      string                 `json:"symbol"`
	PatternName string                 `json:"pattern_name"`
	Tier        Tier                   `json:"tier"`
	Confidence  float64                `json:"confidence"`
	DetectedAt  time.Time              `json:"detected_at"`
	ExpiresAt   *time.Time             `json:"expires_at,omitempty"`
	Timeframe   string                 `json:"timeframe,omitempty"`
	Attributes  map[string]interface{} `json:"parameters,omitempty"`
}

// IndicatorCalculated is a single indicator calculation, normalized.
type IndicatorCalculated struct {
	ID            string             `json:"id"`
	Symbol        string             `json:"symbol"`
	IndicatorName string             `json:"indicator_name"`
	Values        map[string]float64 `json:"values"`
	ComputedAt    time.Time          `json:"computed_at"`
	Timeframe     string             `json:"timeframe,omitempty"`
}

// StreamingHealth is the producer's periodic health beacon.
type StreamingHealth struct {
	Status        string  `json:"status"`
	ActiveSymbols int     `json:"active_symbols"`
	TPS           float64 `json:"tps"`
	TS            float64 `json:"ts"`
}

// SessionLifecycle marks a producer streaming session starting or stopping.
type SessionLifecycle struct {
	SessionID string  `json:"session_id"`
	TS        float64 `json:"ts"`
}

// Symbol returns the scoping symbol of the event, or "" for
// non-symbol-scoped kinds.
func (e *Event) Symbol() string {
	switch e.Kind {
	case KindPattern:
		return e.Pattern.Symbol
	case KindIndicator:
		return e.Indicator.Symbol
	}
	return ""
}

// Name returns the pattern or indicator name, or "" for other kinds.
func (e *Event) Name() string {
	switch e.Kind {
	case KindPattern:
		return e.Pattern.PatternName
	case KindIndicator:
		return e.Indicator.IndicatorName
	}
	return ""
}

// TierValue returns the tier dimension of the event, or "" when the
// kind carries no tier.
func (e *Event) TierValue() string {
	if e.Kind == KindPattern {
		return string(e.Pattern.Tier)
	}
	return ""
}

// Confidence returns the pattern confidence and true, or 0 and false
// for kinds without one.
func (e *Event) Confidence() (float64, bool) {
	if e.Kind == KindPattern {
		return e.Pattern.Confidence, true
	}
	return 0, false
}
