package models

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Decode error sentinels. Callers distinguish undecodable payloads from
// payloads that decoded but lack a required scoping field.
var (
	ErrDecode       = errors.New("decode error")
	ErrMissingField = errors.New("missing required field")
)

// Field-name drift between producer and consumer silently dropped
// traffic in the past. All aliases are resolved here, at the edge, and
// nowhere else. First non-empty alias wins, in declared order.
var (
	patternNameAliases   = []string{"pattern_name", "pattern_type", "pattern"}
	indicatorNameAliases = []string{"indicator_name", "indicator_type", "indicator"}
	timestampAliases     = []string{"detected_at", "computed_at", "timestamp"}
)

// DecodePattern decodes a streaming_pattern payload, tolerating the
// historical field-name variants and normalizing to canonical names.
func DecodePattern(payload []byte) (*PatternDetected, error) {
	var envelope struct {
		Type      string                 `json:"type"`
		Detection map[string]interface{} `json:"detection"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: pattern envelope: %v", ErrDecode, err)
	}
	raw := envelope.Detection
	if raw == nil {
		// Some producers send the detection fields at the top level.
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, fmt.Errorf("%w: pattern body: %v", ErrDecode, err)
		}
	}

	name := firstString(raw, patternNameAliases)
	if name == "" {
		return nil, fmt.Errorf("%w: pattern name", ErrMissingField)
	}
	symbol := stringField(raw, "symbol")
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol", ErrMissingField)
	}

	detectedAt, err := firstTimestamp(raw, timestampAliases)
	if err != nil {
		return nil, err
	}

	p := &PatternDetected{
		Symbol:      strings.ToUpper(symbol),
		PatternName: name,
		Confidence:  floatField(raw, "confidence"),
		DetectedAt:  detectedAt,
		Timeframe:   stringField(raw, "timeframe"),
	}

	tier := stringField(raw, "tier")
	if ValidTier(tier) {
		p.Tier = Tier(tier)
	} else {
		p.Tier = TierIntraday
	}

	if id := stringField(raw, "id"); id != "" {
		p.ID = id
	} else {
		p.ID = deriveID(p.Symbol, p.PatternName, p.DetectedAt)
	}

	if exp, ok := raw["expires_at"]; ok {
		if t, err := parseTimestamp(exp); err == nil {
			p.ExpiresAt = &t
		}
	}

	if params, ok := raw["parameters"].(map[string]interface{}); ok {
		p.Attributes = params
	}
	return p, nil
}

// DecodeIndicator decodes a streaming_indicator payload with the same
// alias tolerance as DecodePattern.
func DecodeIndicator(payload []byte) (*IndicatorCalculated, error) {
	var envelope struct {
		Type        string                 `json:"type"`
		Calculation map[string]interface{} `json:"calculation"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: indicator envelope: %v", ErrDecode, err)
	}
	raw := envelope.Calculation
	if raw == nil {
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, fmt.Errorf("%w: indicator body: %v", ErrDecode, err)
		}
	}

	name := firstString(raw, indicatorNameAliases)
	if name == "" {
		return nil, fmt.Errorf("%w: indicator name", ErrMissingField)
	}
	symbol := stringField(raw, "symbol")
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol", ErrMissingField)
	}

	computedAt, err := firstTimestamp(raw, timestampAliases)
	if err != nil {
		return nil, err
	}

	ind := &IndicatorCalculated{
		Symbol:        strings.ToUpper(symbol),
		IndicatorName: name,
		ComputedAt:    computedAt,
		Timeframe:     stringField(raw, "timeframe"),
		Values:        map[string]float64{},
	}
	if id := stringField(raw, "id"); id != "" {
		ind.ID = id
	} else {
		ind.ID = deriveID(ind.Symbol, ind.IndicatorName, ind.ComputedAt)
	}

	if values, ok := raw["values"].(map[string]interface{}); ok {
		for k, v := range values {
			if f, ok := toFloat(v); ok {
				ind.Values[k] = f
			}
		}
	} else if v, ok := toFloat(raw["value"]); ok {
		ind.Values["value"] = v
	}
	return ind, nil
}

// DecodeHealth decodes a streaming.health payload.
func DecodeHealth(payload []byte) (*StreamingHealth, error) {
	var h StreamingHealth
	if err := json.Unmarshal(payload, &h); err != nil {
		return nil, fmt.Errorf("%w: health: %v", ErrDecode, err)
	}
	return &h, nil
}

// DecodeSession decodes a session lifecycle payload.
func DecodeSession(payload []byte) (*SessionLifecycle, error) {
	var s SessionLifecycle
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("%w: session lifecycle: %v", ErrDecode, err)
	}
	if s.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id", ErrMissingField)
	}
	return &s, nil
}

func firstString(raw map[string]interface{}, aliases []string) string {
	for _, key := range aliases {
		if s := stringField(raw, key); s != "" {
			return s
		}
	}
	return ""
}

// firstTimestamp resolves the timestamp aliases; a payload without any
// parseable timestamp falls back to now rather than being dropped,
// since arrival time is an acceptable approximation for live traffic.
func firstTimestamp(raw map[string]interface{}, aliases []string) (time.Time, error) {
	for _, key := range aliases {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		t, err := parseTimestamp(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %s: %v", ErrDecode, key, err)
		}
		return t, nil
	}
	return time.Now().UTC(), nil
}

// parseTimestamp accepts ISO-8601 strings and numeric epoch values
// (seconds, with or without a fractional part).
func parseTimestamp(v interface{}) (time.Time, error) {
	switch tv := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, tv); err == nil {
				return t.UTC(), nil
			}
		}
		if f, err := strconv.ParseFloat(tv, 64); err == nil {
			return epochToTime(f), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", tv)
	case float64:
		return epochToTime(tv), nil
	case json.Number:
		f, err := tv.Float64()
		if err != nil {
			return time.Time{}, err
		}
		return epochToTime(f), nil
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}

func epochToTime(f float64) time.Time {
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func stringField(raw map[string]interface{}, key string) string {
	if s, ok := raw[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func floatField(raw map[string]interface{}, key string) float64 {
	f, _ := toFloat(raw[key])
	return f
}

func toFloat(v interface{}) (float64, bool) {
	switch tv := v.(type) {
	case float64:
		return tv, true
	case json.Number:
		f, err := tv.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(tv, 64)
		return f, err == nil
	}
	return 0, false
}

// deriveID builds a stable identifier for payloads that carry none, so
// the same detection arriving on both pattern channels collapses to one
// cache entry.
func deriveID(symbol, name string, ts time.Time) string {
	sum := sha1.Sum([]byte(symbol + "|" + name + "|" + strconv.FormatInt(ts.UnixMilli(), 10)))
	return hex.EncodeToString(sum[:8])
}
