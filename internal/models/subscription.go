package models

import "strings"

// Predicate is the conjoined constraint set defining a subscription's
// interest. An empty set on a dimension means wildcard: every value on
// that dimension is admitted.
type Predicate struct {
	Kinds         []string `json:"kinds,omitempty"`
	Symbols       []string `json:"symbols,omitempty"`
	Tiers         []string `json:"tiers,omitempty"`
	PatternNames  []string `json:"pattern_names,omitempty"`
	MinConfidence *float64 `json:"min_confidence,omitempty"`
}

// Subscription binds a client to its declared interest. Unique per
// client; re-subscribing overwrites.
type Subscription struct {
	ClientID  string    `json:"client_id"`
	Predicate Predicate `json:"predicate"`
}

// Normalize upper-cases symbols and lower-cases the remaining
// dimensions so matching is case-insensitive at the edges.
func (p Predicate) Normalize() Predicate {
	out := Predicate{MinConfidence: p.MinConfidence}
	for _, k := range p.Kinds {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			out.Kinds = append(out.Kinds, k)
		}
	}
	for _, s := range p.Symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" && s != "*" {
			out.Symbols = append(out.Symbols, s)
		}
	}
	for _, t := range p.Tiers {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" && t != "*" {
			out.Tiers = append(out.Tiers, t)
		}
	}
	for _, n := range p.PatternNames {
		if n = strings.TrimSpace(n); n != "" && n != "*" {
			out.PatternNames = append(out.PatternNames, n)
		}
	}
	return out
}

// Admits reports whether the predicate accepts the event. This is the
// reference semantics the subscription index must agree with: set
// dimensions the event does not carry are not constrained, and the
// confidence bound is inclusive.
func (p Predicate) Admits(e *Event) bool {
	if !admitsValue(p.Kinds, string(e.Kind)) {
		return false
	}
	if sym := e.Symbol(); sym != "" && !admitsValue(p.Symbols, sym) {
		return false
	}
	if tier := e.TierValue(); tier != "" && !admitsValue(p.Tiers, tier) {
		return false
	}
	if e.Kind == KindPattern && !admitsValue(p.PatternNames, e.Pattern.PatternName) {
		return false
	}
	if p.MinConfidence != nil {
		if conf, ok := e.Confidence(); ok && conf < *p.MinConfidence {
			return false
		}
	}
	return true
}

func admitsValue(set []string, value string) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == value {
			return true
		}
	}
	return false
}
