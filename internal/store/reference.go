package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// AlertRule is one per-user alert rule from the settings store. An
// empty Symbol or PatternName matches anything; MinConfidence is an
// inclusive bound.
type AlertRule struct {
	ClientID      string  `db:"client_id" json:"client_id"`
	Symbol        string  `db:"symbol" json:"symbol"`
	PatternName   string  `db:"pattern_name" json:"pattern_name"`
	MinConfidence float64 `db:"min_confidence" json:"min_confidence"`
}

// SymbolMeta is read-only symbol metadata.
type SymbolMeta struct {
	Symbol   string `db:"symbol" json:"symbol"`
	Name     string `db:"name" json:"name"`
	Exchange string `db:"exchange" json:"exchange"`
	Active   bool   `db:"active" json:"active"`
}

// Reference reads user alert rules and symbol metadata from the
// producer-side settings database. Strictly read-only: this tier never
// writes to producer tables. All failures degrade to empty results at
// the caller, never into the pipeline.
type Reference struct {
	db *sqlx.DB
}

// Open connects to the settings database. An empty URL disables the
// store; callers get a nil Reference and skip rule loading.
func Open(databaseURL string) (*Reference, error) {
	if databaseURL == "" {
		return nil, nil
	}
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect reference store: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Reference{db: db}, nil
}

// AlertRules loads every enabled alert rule.
func (r *Reference) AlertRules(ctx context.Context) ([]AlertRule, error) {
	const q = `
		SELECT client_id, symbol, pattern_name, min_confidence
		FROM user_alert_rules
		WHERE enabled = true`
	var rules []AlertRule
	if err := r.db.SelectContext(ctx, &rules, q); err != nil {
		return nil, fmt.Errorf("failed to load alert rules: %w", err)
	}
	return rules, nil
}

// SymbolMetadata loads metadata for the given symbol.
func (r *Reference) SymbolMetadata(ctx context.Context, symbol string) (*SymbolMeta, error) {
	const q = `
		SELECT symbol, name, exchange, active
		FROM symbols
		WHERE symbol = $1`
	var meta SymbolMeta
	if err := r.db.GetContext(ctx, &meta, q, symbol); err != nil {
		return nil, fmt.Errorf("failed to load symbol %s: %w", symbol, err)
	}
	return &meta, nil
}

// Healthy pings the database with a short deadline.
func (r *Reference) Healthy() bool {
	if r == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.db.PingContext(ctx) == nil
}

// Close releases the pool.
func (r *Reference) Close() error {
	if r == nil {
		return nil
	}
	return r.db.Close()
}

// WatchAlertRules reloads rules on the interval and pushes them to
// apply until the context is cancelled. The first load happens
// immediately.
func (r *Reference) WatchAlertRules(ctx context.Context, interval time.Duration, apply func([]AlertRule)) {
	if r == nil {
		return
	}
	load := func() {
		loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		rules, err := r.AlertRules(loadCtx)
		if err != nil {
			log.Warn().Err(err).Msg("Alert rule reload failed")
			return
		}
		apply(rules)
	}
	load()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			load()
		}
	}
}

// Matches reports whether the rule admits the detection.
func (a AlertRule) Matches(symbol, patternName string, confidence float64) bool {
	if a.Symbol != "" && a.Symbol != symbol {
		return false
	}
	if a.PatternName != "" && a.PatternName != patternName {
		return false
	}
	return confidence >= a.MinConfidence
}
