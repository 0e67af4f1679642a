package sla

import (
	"context"
	"log/slog"
	"time"

	"docflow/internal/document"
	"docflow/internal/platform/metrics"
)

// Watchdog periodically scans for documents nearing their state budget and
// runs the configured operations on them. One failed document never stops
// the scan.
type Watchdog struct {
	store    document.Store
	logger   *slog.Logger
	metrics  *metrics.Metrics
	interval time.Duration
	rules    []boundRule
	now      func() time.Time
}

// boundRule is a Rule with its operation already resolved.
type boundRule struct {
	Rule
	op Operation
}

// NewWatchdog resolves every rule against the registry. An unresolvable rule
// is a configuration error and fails construction.
func NewWatchdog(
	store document.Store,
	registry *Registry,
	rules []Rule,
	interval time.Duration,
	logger *slog.Logger,
	m *metrics.Metrics,
) (*Watchdog, error) {
	bound := make([]boundRule, 0, len(rules))
	for _, rule := range rules {
		op, err := registry.Resolve(rule.OpName)
		if err != nil {
			return nil, err
		}
		bound = append(bound, boundRule{Rule: rule, op: op})
	}
	return &Watchdog{
		store:    store,
		logger:   logger,
		metrics:  m,
		interval: interval,
		rules:    bound,
		now:      time.Now,
	}, nil
}

// WithClock overrides the timestamp source, for tests.
func (w *Watchdog) WithClock(now func() time.Time) *Watchdog {
	w.now = now
	return w
}

// Run scans on the configured interval until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Scan runs every rule once.
func (w *Watchdog) Scan(ctx context.Context) {
	for _, rule := range w.rules {
		w.scanRule(ctx, rule)
	}
}

func (w *Watchdog) scanRule(ctx context.Context, rule boundRule) {
	docs, err := w.store.ListByState(ctx, rule.DocType, rule.State, rule.ExcludedSeries)
	if err != nil {
		w.logger.ErrorContext(ctx, "sla scan failed",
			"doc_type", rule.DocType, "state", rule.State, "error", err)
		return
	}

	now := w.now()
	fired := 0
	for _, doc := range docs {
		maxMinutes := doc.State.MaxMinutes
		if rule.MaxMinutesOverride > 0 {
			maxMinutes = rule.MaxMinutesOverride
		}
		if !nearlyExpired(doc.ElapsedInState(now), maxMinutes, rule.RunAfterExpiry) {
			continue
		}
		if err := rule.op.Run(ctx, doc, maxMinutes, rule.Params); err != nil {
			w.logger.ErrorContext(ctx, "sla operation failed",
				"operation", rule.OpName, "document_id", doc.ID, "error", err)
			continue
		}
		fired++
	}

	if fired > 0 {
		w.logger.InfoContext(ctx, "sla scan fired operations",
			"operation", rule.OpName,
			"doc_type", rule.DocType,
			"state", rule.State,
			"matched", fired,
			"scanned", len(docs),
		)
	}
}
