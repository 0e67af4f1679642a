// Package sla watches documents whose lifecycle state carries a time budget
// and runs a configured operation when two thirds of the budget have
// elapsed.
package sla

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"docflow/internal/document"
)

// Params carries the per-rule operation parameters.
type Params map[string]string

// Operation is a unit of work the watchdog can run on a matching document.
// maxMinutes is the effective budget the scan matched against, which differs
// from doc.State.MaxMinutes when the rule carries an override.
type Operation interface {
	Run(ctx context.Context, doc *document.Document, maxMinutes int, params Params) error
}

// Rule binds one document population to one operation. Operations are looked
// up by name so rules can come from configuration.
type Rule struct {
	DocType string
	State   string
	// OpName must resolve in the registry at startup.
	OpName string
	Params Params
	// MaxMinutesOverride replaces the state's own budget when positive.
	MaxMinutesOverride int
	// RunAfterExpiry keeps firing once the budget is fully exceeded. With it
	// unset the rule only fires inside the 2/3..budget window.
	RunAfterExpiry bool
	ExcludedSeries []string
}

// Registry maps operation names to implementations. Resolution happens once
// at startup so a misconfigured rule fails the boot, not a 3am scan.
type Registry struct {
	ops map[string]Operation
}

func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Operation)}
}

func (r *Registry) Register(name string, op Operation) {
	r.ops[name] = op
}

// Resolve returns the operation for name or an error naming the known set.
func (r *Registry) Resolve(name string) (Operation, error) {
	op, ok := r.ops[name]
	if !ok {
		known := make([]string, 0, len(r.ops))
		for k := range r.ops {
			known = append(known, k)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("unknown sla operation %q (registered: %v)", name, known)
	}
	return op, nil
}

// nearlyExpired reports whether the elapsed time sits past two thirds of the
// budget, and inside the budget unless the rule also runs after expiry.
func nearlyExpired(elapsed time.Duration, maxMinutes int, runAfterExpiry bool) bool {
	if maxMinutes <= 0 {
		return false
	}
	elapsedMinutes := elapsed.Minutes()
	threshold := float64(maxMinutes) / 3 * 2
	return elapsedMinutes > threshold && (elapsedMinutes < float64(maxMinutes) || runAfterExpiry)
}

// formatMinutes renders a duration as "2d 3h 15m", truncating each unit.
// Negative durations (a budget already blown) read as zero.
func formatMinutes(minutes float64) string {
	total := int(math.Trunc(minutes))
	if total < 0 {
		total = 0
	}
	return fmt.Sprintf("%dd %dh %dm", total/(24*60), (total%(24*60))/60, total%60)
}
