package repo

import (
	"context"

	"flanes/internal/domain"
	"flanes/internal/ledger"
)

// Budget is a per-lane resource ceiling with an alert threshold, stored in
// Lane.Metadata["budget"] as a plain map so it round-trips through
// canonical JSON without a bespoke ledger column.
type Budget struct {
	TokensIn       int64   `json:"tokens_in,omitempty"`
	TokensOut      int64   `json:"tokens_out,omitempty"`
	APICalls       int64   `json:"api_calls,omitempty"`
	WallTimeMS     int64   `json:"wall_time_ms,omitempty"`
	AlertThreshold float64 `json:"alert_threshold,omitempty"` // fraction 0..1, 0 means unset
}

// budgetFromMetadata extracts a Budget from a lane's free-form metadata map,
// tolerating absence (zero Budget, no limits) and the two shapes json
// round-tripping through map[string]any produces: float64 (fresh unmarshal)
// or the original numeric type (in-memory ledger backend, no marshal step).
func budgetFromMetadata(metadata map[string]any) Budget {
	var b Budget
	raw, ok := metadata["budget"]
	if !ok {
		return b
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return b
	}
	b.TokensIn = asInt64(m["tokens_in"])
	b.TokensOut = asInt64(m["tokens_out"])
	b.APICalls = asInt64(m["api_calls"])
	b.WallTimeMS = asInt64(m["wall_time_ms"])
	b.AlertThreshold = asFloat64(m["alert_threshold"])
	return b
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

// checkBudget consults the lane's aggregated accepted cost against its
// configured budget and fails BudgetExceeded before a transition is
// created, per spec.md 4.4's budget enforcement section. Crossing the alert
// threshold only logs a warning; it never blocks.
func (r *Repository) checkBudget(ctx context.Context, lane domain.Lane) error {
	budget := budgetFromMetadata(lane.Metadata)
	if budget.TokensIn == 0 && budget.TokensOut == 0 && budget.APICalls == 0 && budget.WallTimeMS == 0 {
		return nil // no limits configured
	}
	history, err := r.Ledger.History(ctx, ledger.HistoryFilter{Lane: lane.Name, Status: domain.StatusAccepted})
	if err != nil {
		return err
	}
	var total domain.CostRecord
	for _, t := range history {
		total = total.Add(t.Cost)
	}
	over := func(used, limit int64) bool { return limit > 0 && used > limit }
	if over(total.TokensIn, budget.TokensIn) || over(total.TokensOut, budget.TokensOut) ||
		over(total.APICalls, budget.APICalls) || over(total.WallTimeMS, budget.WallTimeMS) {
		return domain.Newf(domain.ErrBudgetExceeded, "lane %q exceeded its configured budget", lane.Name).
			WithField("cost", total).WithField("budget", budget)
	}
	if budget.AlertThreshold > 0 {
		nearLimit := func(used, limit int64) bool {
			return limit > 0 && float64(used) >= float64(limit)*budget.AlertThreshold
		}
		if nearLimit(total.TokensIn, budget.TokensIn) || nearLimit(total.TokensOut, budget.TokensOut) ||
			nearLimit(total.APICalls, budget.APICalls) || nearLimit(total.WallTimeMS, budget.WallTimeMS) {
			r.log.WarnContext(ctx, "lane approaching budget threshold", "lane", lane.Name, "threshold", budget.AlertThreshold)
		}
	}
	return nil
}
