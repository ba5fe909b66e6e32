// Package budget decides whether a tenant may consume more of a metered
// resource this month. The governor only interprets counters; the counters
// themselves live in a Ledger owned by the metering layer.
package budget

import (
	"context"
	"fmt"
)

// Resource names a metered quantity.
type Resource string

const (
	ResourceTokens  Resource = "tokens"
	ResourceMinutes Resource = "minutes"
)

// degradeThreshold is the fraction of the monthly budget past which callers
// should prefer the cheaper generation path.
const degradeThreshold = 0.8

// Usage is the snapshot a decision was computed from.
type Usage struct {
	Used        float64 `json:"used"`
	Max         float64 `json:"max"`
	PercentUsed float64 `json:"percent_used"`
}

// Decision is the outcome of one budget check.
type Decision struct {
	Allowed  bool   `json:"allowed"`
	Degraded bool   `json:"degraded"`
	Exceeded bool   `json:"exceeded"`
	Reason   string `json:"reason,omitempty"`
	Usage    Usage  `json:"usage"`
}

// Summary pairs the per-resource decisions for dashboards.
type Summary struct {
	Tokens  Decision `json:"tokens"`
	Minutes Decision `json:"minutes"`
}

// Evaluate applies the budget rule to a usage counter. A max that is absent
// or non-positive means the resource is unlimited. Below 80% of the budget
// the call is allowed outright; from 80% it is allowed but degraded; at or
// past 100% it is refused with a localized hard-stop reason.
func Evaluate(used, max float64, res Resource, lang string) Decision {
	if max <= 0 {
		return Decision{Allowed: true, Usage: Usage{Used: used, Max: max}}
	}

	pct := used / max
	u := Usage{Used: used, Max: max, PercentUsed: pct}

	switch {
	case pct >= 1.0:
		return Decision{
			Exceeded: true,
			Reason:   exceededReason(res, lang),
			Usage:    u,
		}
	case pct >= degradeThreshold:
		return Decision{
			Allowed:  true,
			Degraded: true,
			Reason:   degradedReason(res, lang),
			Usage:    u,
		}
	default:
		return Decision{Allowed: true, Usage: u}
	}
}

// Governor reads the ledger and applies Evaluate.
type Governor struct {
	ledger Ledger
}

func NewGovernor(ledger Ledger) *Governor {
	return &Governor{ledger: ledger}
}

// Check evaluates one resource for a tenant. On a ledger read failure the
// call is allowed so a metering outage cannot take down live conversations;
// the error is returned for the caller to log.
func (g *Governor) Check(ctx context.Context, tenantID string, res Resource, max float64, lang string) (Decision, error) {
	used, err := g.ledger.Usage(ctx, tenantID, res)
	if err != nil {
		return Decision{Allowed: true, Usage: Usage{Max: max}}, fmt.Errorf("budget usage read for %s/%s: %w", tenantID, res, err)
	}
	return Evaluate(used, max, res, lang), nil
}

// Summarize evaluates both resources for a tenant.
func (g *Governor) Summarize(ctx context.Context, tenantID string, maxTokens, maxMinutes float64, lang string) (Summary, error) {
	tokens, err := g.Check(ctx, tenantID, ResourceTokens, maxTokens, lang)
	if err != nil {
		return Summary{}, err
	}
	minutes, err := g.Check(ctx, tenantID, ResourceMinutes, maxMinutes, lang)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Tokens: tokens, Minutes: minutes}, nil
}

func exceededReason(res Resource, lang string) string {
	if lang == "tr" {
		if res == ResourceMinutes {
			return "Aylık görüşme dakikası limitiniz doldu."
		}
		return "Aylık kullanım limitiniz doldu."
	}
	if res == ResourceMinutes {
		return "The monthly call-minute limit has been reached."
	}
	return "The monthly usage limit has been reached."
}

func degradedReason(res Resource, lang string) string {
	if lang == "tr" {
		return fmt.Sprintf("Aylık %s kullanımı %%80 eşiğini aştı.", string(res))
	}
	return fmt.Sprintf("Monthly %s usage passed the 80%% threshold.", string(res))
}
