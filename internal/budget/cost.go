package budget

import (
	"github.com/jkaninda/xpilot/internal/domain"
)

// Rate is the unit price of one action kind.
type Rate struct {
	X        float64 `json:"x" yaml:"x"`                   // Flat X usage cost.
	PerItemX float64 `json:"per_item_x" yaml:"per_item_x"` // Added per item beyond the first.
	LLM      float64 `json:"llm" yaml:"llm"`               // Flat LLM cost.
	Tokens   int     `json:"tokens" yaml:"tokens"`         // Default token estimate, priced at LLMPricePer1K.
}

// CostTable maps action kinds to rates. Unknown kinds are free.
type CostTable struct {
	Rates         map[domain.ActionKind]Rate `json:"rates" yaml:"rates"`
	LLMPricePer1K float64                    `json:"llm_price_per_1k" yaml:"llm_price_per_1k"`
}

// DefaultCostTable returns the built-in price list.
func DefaultCostTable() CostTable {
	return CostTable{
		LLMPricePer1K: 1.00,
		Rates: map[domain.ActionKind]Rate{
			domain.ActionMetricsConfirmed: {X: 1.00, PerItemX: 0.01},
			domain.ActionMetricsSnapshot:  {X: 0.25},
			domain.ActionSearchX:          {X: 0.50},
			domain.ActionSearchWeb:        {LLM: 0.05},
			domain.ActionFetch:            {LLM: 0.02},
			domain.ActionGenerate:         {Tokens: 2000},
			domain.ActionPlan:             {LLM: 0.50},
			domain.ActionPost:             {X: 1.00},
			domain.ActionReply:            {X: 1.00, Tokens: 100},
			domain.ActionQuote:            {X: 1.00, Tokens: 100},
			domain.ActionLike:             {X: 0.50},
		},
	}
}

// Merge overlays the non-zero parts of o onto t.
func (t CostTable) Merge(o CostTable) CostTable {
	out := CostTable{
		Rates:         make(map[domain.ActionKind]Rate, len(t.Rates)+len(o.Rates)),
		LLMPricePer1K: t.LLMPricePer1K,
	}
	for k, r := range t.Rates {
		out.Rates[k] = r
	}
	for k, r := range o.Rates {
		out.Rates[k] = r
	}
	if o.LLMPricePer1K > 0 {
		out.LLMPricePer1K = o.LLMPricePer1K
	}
	return out
}

// Estimate returns the deterministic cost of a. The same action always
// yields the same cost.
func (t CostTable) Estimate(a domain.Action) domain.Cost {
	r, ok := t.Rates[a.Kind]
	if !ok {
		return domain.Cost{}
	}
	items := a.Items
	if items < 1 {
		items = 1
	}
	tokens := r.Tokens
	if a.MaxTokens > 0 && r.Tokens > 0 {
		tokens = a.MaxTokens
	}
	return domain.Cost{
		X:         r.X + r.PerItemX*float64(items-1),
		LLM:       r.LLM + float64(tokens)/1000*t.LLMPricePer1K,
		LLMTokens: int64(tokens),
	}
}

// PriceTokens converts a reported token count into LLM spend.
func (t CostTable) PriceTokens(tokens int64) float64 {
	return float64(tokens) / 1000 * t.LLMPricePer1K
}
