package ledger

import "strings"

// CostTable maps model identifiers to credit costs. It is built once at
// startup and is read-only afterwards.
type CostTable struct {
	costs map[string]int
}

// NewCostTable copies the given mapping.
func NewCostTable(costs map[string]int) CostTable {
	cp := make(map[string]int, len(costs))
	for model, cost := range costs {
		model = strings.TrimSpace(model)
		if model == "" || cost < 0 {
			continue
		}
		cp[model] = cost
	}
	return CostTable{costs: cp}
}

// Cost returns the credit cost of a model. Unknown models cost 0.
func (t CostTable) Cost(model string) int {
	return t.costs[strings.TrimSpace(model)]
}

// Has reports whether the model has an explicit entry.
func (t CostTable) Has(model string) bool {
	_, ok := t.costs[strings.TrimSpace(model)]
	return ok
}

// Len returns the number of configured models.
func (t CostTable) Len() int {
	return len(t.costs)
}
