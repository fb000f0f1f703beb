package costs

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Number renders an amount as a bare JSON number. decimal.Decimal on its own
// marshals as a quoted string.
func Number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

// Numbers renders every amount of m as a bare JSON number. A nil map stays nil.
func Numbers(m map[string]decimal.Decimal) map[string]json.Number {
	if m == nil {
		return nil
	}
	out := make(map[string]json.Number, len(m))
	for k, v := range m {
		out[k] = Number(v)
	}
	return out
}
