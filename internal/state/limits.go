package state

import (
	"sort"

	"github.com/shopspring/decimal"
)

// LimitKey identifies an uncollateralized credit line.
type LimitKey struct {
	Denom string
	User  string
}

// LoanLimits maps (market, user) to the maximum underlying-unit debt the user
// may hold without collateral. Set administratively; read by the borrow path
// to override the normal solvency check.
type LoanLimits struct {
	limits map[LimitKey]decimal.Decimal
}

func NewLoanLimits() *LoanLimits {
	return &LoanLimits{limits: make(map[LimitKey]decimal.Decimal)}
}

// Set updates a credit line. A zero limit revokes it.
func (ll *LoanLimits) Set(denom, user string, limit decimal.Decimal) {
	key := LimitKey{Denom: denom, User: user}
	if limit.Sign() <= 0 {
		delete(ll.limits, key)
		return
	}
	ll.limits[key] = limit
}

// Get returns the credit line for (denom, user), if any.
func (ll *LoanLimits) Get(denom, user string) (decimal.Decimal, bool) {
	limit, ok := ll.limits[LimitKey{Denom: denom, User: user}]
	return limit, ok
}

// All returns every limit in deterministic order (snapshot support).
func (ll *LoanLimits) All() []LimitEntry {
	out := make([]LimitEntry, 0, len(ll.limits))
	for k, v := range ll.limits {
		out = append(out, LimitEntry{Denom: k.Denom, User: k.User, Limit: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Denom != out[j].Denom {
			return out[i].Denom < out[j].Denom
		}
		return out[i].User < out[j].User
	})
	return out
}

type LimitEntry struct {
	Denom string
	User  string
	Limit decimal.Decimal
}
