package state

import (
	"errors"
	"fmt"
)

// Typed failure surface. Every command either succeeds atomically or returns
// one of these (possibly wrapped with context).
var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrMarketNotFound      = errors.New("market not found")
	ErrMarketExists        = errors.New("market already initialized")
	ErrUserNotFound        = errors.New("user record not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotLiquidatable     = errors.New("borrower position is healthy")
	ErrExceedsCollateral   = errors.New("seizure exceeds available collateral")
	ErrInsolvent           = errors.New("position would be insolvent")
	ErrNoPrice             = errors.New("no oracle price for asset")
	ErrRepayTooSmall       = errors.New("repay amount below dust threshold")
)

// ValidationError reports the first violated config or market parameter rule,
// naming the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type fieldCheck struct {
	ok     bool
	field  string
	reason string
}

// allConditionsValid evaluates checks eagerly in declaration order and
// returns a ValidationError for the first violated one, preserving a stable
// user-facing error ordering.
func allConditionsValid(checks []fieldCheck) error {
	for _, c := range checks {
		if !c.ok {
			return &ValidationError{Field: c.field, Reason: c.reason}
		}
	}
	return nil
}
