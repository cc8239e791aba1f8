package rules

import (
	"fmt"
	"math"
)

// ValidationResult carries the outcome of a client-side order pre-check.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// epsilon tolerance for step/tick divisibility checks.
const epsilon = 1e-8

// Validator pre-checks orders against cached symbol rules, saving the
// round-trip cost of an exchange rejection.
type Validator struct {
	cache *Cache
}

// NewValidator creates a validator over the rules cache.
func NewValidator(cache *Cache) *Validator {
	return &Validator{cache: cache}
}

// Validate checks price and quantity against the symbol's filters. When no
// rules are cached for the symbol the order fails closed.
func (v *Validator) Validate(symbol string, price, qty float64) ValidationResult {
	r, ok := v.cache.GetRules(symbol)
	if !ok {
		return ValidationResult{Valid: false, Errors: []string{
			fmt.Sprintf("no trading rules cached for %s", symbol),
		}}
	}
	return ValidateAgainst(r, price, qty)
}

// ValidateAgainst checks an order against an explicit rule set.
func ValidateAgainst(r SymbolRules, price, qty float64) ValidationResult {
	var errors []string

	if r.Status != "ENABLED" {
		errors = append(errors, fmt.Sprintf("symbol %s is not enabled for trading (status %s)", r.Symbol, r.Status))
	}
	if r.MinQty > 0 && qty < r.MinQty {
		errors = append(errors, fmt.Sprintf("quantity %v below minQty %v", qty, r.MinQty))
	}
	if r.MaxQty > 0 && qty > r.MaxQty {
		errors = append(errors, fmt.Sprintf("quantity %v above maxQty %v", qty, r.MaxQty))
	}
	if r.StepSize > 0 && !isMultiple(qty, r.StepSize) {
		errors = append(errors, fmt.Sprintf("quantity %v is not a multiple of stepSize %v", qty, r.StepSize))
	}
	if r.MinNotional > 0 && price*qty < r.MinNotional {
		errors = append(errors, fmt.Sprintf("notional %v below minNotional %v", price*qty, r.MinNotional))
	}
	if r.TickSize > 0 && price > 0 && !isMultiple(price, r.TickSize) {
		errors = append(errors, fmt.Sprintf("price %v is not a multiple of tickSize %v", price, r.TickSize))
	}

	return ValidationResult{Valid: len(errors) == 0, Errors: errors}
}

func isMultiple(v, unit float64) bool {
	ratio := v / unit
	return math.Abs(ratio-math.Round(ratio)) < epsilon
}
