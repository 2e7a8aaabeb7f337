// Package authority models who may swap against a mill market.
//
// A market starts Uninitialized (no swap-authority badge), becomes Permissioned
// once lockMarket installs the server authority, and becomes Free once its quote
// reserve reaches the graduation threshold. Free is terminal.
package authority

import (
	"github.com/shopspring/decimal"
)

type State int

const (
	Uninitialized State = iota
	Permissioned
	Free
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Permissioned:
		return "permissioned"
	case Free:
		return "free"
	default:
		return "unknown"
	}
}

type Step string

const (
	StepLock Step = "lockMarket"
	StepFree Step = "freeMarket"
)

// Graduated reports whether a quote reserve, in UI units, has reached threshold.
// A reserve held by an account that does not exist never graduates.
func Graduated(reserveExists bool, quoteReserve, threshold decimal.Decimal) bool {
	return reserveExists && quoteReserve.GreaterThanOrEqual(threshold)
}

// Resolve derives the state of a market from its observable facts.
func Resolve(badgeExists, reserveExists bool, quoteReserve, threshold decimal.Decimal) State {
	if Graduated(reserveExists, quoteReserve, threshold) {
		return Free
	}
	if badgeExists {
		return Permissioned
	}
	return Uninitialized
}

// Transitions lists the steps that move a market from its current facts to the
// state in which the next swap executes.
func Transitions(badgeExists, reserveExists bool, quoteReserve, threshold decimal.Decimal) []Step {
	var steps []Step
	if !badgeExists {
		steps = append(steps, StepLock)
	}
	if Graduated(reserveExists, quoteReserve, threshold) {
		steps = append(steps, StepFree)
	}
	return steps
}

// SwapFacts is everything the swap planner needs to know about the chain.
type SwapFacts struct {
	BadgeExists          bool
	MarketQuoteATAExists bool
	UserQuoteATAExists   bool
	UserBaseATAExists    bool
	// MarketQuoteReserve is the market quote balance in UI units.
	MarketQuoteReserve decimal.Decimal
}

type SwapPlan struct {
	From                      State
	NeedsLock                 bool
	NeedsCreateMarketQuoteATA bool
	NeedsCreateUserQuoteATA   bool
	NeedsCreateUserBaseATA    bool
	NeedsFree                 bool
}

// PlanSwap decides which preparatory instructions precede a permissioned swap.
func PlanSwap(facts SwapFacts, threshold decimal.Decimal) SwapPlan {
	steps := Transitions(facts.BadgeExists, facts.MarketQuoteATAExists, facts.MarketQuoteReserve, threshold)
	plan := SwapPlan{
		From:                      Resolve(facts.BadgeExists, facts.MarketQuoteATAExists, facts.MarketQuoteReserve, threshold),
		NeedsCreateMarketQuoteATA: !facts.MarketQuoteATAExists,
		NeedsCreateUserQuoteATA:   !facts.UserQuoteATAExists,
		NeedsCreateUserBaseATA:    !facts.UserBaseATAExists,
	}
	for _, step := range steps {
		switch step {
		case StepLock:
			plan.NeedsLock = true
		case StepFree:
			plan.NeedsFree = true
		}
	}
	return plan
}

// UserIsSwapAuthority is true once the market is freed within the same transaction.
func (p SwapPlan) UserIsSwapAuthority() bool {
	return p.NeedsFree
}
