package authority

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var threshold = decimal.NewFromInt(69)

func TestPlanSwapFreshMarketLocksAndCreatesAccounts(t *testing.T) {
	plan := PlanSwap(SwapFacts{MarketQuoteReserve: decimal.Zero}, threshold)

	require.Equal(t, Uninitialized, plan.From)
	require.True(t, plan.NeedsLock)
	require.True(t, plan.NeedsCreateMarketQuoteATA)
	require.True(t, plan.NeedsCreateUserQuoteATA)
	require.True(t, plan.NeedsCreateUserBaseATA)
	require.False(t, plan.NeedsFree)
	require.False(t, plan.UserIsSwapAuthority())
}

func TestPlanSwapGraduatedMarketFreesAndHandsAuthorityToUser(t *testing.T) {
	plan := PlanSwap(SwapFacts{
		BadgeExists:          true,
		MarketQuoteATAExists: true,
		UserQuoteATAExists:   true,
		UserBaseATAExists:    true,
		MarketQuoteReserve:   decimal.NewFromInt(70),
	}, threshold)

	require.Equal(t, Free, plan.From)
	require.False(t, plan.NeedsLock)
	require.False(t, plan.NeedsCreateMarketQuoteATA)
	require.True(t, plan.NeedsFree)
	require.True(t, plan.UserIsSwapAuthority())
}

func TestPlanSwapThresholdIsInclusive(t *testing.T) {
	facts := SwapFacts{BadgeExists: true, MarketQuoteATAExists: true, MarketQuoteReserve: decimal.NewFromInt(69)}
	require.True(t, PlanSwap(facts, threshold).NeedsFree)

	facts.MarketQuoteReserve = decimal.RequireFromString("68.999999999")
	plan := PlanSwap(facts, threshold)
	require.False(t, plan.NeedsFree)
	require.Equal(t, Permissioned, plan.From)
}

func TestMissingReserveAccountNeverGraduates(t *testing.T) {
	plan := PlanSwap(SwapFacts{BadgeExists: true, MarketQuoteReserve: decimal.NewFromInt(1000)}, threshold)
	require.False(t, plan.NeedsFree)
	require.True(t, plan.NeedsCreateMarketQuoteATA)
}

func TestTransitionsOrder(t *testing.T) {
	require.Equal(t, []Step{StepLock, StepFree}, Transitions(false, true, decimal.NewFromInt(100), threshold))
	require.Equal(t, []Step{StepLock}, Transitions(false, true, decimal.NewFromInt(1), threshold))
	require.Empty(t, Transitions(true, true, decimal.NewFromInt(1), threshold))
}

func TestStateString(t *testing.T) {
	require.Equal(t, "uninitialized", Uninitialized.String())
	require.Equal(t, "permissioned", Permissioned.String())
	require.Equal(t, "free", Free.String())
	require.Equal(t, "unknown", State(9).String())
}
