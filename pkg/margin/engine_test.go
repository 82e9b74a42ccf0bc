package margin

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	oneETH  = big.NewInt(1_000_000_000_000_000_000)
	poolUSD = big.NewInt(10_000_000_000) // 10,000 USDC at 6 decimals
)

func TestOpenMarginPosition(t *testing.T) {
	t.Run("leveraged open borrows and trades to target exposure", func(t *testing.T) {
		env := newTestEnv()
		env.setRiskFactor("usdc", 8, 10)
		env.fundDepositor("lp", poolUSD)
		env.fundTrader("alice", oneETH)
		env.fundVenue(new(big.Int).Mul(oneETH, big.NewInt(10)), poolUSD)

		// 3.0x: post 1 ETH, borrow enough USDC to buy 2 more.
		pos, err := env.engine.OpenMarginPosition("alice", "eth", "usdc", oneETH, 30, env.key, SlippageBounds{})
		require.NoError(t, err)

		assert.Equal(t, "alice", pos.Account)
		assert.True(t, pos.Open)
		assert.Equal(t, new(big.Int).Mul(oneETH, big.NewInt(3)), pos.TradedAmount)
		// 2 ETH at 2000.00 costs 4,000 USDC.
		assert.Equal(t, big.NewInt(4_000_000_000), pos.DebtAmount)

		// Collateral left the trader's wallet.
		assert.Equal(t, int64(0), env.eth.BalanceOf("alice").Int64())
		// Pool totals: collateral + bought ETH in, borrowed USDC out.
		assert.Equal(t, new(big.Int).Mul(oneETH, big.NewInt(3)), env.treasury.PoolTotal("eth"))
		assert.Equal(t, big.NewInt(6_000_000_000), env.treasury.PoolTotal("usdc"))
		assert.Equal(t, 1, env.venue.commits)

		events := env.engine.Events().List(1)
		require.Len(t, events, 1)
		assert.Equal(t, EventPositionOpened, events[0].Type)
		assert.Equal(t, "alice", events[0].Account)
	})

	t.Run("rejects invalid requests", func(t *testing.T) {
		env := newTestEnv()
		env.setRiskFactor("usdc", 8, 10)
		env.fundTrader("alice", oneETH)

		_, err := env.engine.OpenMarginPosition("alice", "eth", "usdc", big.NewInt(0), 30, env.key, SlippageBounds{})
		assert.ErrorIs(t, err, ErrZeroAmount)

		_, err = env.engine.OpenMarginPosition("alice", "eth", "eth", oneETH, 30, env.key, SlippageBounds{})
		assert.ErrorIs(t, err, ErrSameAsset)

		// Leverage at or below 1.0x borrows nothing.
		_, err = env.engine.OpenMarginPosition("alice", "eth", "usdc", oneETH, LeverageBase, env.key, SlippageBounds{})
		assert.ErrorIs(t, err, ErrInvalidLeverage)
		_, err = env.engine.OpenMarginPosition("alice", "eth", "usdc", oneETH, 5, env.key, SlippageBounds{})
		assert.ErrorIs(t, err, ErrInvalidLeverage)

		_, err = env.engine.OpenMarginPosition("alice", "doge", "usdc", oneETH, 30, env.key, SlippageBounds{})
		assert.ErrorIs(t, err, ErrUnknownAsset)
	})

	t.Run("one open position per account", func(t *testing.T) {
		env := newTestEnv()
		env.setRiskFactor("usdc", 8, 10)
		env.fundDepositor("lp", poolUSD)
		env.fundTrader("alice", new(big.Int).Mul(oneETH, big.NewInt(2)))
		env.fundVenue(new(big.Int).Mul(oneETH, big.NewInt(10)), poolUSD)

		_, err := env.engine.OpenMarginPosition("alice", "eth", "usdc", oneETH, 30, env.key, SlippageBounds{})
		require.NoError(t, err)

		_, err = env.engine.OpenMarginPosition("alice", "eth", "usdc", oneETH, 30, env.key, SlippageBounds{})
		assert.ErrorIs(t, err, ErrPositionOpen)
	})

	t.Run("insolvent open rejected with no state change", func(t *testing.T) {
		env := newTestEnv()
		env.setRiskFactor("usdc", 8, 10)
		env.fundDepositor("lp", poolUSD)
		env.fundTrader("alice", oneETH)
		env.fundVenue(new(big.Int).Mul(oneETH, big.NewInt(10)), poolUSD)

		// 5.0x at risk factor 0.8 lands exactly on the threshold, which
		// is not above it.
		_, err := env.engine.OpenMarginPosition("alice", "eth", "usdc", oneETH, 50, env.key, SlippageBounds{})
		require.ErrorIs(t, err, ErrHealthFactorTooLow)

		assert.Equal(t, oneETH, env.eth.BalanceOf("alice"))
		assert.Equal(t, int64(0), env.treasury.PoolTotal("eth").Int64())
		assert.Equal(t, poolUSD, env.treasury.PoolTotal("usdc"))
		assert.Equal(t, 0, env.venue.commits)
		assert.Nil(t, env.engine.GetPosition("alice"))
	})

	t.Run("borrow exceeding pool refunds collateral", func(t *testing.T) {
		env := newTestEnv()
		env.setRiskFactor("usdc", 8, 10)
		// No depositor: the USDC pool is empty.
		env.fundTrader("alice", oneETH)
		env.fundVenue(new(big.Int).Mul(oneETH, big.NewInt(10)), poolUSD)

		_, err := env.engine.OpenMarginPosition("alice", "eth", "usdc", oneETH, 30, env.key, SlippageBounds{})
		require.ErrorIs(t, err, ErrPoolExceeded)

		assert.Equal(t, oneETH, env.eth.BalanceOf("alice"))
		assert.Equal(t, int64(0), env.treasury.PoolTotal("eth").Int64())
		assert.Equal(t, 0, env.venue.commits)
		assert.Nil(t, env.engine.GetPosition("alice"))
	})

	t.Run("slippage bounds cap the borrowed amount", func(t *testing.T) {
		env := newTestEnv()
		env.setRiskFactor("usdc", 8, 10)
		env.fundDepositor("lp", poolUSD)
		env.fundTrader("alice", oneETH)
		env.fundVenue(new(big.Int).Mul(oneETH, big.NewInt(10)), poolUSD)

		// The venue needs 4,000 USDC; allow at most 3,999.
		bounds := SlippageBounds{MaxIn: big.NewInt(3_999_000_000)}
		_, err := env.engine.OpenMarginPosition("alice", "eth", "usdc", oneETH, 30, env.key, bounds)
		require.ErrorIs(t, err, ErrSlippageExceeded)

		assert.Equal(t, oneETH, env.eth.BalanceOf("alice"))
		assert.Equal(t, 0, env.venue.commits)
	})
}

func TestClosePosition(t *testing.T) {
	t.Run("close repays debt and returns net collateral", func(t *testing.T) {
		env := newTestEnv()
		env.setRiskFactor("usdc", 8, 10)
		env.fundDepositor("lp", poolUSD)
		env.fundTrader("alice", oneETH)
		env.fundVenue(new(big.Int).Mul(oneETH, big.NewInt(10)), new(big.Int).Mul(poolUSD, big.NewInt(2)))

		_, err := env.engine.OpenMarginPosition("alice", "eth", "usdc", oneETH, 30, env.key, SlippageBounds{})
		require.NoError(t, err)

		require.NoError(t, env.engine.ClosePosition("alice", env.key, SlippageBounds{}))

		// Flat price and no fees: the buy-back costs 2 ETH, the
		// original 1 ETH collateral comes home.
		assert.Equal(t, oneETH, env.eth.BalanceOf("alice"))
		assert.Equal(t, int64(0), env.treasury.PoolTotal("eth").Int64())
		assert.Equal(t, poolUSD, env.treasury.PoolTotal("usdc"))

		// The record survives closed; only one open position at a time.
		pos := env.engine.GetPosition("alice")
		require.NotNil(t, pos)
		assert.False(t, pos.Open)

		events := env.engine.Events().List(1)
		require.Len(t, events, 1)
		assert.Equal(t, EventPositionClosed, events[0].Type)
	})

	t.Run("close without an open position", func(t *testing.T) {
		env := newTestEnv()
		err := env.engine.ClosePosition("alice", env.key, SlippageBounds{})
		assert.ErrorIs(t, err, ErrNoOpenPosition)
	})

	t.Run("double close", func(t *testing.T) {
		env := newTestEnv()
		env.setRiskFactor("usdc", 8, 10)
		env.fundDepositor("lp", poolUSD)
		env.fundTrader("alice", oneETH)
		env.fundVenue(new(big.Int).Mul(oneETH, big.NewInt(10)), new(big.Int).Mul(poolUSD, big.NewInt(2)))

		_, err := env.engine.OpenMarginPosition("alice", "eth", "usdc", oneETH, 30, env.key, SlippageBounds{})
		require.NoError(t, err)
		require.NoError(t, env.engine.ClosePosition("alice", env.key, SlippageBounds{}))

		err = env.engine.ClosePosition("alice", env.key, SlippageBounds{})
		assert.ErrorIs(t, err, ErrNoOpenPosition)
	})
}

func TestLiquidate(t *testing.T) {
	openAt3x := func(t *testing.T) *testEnv {
		env := newTestEnv()
		env.setRiskFactor("usdc", 8, 10)
		env.fundDepositor("lp", poolUSD)
		env.fundTrader("alice", oneETH)
		env.fundVenue(new(big.Int).Mul(oneETH, big.NewInt(10)), new(big.Int).Mul(poolUSD, big.NewInt(2)))

		_, err := env.engine.OpenMarginPosition("alice", "eth", "usdc", oneETH, 30, env.key, SlippageBounds{})
		require.NoError(t, err)
		return env
	}

	t.Run("healthy position cannot be liquidated", func(t *testing.T) {
		env := openAt3x(t)
		err := env.engine.Liquidate("bob", "alice", env.key, SlippageBounds{})
		assert.ErrorIs(t, err, ErrPositionHealthy)

		pos := env.engine.GetPosition("alice")
		require.NotNil(t, pos)
		assert.True(t, pos.Open)
	})

	t.Run("underwater position pays the liquidator", func(t *testing.T) {
		env := openAt3x(t)

		// ETH drops to 1500.00: health factor falls to 0.9.
		env.prices.SetPrice("ETH", big.NewInt(1500_00000000), 8)
		healthy, err := env.engine.IsPositionHealthy("alice")
		require.NoError(t, err)
		require.False(t, healthy)

		pos := env.engine.GetPosition("alice")
		require.NoError(t, env.engine.Liquidate("bob", "alice", env.key, SlippageBounds{}))

		// Buying back 4,000 USDC at 1500 costs 2.666... ETH; the 5%
		// incentive comes out of that spent amount, capped by what is
		// left of the position.
		spent := env.venue.convert(pos.DebtAmount, "usdc", "eth")
		bonus := new(big.Int).Mul(spent, DefaultLiquidationBonus)
		bonus.Div(bonus, Scale)
		remainder := new(big.Int).Sub(pos.TradedAmount, spent)
		remainder.Sub(remainder, bonus)

		assert.Equal(t, bonus, env.eth.BalanceOf("bob"))
		assert.Equal(t, remainder, env.eth.BalanceOf("alice"))
		// The seized collateral fully covers debt, incentive and refund.
		assert.Equal(t, int64(0), env.treasury.PoolTotal("eth").Int64())
		assert.Equal(t, poolUSD, env.treasury.PoolTotal("usdc"))

		closed := env.engine.GetPosition("alice")
		require.NotNil(t, closed)
		assert.False(t, closed.Open)

		events := env.engine.Events().List(1)
		require.Len(t, events, 1)
		assert.Equal(t, EventPositionLiquidated, events[0].Type)
		assert.Equal(t, "bob", events[0].Meta["liquidator"])
	})

	t.Run("no position to liquidate", func(t *testing.T) {
		env := newTestEnv()
		err := env.engine.Liquidate("bob", "alice", env.key, SlippageBounds{})
		assert.ErrorIs(t, err, ErrNoOpenPosition)
	})
}

func TestHealthFactor(t *testing.T) {
	env := newTestEnv()
	env.setRiskFactor("usdc", 8, 10)
	env.fundDepositor("lp", poolUSD)
	env.fundTrader("alice", oneETH)
	env.fundVenue(new(big.Int).Mul(oneETH, big.NewInt(10)), poolUSD)

	_, err := env.engine.OpenMarginPosition("alice", "eth", "usdc", oneETH, 30, env.key, SlippageBounds{})
	require.NoError(t, err)

	// 3 ETH * 2000 * 0.8 / 4000 = 1.2
	hf, err := env.engine.HealthFactor("alice")
	require.NoError(t, err)
	expected := new(big.Int).Mul(Scale, big.NewInt(12))
	expected.Div(expected, big.NewInt(10))
	assert.Equal(t, expected, hf)

	healthy, err := env.engine.IsPositionHealthy("alice")
	require.NoError(t, err)
	assert.True(t, healthy)

	// Health tracks the collateral price monotonically.
	env.prices.SetPrice("ETH", big.NewInt(1500_00000000), 8)
	lower, err := env.engine.HealthFactor("alice")
	require.NoError(t, err)
	assert.Equal(t, -1, lower.Cmp(hf))

	healthy, err = env.engine.IsPositionHealthy("alice")
	require.NoError(t, err)
	assert.False(t, healthy)

	_, err = env.engine.HealthFactor("nobody")
	assert.ErrorIs(t, err, ErrNoOpenPosition)
}

func TestReentrancyGuard(t *testing.T) {
	env := newTestEnv()
	env.setRiskFactor("usdc", 8, 10)
	env.fundDepositor("lp", new(big.Int).Mul(poolUSD, big.NewInt(2)))
	env.fundTrader("alice", oneETH)
	env.fundTrader("mallory", oneETH)
	env.fundVenue(new(big.Int).Mul(oneETH, big.NewInt(10)), poolUSD)

	// The venue callback tries to start a second operation while the
	// first is still settling.
	var nestedErr error
	env.venue.onCommit = func() {
		_, nestedErr = env.engine.OpenMarginPosition("mallory", "eth", "usdc", oneETH, 30, env.key, SlippageBounds{})
	}

	_, err := env.engine.OpenMarginPosition("alice", "eth", "usdc", oneETH, 30, env.key, SlippageBounds{})
	require.NoError(t, err)
	assert.ErrorIs(t, nestedErr, ErrReentrantCall)

	// Only the outer operation committed.
	assert.Equal(t, 1, env.venue.commits)
	assert.Nil(t, env.engine.GetPosition("mallory"))
	assert.Equal(t, oneETH, env.eth.BalanceOf("mallory"))

	// The guard resets once the operation finishes.
	env.venue.onCommit = nil
	_, err = env.engine.OpenMarginPosition("mallory", "eth", "usdc", oneETH, 30, env.key, SlippageBounds{})
	require.NoError(t, err)
}
