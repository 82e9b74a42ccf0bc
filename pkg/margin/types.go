// Package margin implements a margin-trading ledger and risk engine:
// it custodies deposited assets, opens leveraged positions by borrowing
// one asset against another through an external swap venue, and
// continuously evaluates whether open positions remain solvent.
package margin

import (
	"math/big"
	"time"
)

// Scale is the fixed-point scaling constant used to represent
// fractional values (risk factors, health factors) as integers.
var Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)

// LeverageBase represents 1.0x leverage in the multiplier's
// tenths-based fixed-point unit (e.g. multiplier 50 = 5.0x).
const LeverageBase = 10

// PoolKey identifies a venue pool by its ordered token pair.
type PoolKey struct {
	Token0 string `json:"token0"`
	Token1 string `json:"token1"`
}

// SlippageBounds limits how much a swap may pay or must receive.
// A nil bound is unbounded.
type SlippageBounds struct {
	MaxIn  *big.Int
	MinOut *big.Int
}

// Position is a leveraged position keyed by account. TradedAmount is
// the collateral-denominated exposure after leverage, DebtAmount the
// borrowed quantity realized by the opening swap. An account holds at
// most one open position at a time.
type Position struct {
	Account         string    `json:"account"`
	CollateralAsset string    `json:"collateralAsset"`
	DebtAsset       string    `json:"debtAsset"`
	TradedAmount    *big.Int  `json:"tradedAmount"`
	DebtAmount      *big.Int  `json:"debtAmount"`
	Open            bool      `json:"open"`
	OpenTime        time.Time `json:"openTime"`
}

// PriceQuote is a live oracle quote for an asset. Not persisted.
type PriceQuote struct {
	Price     *big.Int
	Decimals  uint8
	Timestamp time.Time
}
