package margin

import "math/big"

// desiredExposure computes the additional collateral-denominated
// exposure to borrow-and-swap on top of posted collateral:
// amount * (multiplier - LeverageBase) / LeverageBase.
func desiredExposure(amount *big.Int, multiplier uint64) *big.Int {
	extra := new(big.Int).SetUint64(multiplier - LeverageBase)
	desired := new(big.Int).Mul(amount, extra)
	return desired.Div(desired, big.NewInt(LeverageBase))
}

// healthFactor computes the Scale-scaled solvency ratio
//
//	traded * price(coll) * riskFactor(debt) / (debt * price(debt)) / adj
//
// where adj = 10^(priceDec(coll)+assetDec(coll)-priceDec(debt)-assetDec(debt))
// when that exponent is positive, else 1. The adjustment normalizes for
// both the oracle's per-asset price precision and each asset's native
// decimal count so the ratio is unit-consistent. riskFactor carries the
// Scale factor, so a result above Scale means solvent.
func healthFactor(traded, debt, riskFactor *big.Int, collQuote, debtQuote PriceQuote, collDecimals, debtDecimals uint8) *big.Int {
	num := new(big.Int).Mul(traded, collQuote.Price)
	num.Mul(num, riskFactor)

	den := new(big.Int).Mul(debt, debtQuote.Price)

	exp := int(collQuote.Decimals) + int(collDecimals) - int(debtQuote.Decimals) - int(debtDecimals)
	if exp > 0 {
		adj := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
		den.Mul(den, adj)
	}

	return num.Div(num, den)
}
