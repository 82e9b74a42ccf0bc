package margin

import (
	"fmt"
	"math/big"
	"time"
)

// PriceSource is the external price oracle contract. Price is quoted
// against the oracle's reference currency at the returned decimal
// precision; a zero price signals an unsupported symbol.
type PriceSource interface {
	Quote(symbol string) (price *big.Int, decimals uint8, timestamp time.Time, err error)
}

// PricingAdapter resolves a registered asset to its custody symbol and
// queries the oracle for a live quote. Quotes are never persisted.
type PricingAdapter struct {
	source   PriceSource
	treasury *Treasury
}

// NewPricingAdapter creates an adapter over a price source, resolving
// symbols through the treasury's asset registry.
func NewPricingAdapter(source PriceSource, treasury *Treasury) *PricingAdapter {
	return &PricingAdapter{source: source, treasury: treasury}
}

// Quote returns the asset's live price, the oracle's decimal precision
// for it, and the quote timestamp. Fails for assets without a symbol
// and for symbols the oracle does not support.
func (p *PricingAdapter) Quote(asset string) (PriceQuote, error) {
	custodian, err := p.treasury.Custodian(asset)
	if err != nil {
		return PriceQuote{}, err
	}

	symbol := custodian.Symbol()
	if symbol == "" {
		return PriceQuote{}, fmt.Errorf("%w: %s", ErrEmptySymbol, asset)
	}

	price, decimals, timestamp, err := p.source.Quote(symbol)
	if err != nil {
		return PriceQuote{}, fmt.Errorf("oracle query failed for %s: %w", symbol, err)
	}
	if price == nil || price.Sign() <= 0 {
		return PriceQuote{}, fmt.Errorf("%w: %s", ErrAssetUnsupported, symbol)
	}

	return PriceQuote{
		Price:     new(big.Int).Set(price),
		Decimals:  decimals,
		Timestamp: timestamp,
	}, nil
}
