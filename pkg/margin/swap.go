package margin

import (
	"fmt"
	"math/big"

	"github.com/luxfi/log"
)

// SwapParams describes one atomic exchange against a venue pool.
// AmountSpecified is signed: positive requests an exact input,
// negative an exact output. ZeroForOne sets the trade direction
// relative to the pool key's token ordering.
type SwapParams struct {
	Key             PoolKey
	AmountSpecified *big.Int
	ZeroForOne      bool
	Bounds          SlippageBounds
}

// SettlementDelta is the net amount owed per side of the pair after a
// swap, from the venue's perspective: a positive amount is owed to the
// venue, a negative amount is owed to the caller.
type SettlementDelta struct {
	Amount0 *big.Int
	Amount1 *big.Int
}

// SettleFunc settles a delta against custody. The venue invokes it
// synchronously inside CommitSwap, before the swap is externally
// committed.
type SettleFunc func(delta SettlementDelta) error

// SwapVenue is the external swap venue contract, split into an
// explicit two-phase protocol: RequestSwap computes the settlement
// delta without committing anything, CommitSwap finalizes a previously
// requested swap and calls back into settle to move custody within the
// same atomic operation. A settle error must leave the swap
// uncommitted.
type SwapVenue interface {
	RequestSwap(params SwapParams) (SettlementDelta, error)
	CommitSwap(params SwapParams, delta SettlementDelta, settle SettleFunc) error

	// Account is the venue's custody account, the counterparty of
	// every settlement transfer.
	Account() string
}

// swapLeg is a settlement delta resolved against the pool key: which
// asset the treasury pays, which it receives, and how much of each.
type swapLeg struct {
	payAsset     string
	payAmount    *big.Int
	receiveAsset string
	receiveAmt   *big.Int
}

// SwapCoordinator executes atomic exchanges with the venue and settles
// the resulting deltas against the treasury, enforcing slippage bounds
// and the pool-solvency invariant before anything is committed.
type SwapCoordinator struct {
	venue    SwapVenue
	treasury *Treasury
	logger   log.Logger
}

// NewSwapCoordinator creates a coordinator over a venue and treasury.
func NewSwapCoordinator(venue SwapVenue, treasury *Treasury, logger log.Logger) *SwapCoordinator {
	return &SwapCoordinator{venue: venue, treasury: treasury, logger: logger}
}

// Request asks the venue for the settlement delta of params without
// committing. The returned leg is validated against the requested pair
// and the slippage bounds.
func (c *SwapCoordinator) Request(params SwapParams) (swapLeg, error) {
	delta, err := c.venue.RequestSwap(params)
	if err != nil {
		return swapLeg{}, fmt.Errorf("venue request failed: %w", err)
	}

	leg, err := resolveLeg(params.Key, delta)
	if err != nil {
		return swapLeg{}, err
	}

	if params.Bounds.MaxIn != nil && leg.payAmount.Cmp(params.Bounds.MaxIn) > 0 {
		return swapLeg{}, ErrSlippageExceeded
	}
	if params.Bounds.MinOut != nil && leg.receiveAmt.Cmp(params.Bounds.MinOut) < 0 {
		return swapLeg{}, ErrSlippageExceeded
	}

	return leg, nil
}

// Commit finalizes a requested swap: it re-checks that the amount
// being lent out does not exceed the paying asset's pool total, then
// lets the venue commit while settling the delta against custody in
// the venue's callback. On any failure nothing is committed.
func (c *SwapCoordinator) Commit(params SwapParams, leg swapLeg) error {
	if c.treasury.PoolTotal(leg.payAsset).Cmp(leg.payAmount) < 0 {
		return ErrPoolExceeded
	}

	delta := leg.delta(params.Key)
	settle := func(d SettlementDelta) error {
		settled, err := resolveLeg(params.Key, d)
		if err != nil {
			return err
		}
		if settled.payAmount.Cmp(leg.payAmount) != 0 || settled.receiveAmt.Cmp(leg.receiveAmt) != 0 {
			return fmt.Errorf("%w: committed delta differs from requested", ErrVenueMismatch)
		}
		if err := c.treasury.payOut(settled.payAsset, c.venue.Account(), settled.payAmount); err != nil {
			return err
		}
		c.treasury.creditIn(settled.receiveAsset, settled.receiveAmt)
		return nil
	}

	if err := c.venue.CommitSwap(params, delta, settle); err != nil {
		return fmt.Errorf("venue settlement failed: %w", err)
	}

	c.logger.Debug("swap settled",
		"paid", leg.payAmount.String(), "payAsset", leg.payAsset,
		"received", leg.receiveAmt.String(), "receiveAsset", leg.receiveAsset)
	return nil
}

// resolveLeg splits a signed delta into pay/receive sides. Exactly one
// side must be owed to the venue and one to the treasury.
func resolveLeg(key PoolKey, delta SettlementDelta) (swapLeg, error) {
	a0, a1 := delta.Amount0, delta.Amount1
	if a0 == nil || a1 == nil {
		return swapLeg{}, fmt.Errorf("%w: missing delta side", ErrVenueMismatch)
	}

	switch {
	case a0.Sign() > 0 && a1.Sign() < 0:
		return swapLeg{
			payAsset:     key.Token0,
			payAmount:    new(big.Int).Set(a0),
			receiveAsset: key.Token1,
			receiveAmt:   new(big.Int).Neg(a1),
		}, nil
	case a1.Sign() > 0 && a0.Sign() < 0:
		return swapLeg{
			payAsset:     key.Token1,
			payAmount:    new(big.Int).Set(a1),
			receiveAsset: key.Token0,
			receiveAmt:   new(big.Int).Neg(a0),
		}, nil
	default:
		return swapLeg{}, fmt.Errorf("%w: ambiguous delta signs", ErrVenueMismatch)
	}
}

// delta converts a leg back to the signed per-side representation.
func (l swapLeg) delta(key PoolKey) SettlementDelta {
	d := SettlementDelta{Amount0: new(big.Int), Amount1: new(big.Int)}
	if l.payAsset == key.Token0 {
		d.Amount0.Set(l.payAmount)
		d.Amount1.Neg(l.receiveAmt)
	} else {
		d.Amount1.Set(l.payAmount)
		d.Amount0.Neg(l.receiveAmt)
	}
	return d
}
