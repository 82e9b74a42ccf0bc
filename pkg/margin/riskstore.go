package margin

import (
	"math/big"
	"sync"

	"github.com/luxfi/log"
)

// RiskParams stores the per-asset risk factor: a Scale-scaled fraction
// in [0.1, 1.0] discounting collateral value when assessing solvency.
// Writes are owner-gated.
type RiskParams struct {
	access  *AccessController
	factors map[string]*big.Int
	logger  log.Logger
	mu      sync.RWMutex
}

// NewRiskParams creates an empty store gated by access.
func NewRiskParams(access *AccessController, logger log.Logger) *RiskParams {
	return &RiskParams{
		access:  access,
		factors: make(map[string]*big.Int),
		logger:  logger,
	}
}

// SetRiskFactor overwrites the asset's risk factor. The caller must be
// the owner and value*10/Scale must lie in [1, 10].
func (r *RiskParams) SetRiskFactor(caller, asset string, value *big.Int) error {
	if err := r.access.RequireOwner(caller); err != nil {
		return err
	}
	if value == nil {
		return ErrRiskFactorBounds
	}

	scaled := new(big.Int).Mul(value, big.NewInt(LeverageBase))
	scaled.Div(scaled, Scale)
	if scaled.Cmp(big.NewInt(1)) < 0 || scaled.Cmp(big.NewInt(LeverageBase)) > 0 {
		return ErrRiskFactorBounds
	}

	r.mu.Lock()
	r.factors[asset] = new(big.Int).Set(value)
	r.mu.Unlock()

	r.logger.Info("risk factor set", "asset", asset, "value", value.String())
	return nil
}

// RiskFactor returns the asset's risk factor, zero if never configured.
func (r *RiskParams) RiskFactor(asset string) *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if factor, ok := r.factors[asset]; ok {
		return new(big.Int).Set(factor)
	}
	return new(big.Int)
}
