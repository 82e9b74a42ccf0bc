package margin

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
)

// DefaultLiquidationBonus is the Scale-scaled share of the collateral
// spent in a liquidation buy-back that is paid to the liquidator (5%).
var DefaultLiquidationBonus = new(big.Int).Div(Scale, big.NewInt(20))

// MarginEngine is the position lifecycle state machine. Every public
// operation is transactional: it either fully commits or leaves no
// observable state change, and a reentrancy guard rejects any nested
// entry from a venue callback while an operation is in flight.
type MarginEngine struct {
	treasury *Treasury
	risk     *RiskParams
	oracle   *PricingAdapter
	swaps    *SwapCoordinator
	events   *EventLog
	metrics  *Metrics
	logger   log.Logger

	positions map[string]*Position
	posMu     sync.RWMutex

	liquidationBonus *big.Int

	inFlight atomic.Bool
}

// NewMarginEngine wires the engine over its collaborators.
func NewMarginEngine(treasury *Treasury, risk *RiskParams, oracle *PricingAdapter, swaps *SwapCoordinator, events *EventLog, metrics *Metrics, logger log.Logger) *MarginEngine {
	return &MarginEngine{
		treasury:         treasury,
		risk:             risk,
		oracle:           oracle,
		swaps:            swaps,
		events:           events,
		metrics:          metrics,
		logger:           logger,
		positions:        make(map[string]*Position),
		liquidationBonus: new(big.Int).Set(DefaultLiquidationBonus),
	}
}

// Treasury returns the engine's treasury ledger.
func (e *MarginEngine) Treasury() *Treasury { return e.treasury }

// Risk returns the engine's risk parameter store.
func (e *MarginEngine) Risk() *RiskParams { return e.risk }

// Events returns the engine's domain event log.
func (e *MarginEngine) Events() *EventLog { return e.events }

// Metrics returns the engine's metrics, nil if disabled.
func (e *MarginEngine) Metrics() *Metrics { return e.metrics }

// enter sets the reentrancy guard for the duration of one guarded
// operation. Re-entry during an in-flight swap is rejected outright
// rather than interleaved.
func (e *MarginEngine) enter() error {
	if !e.inFlight.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

func (e *MarginEngine) exit() {
	e.inFlight.Store(false)
}

// OpenMarginPosition opens a leveraged position: it pulls amount of
// collateral from the caller, borrows against the debt asset's pool
// through the venue to reach the requested exposure, and commits the
// position only if the resulting health factor clears the solvency
// threshold. leverage is tenths-based (50 = 5.0x). Any failure rolls
// back every prior step, including the swap and the collateral pull.
func (e *MarginEngine) OpenMarginPosition(account, collateralAsset, debtAsset string, amount *big.Int, leverage uint64, key PoolKey, bounds SlippageBounds) (*Position, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()

	pos, err := e.open(account, collateralAsset, debtAsset, amount, leverage, key, bounds)
	if err != nil {
		e.metrics.recordRejection("open", Kind(err))
		return nil, err
	}
	return pos, nil
}

func (e *MarginEngine) open(account, collateralAsset, debtAsset string, amount *big.Int, leverage uint64, key PoolKey, bounds SlippageBounds) (*Position, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if collateralAsset == debtAsset {
		return nil, ErrSameAsset
	}
	if leverage <= LeverageBase {
		return nil, ErrInvalidLeverage
	}
	if existing := e.getPosition(account); existing != nil && existing.Open {
		return nil, ErrPositionOpen
	}

	collQuote, err := e.oracle.Quote(collateralAsset)
	if err != nil {
		return nil, err
	}
	debtQuote, err := e.oracle.Quote(debtAsset)
	if err != nil {
		return nil, err
	}
	collCustodian, err := e.treasury.Custodian(collateralAsset)
	if err != nil {
		return nil, err
	}
	debtCustodian, err := e.treasury.Custodian(debtAsset)
	if err != nil {
		return nil, err
	}

	desired := desiredExposure(amount, leverage)

	// Exact output: receive desired collateral, pay debt asset.
	params := SwapParams{
		Key:             key,
		AmountSpecified: new(big.Int).Neg(desired),
		ZeroForOne:      debtAsset == key.Token0,
		Bounds:          bounds,
	}
	leg, err := e.swaps.Request(params)
	if err != nil {
		return nil, err
	}
	if leg.payAsset != debtAsset || leg.receiveAsset != collateralAsset {
		return nil, fmt.Errorf("%w: pool key does not match position pair", ErrVenueMismatch)
	}

	candidate := &Position{
		Account:         account,
		CollateralAsset: collateralAsset,
		DebtAsset:       debtAsset,
		TradedAmount:    new(big.Int).Add(amount, desired),
		DebtAmount:      new(big.Int).Set(leg.payAmount),
		Open:            true,
		OpenTime:        time.Now(),
	}

	// Health check before anything moves: rejecting here needs no
	// unwinding at all.
	riskFactor := e.risk.RiskFactor(debtAsset)
	hf := healthFactor(candidate.TradedAmount, candidate.DebtAmount, riskFactor,
		collQuote, debtQuote, collCustodian.Decimals(), debtCustodian.Decimals())
	if hf.Cmp(Scale) <= 0 {
		return nil, ErrHealthFactorTooLow
	}

	if err := e.treasury.pullCollateral(account, collateralAsset, amount); err != nil {
		return nil, err
	}
	if err := e.swaps.Commit(params, leg); err != nil {
		// The swap never committed; returning the pulled collateral
		// restores the pre-operation state exactly.
		if refundErr := e.treasury.payOut(collateralAsset, account, amount); refundErr != nil {
			e.logger.Error("collateral refund failed", "account", account, "error", refundErr)
		}
		return nil, err
	}

	e.putPosition(candidate)

	e.events.Append(Event{
		Type:    EventPositionOpened,
		Account: account,
		Asset:   collateralAsset,
		Amount:  new(big.Int).Set(amount),
		Meta: map[string]interface{}{
			"debtAsset":    debtAsset,
			"tradedAmount": candidate.TradedAmount.String(),
			"debtAmount":   candidate.DebtAmount.String(),
			"leverage":     leverage,
			"healthFactor": hf.String(),
		},
	})
	e.metrics.recordOpen()
	e.logger.Info("position opened",
		"account", account,
		"collateral", collateralAsset,
		"debt", debtAsset,
		"traded", candidate.TradedAmount.String(),
		"borrowed", candidate.DebtAmount.String())

	return candidate.copy(), nil
}

// ClosePosition realizes the caller's open position: a reverse swap
// buys back exactly the debt amount from position collateral, the debt
// returns to its pool, and the net remaining collateral goes back to
// the owner.
func (e *MarginEngine) ClosePosition(account string, key PoolKey, bounds SlippageBounds) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if err := e.unwind(account, account, key, bounds, false); err != nil {
		e.metrics.recordRejection("close", Kind(err))
		return err
	}
	return nil
}

// Liquidate closes an unhealthy position on behalf of any caller. The
// caller earns a liquidation incentive out of the seized collateral;
// whatever remains after the debt buy-back and the incentive returns
// to the position owner.
func (e *MarginEngine) Liquidate(caller, account string, key PoolKey, bounds SlippageBounds) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()

	if err := e.unwind(caller, account, key, bounds, true); err != nil {
		e.metrics.recordRejection("liquidate", Kind(err))
		return err
	}
	return nil
}

// unwind is the shared close/liquidate path. caller is the initiating
// account; for liquidations it differs from the position owner.
func (e *MarginEngine) unwind(caller, account string, key PoolKey, bounds SlippageBounds, liquidation bool) error {
	pos := e.getPosition(account)
	if pos == nil || !pos.Open {
		return ErrNoOpenPosition
	}
	if pos.TradedAmount.Sign() <= 0 || pos.DebtAmount.Sign() <= 0 {
		return ErrPositionNotActive
	}

	collQuote, err := e.oracle.Quote(pos.CollateralAsset)
	if err != nil {
		return err
	}
	debtQuote, err := e.oracle.Quote(pos.DebtAsset)
	if err != nil {
		return err
	}

	if liquidation {
		hf, err := e.healthFactorOf(pos, collQuote, debtQuote)
		if err != nil {
			return err
		}
		if hf.Cmp(Scale) > 0 {
			return ErrPositionHealthy
		}
	}

	// Reverse swap, exact output: receive the full debt amount, pay
	// position collateral.
	params := SwapParams{
		Key:             key,
		AmountSpecified: new(big.Int).Neg(pos.DebtAmount),
		ZeroForOne:      pos.CollateralAsset == key.Token0,
		Bounds:          bounds,
	}
	leg, err := e.swaps.Request(params)
	if err != nil {
		return err
	}
	if leg.payAsset != pos.CollateralAsset || leg.receiveAsset != pos.DebtAsset {
		return fmt.Errorf("%w: pool key does not match position pair", ErrVenueMismatch)
	}
	if leg.receiveAmt.Cmp(pos.DebtAmount) != 0 {
		return fmt.Errorf("%w: buy-back output differs from debt", ErrVenueMismatch)
	}

	spent := leg.payAmount
	if spent.Cmp(pos.TradedAmount) > 0 {
		return ErrInsufficientPosition
	}

	if err := e.swaps.Commit(params, leg); err != nil {
		return err
	}

	remainder := new(big.Int).Sub(pos.TradedAmount, spent)
	bonus := new(big.Int)
	if liquidation && remainder.Sign() > 0 {
		bonus.Mul(spent, e.liquidationBonus)
		bonus.Div(bonus, Scale)
		if bonus.Cmp(remainder) > 0 {
			bonus.Set(remainder)
		}
		if bonus.Sign() > 0 {
			if err := e.treasury.payOut(pos.CollateralAsset, caller, bonus); err != nil {
				return err
			}
			remainder.Sub(remainder, bonus)
		}
	}
	if remainder.Sign() > 0 {
		if err := e.treasury.payOut(pos.CollateralAsset, account, remainder); err != nil {
			return err
		}
	}

	e.clearPosition(account)

	if liquidation {
		e.events.Append(Event{
			Type:    EventPositionLiquidated,
			Account: account,
			Asset:   pos.CollateralAsset,
			Amount:  new(big.Int).Set(spent),
			Meta: map[string]interface{}{
				"liquidator":         caller,
				"debtRepaid":         pos.DebtAmount.String(),
				"incentive":          bonus.String(),
				"collateralReturned": remainder.String(),
			},
		})
		e.metrics.recordLiquidation()
		e.logger.Info("position liquidated",
			"account", account, "liquidator", caller,
			"debtRepaid", pos.DebtAmount.String(), "incentive", bonus.String())
	} else {
		e.events.Append(Event{
			Type:    EventPositionClosed,
			Account: account,
			Asset:   pos.CollateralAsset,
			Amount:  new(big.Int).Set(spent),
			Meta: map[string]interface{}{
				"debtRepaid":         pos.DebtAmount.String(),
				"collateralReturned": remainder.String(),
			},
		})
		e.metrics.recordClose()
		e.logger.Info("position closed",
			"account", account, "debtRepaid", pos.DebtAmount.String(),
			"collateralReturned", remainder.String())
	}

	return nil
}

// HealthFactor computes the Scale-scaled solvency ratio of an existing
// open position from live quotes.
func (e *MarginEngine) HealthFactor(account string) (*big.Int, error) {
	pos := e.getPosition(account)
	if pos == nil || !pos.Open {
		return nil, ErrNoOpenPosition
	}
	if pos.TradedAmount.Sign() <= 0 || pos.DebtAmount.Sign() <= 0 {
		return nil, ErrPositionNotActive
	}

	collQuote, err := e.oracle.Quote(pos.CollateralAsset)
	if err != nil {
		return nil, err
	}
	debtQuote, err := e.oracle.Quote(pos.DebtAsset)
	if err != nil {
		return nil, err
	}
	return e.healthFactorOf(pos, collQuote, debtQuote)
}

// IsPositionHealthy reports whether the account's open position has a
// health factor above 1.0.
func (e *MarginEngine) IsPositionHealthy(account string) (bool, error) {
	hf, err := e.HealthFactor(account)
	if err != nil {
		return false, err
	}
	return hf.Cmp(Scale) > 0, nil
}

// GetPosition returns a copy of the account's position record, open or
// closed, nil if the account never opened one.
func (e *MarginEngine) GetPosition(account string) *Position {
	pos := e.getPosition(account)
	if pos == nil {
		return nil
	}
	return pos.copy()
}

func (e *MarginEngine) healthFactorOf(pos *Position, collQuote, debtQuote PriceQuote) (*big.Int, error) {
	collCustodian, err := e.treasury.Custodian(pos.CollateralAsset)
	if err != nil {
		return nil, err
	}
	debtCustodian, err := e.treasury.Custodian(pos.DebtAsset)
	if err != nil {
		return nil, err
	}
	riskFactor := e.risk.RiskFactor(pos.DebtAsset)
	return healthFactor(pos.TradedAmount, pos.DebtAmount, riskFactor,
		collQuote, debtQuote, collCustodian.Decimals(), debtCustodian.Decimals()), nil
}

func (e *MarginEngine) getPosition(account string) *Position {
	e.posMu.RLock()
	defer e.posMu.RUnlock()
	return e.positions[account]
}

func (e *MarginEngine) putPosition(pos *Position) {
	e.posMu.Lock()
	defer e.posMu.Unlock()
	e.positions[pos.Account] = pos
}

func (e *MarginEngine) clearPosition(account string) {
	e.posMu.Lock()
	defer e.posMu.Unlock()
	if pos, ok := e.positions[account]; ok {
		pos.Open = false
	}
}

func (p *Position) copy() *Position {
	cp := *p
	cp.TradedAmount = new(big.Int).Set(p.TradedAmount)
	cp.DebtAmount = new(big.Int).Set(p.DebtAmount)
	return &cp
}

// Kind labels an error with its failure category: validation, state,
// authorization, risk, liquidity or external.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrZeroAmount), errors.Is(err, ErrSameAsset),
		errors.Is(err, ErrInvalidLeverage), errors.Is(err, ErrUnknownAsset):
		return "validation"
	case errors.Is(err, ErrPositionOpen), errors.Is(err, ErrNoOpenPosition),
		errors.Is(err, ErrPositionNotActive), errors.Is(err, ErrReentrantCall):
		return "state"
	case errors.Is(err, ErrNotOwner):
		return "authorization"
	case errors.Is(err, ErrRiskFactorBounds), errors.Is(err, ErrHealthFactorTooLow),
		errors.Is(err, ErrPositionHealthy):
		return "risk"
	case errors.Is(err, ErrInsufficientTreasury), errors.Is(err, ErrPoolExceeded),
		errors.Is(err, ErrInsufficientPosition):
		return "liquidity"
	default:
		return "external"
	}
}
