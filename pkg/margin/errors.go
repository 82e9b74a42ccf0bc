package margin

import "errors"

// Validation errors.
var (
	ErrZeroAmount      = errors.New("amount must be positive")
	ErrSameAsset       = errors.New("collateral and debt asset must differ")
	ErrInvalidLeverage = errors.New("leverage multiplier must exceed 1.0x")
	ErrUnknownAsset    = errors.New("asset not registered")
)

// State errors.
var (
	ErrPositionOpen      = errors.New("account already has an open position")
	ErrNoOpenPosition    = errors.New("no open position for account")
	ErrPositionNotActive = errors.New("position has zero traded or debt amount")
	ErrReentrantCall     = errors.New("reentrant call rejected")
)

// Authorization errors.
var (
	ErrNotOwner = errors.New("caller is not the owner")
)

// Risk errors.
var (
	ErrRiskFactorBounds   = errors.New("risk factor outside [0.1, 1.0]")
	ErrHealthFactorTooLow = errors.New("health factor below threshold")
	ErrPositionHealthy    = errors.New("position is healthy")
)

// Liquidity errors.
var (
	ErrInsufficientTreasury = errors.New("amount exceeds treasury balance")
	ErrPoolExceeded         = errors.New("borrow exceeds pool total")
	ErrInsufficientPosition = errors.New("swap spends more than position collateral")
)

// External collaborator errors.
var (
	ErrEmptySymbol           = errors.New("asset has no symbol")
	ErrAssetUnsupported      = errors.New("oracle does not support asset")
	ErrInsufficientFunds     = errors.New("external balance too low")
	ErrInsufficientAllowance = errors.New("allowance too low")
	ErrSlippageExceeded      = errors.New("settlement delta outside slippage bounds")
	ErrVenueMismatch         = errors.New("settlement delta does not match requested pair")
)
