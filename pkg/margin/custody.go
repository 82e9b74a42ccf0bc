package margin

import "math/big"

// Custodian is the external custody contract for a fungible asset.
// Standard fungible-asset semantics: the treasury acts as the spender
// for deposits and as the sender for withdrawals and payouts.
type Custodian interface {
	// Symbol returns the externally-known symbol used for oracle
	// lookups. An empty symbol marks the asset as unquotable.
	Symbol() string

	// Decimals returns the asset's native decimal count.
	Decimals() uint8

	// BalanceOf returns the externally-held balance of an account.
	BalanceOf(account string) *big.Int

	// Allowance returns how much spender may pull from owner.
	Allowance(owner, spender string) *big.Int

	// Transfer moves funds from the caller's custody to another
	// account.
	Transfer(to string, amount *big.Int) error

	// TransferFrom pulls previously approved funds.
	TransferFrom(from, to string, amount *big.Int) error
}
