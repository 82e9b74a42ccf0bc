package margin

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/log"
)

// Treasury tracks per-(account, asset) balance entries and per-asset
// pool totals, and moves the matching funds through each asset's
// external custody. Invariant: the sum of balance entries for an asset
// never exceeds its pool total, and pool totals never go negative.
type Treasury struct {
	vault      string
	custodians map[string]Custodian
	balances   map[string]map[string]*big.Int // account -> asset -> amount
	poolTotals map[string]*big.Int            // asset -> aggregate custodied amount
	events     *EventLog
	metrics    *Metrics
	logger     log.Logger
	mu         sync.RWMutex
}

// NewTreasury creates an empty treasury. vault is the custody account
// the treasury holds funds under.
func NewTreasury(vault string, events *EventLog, metrics *Metrics, logger log.Logger) *Treasury {
	return &Treasury{
		vault:      vault,
		custodians: make(map[string]Custodian),
		balances:   make(map[string]map[string]*big.Int),
		poolTotals: make(map[string]*big.Int),
		events:     events,
		metrics:    metrics,
		logger:     logger,
	}
}

// RegisterAsset binds an asset id to its custody contract.
func (t *Treasury) RegisterAsset(asset string, custodian Custodian) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if asset == "" {
		return fmt.Errorf("%w: empty asset id", ErrUnknownAsset)
	}
	if _, exists := t.custodians[asset]; exists {
		return fmt.Errorf("asset %s already registered", asset)
	}
	t.custodians[asset] = custodian
	return nil
}

// Custodian returns the custody contract for an asset.
func (t *Treasury) Custodian(asset string) (Custodian, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.custodians[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return c, nil
}

// Vault returns the treasury's custody account.
func (t *Treasury) Vault() string {
	return t.vault
}

// Deposit pulls amount of asset from the account's external custody
// into the treasury and credits its balance entry and the pool total.
// Either every sub-step succeeds or no state change is observable.
func (t *Treasury) Deposit(account, asset string, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	custodian, ok := t.custodians[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if custodian.BalanceOf(account).Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	if custodian.Allowance(account, t.vault).Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}

	// Pull funds first: a custody failure must leave the ledger
	// untouched, and the in-memory mutation below cannot fail.
	if err := custodian.TransferFrom(account, t.vault, amount); err != nil {
		return fmt.Errorf("custody pull failed: %w", err)
	}

	t.credit(account, asset, amount)
	t.addPool(asset, amount)

	t.events.Append(Event{Type: EventDeposit, Account: account, Asset: asset, Amount: new(big.Int).Set(amount)})
	t.metrics.recordDeposit(asset)
	t.logger.Info("deposit", "account", account, "asset", asset, "amount", amount.String())
	return nil
}

// Withdraw debits the account's balance entry and pool total and
// pushes the funds back to external custody.
func (t *Treasury) Withdraw(account, asset string, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	custodian, ok := t.custodians[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if t.balanceOf(account, asset).Cmp(amount) < 0 {
		return ErrInsufficientTreasury
	}

	if err := custodian.Transfer(account, amount); err != nil {
		return fmt.Errorf("custody push failed: %w", err)
	}

	t.debit(account, asset, amount)
	t.subPool(asset, amount)

	t.events.Append(Event{Type: EventWithdraw, Account: account, Asset: asset, Amount: new(big.Int).Set(amount)})
	t.metrics.recordWithdrawal(asset)
	t.logger.Info("withdraw", "account", account, "asset", asset, "amount", amount.String())
	return nil
}

// BalanceOf returns the account's balance entry for an asset.
func (t *Treasury) BalanceOf(account, asset string) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.balanceOf(account, asset))
}

// PoolTotal returns the aggregate custodied amount for an asset.
func (t *Treasury) PoolTotal(asset string) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if total, ok := t.poolTotals[asset]; ok {
		return new(big.Int).Set(total)
	}
	return new(big.Int)
}

// pullCollateral pulls position collateral from an account into
// custody. The amount joins the pool total but no balance entry: the
// collateral backs a position, not a withdrawable deposit.
func (t *Treasury) pullCollateral(account, asset string, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	custodian, ok := t.custodians[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if custodian.BalanceOf(account).Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	if custodian.Allowance(account, t.vault).Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := custodian.TransferFrom(account, t.vault, amount); err != nil {
		return fmt.Errorf("custody pull failed: %w", err)
	}
	t.addPool(asset, amount)
	return nil
}

// payOut transfers custodied funds out of the pool. Pool totals never
// go negative: paying out more than is held fails with no change.
func (t *Treasury) payOut(asset, to string, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	custodian, ok := t.custodians[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if t.poolTotal(asset).Cmp(amount) < 0 {
		return ErrPoolExceeded
	}
	if err := custodian.Transfer(to, amount); err != nil {
		return fmt.Errorf("custody push failed: %w", err)
	}
	t.subPool(asset, amount)
	return nil
}

// creditIn records funds the venue delivered into custody.
func (t *Treasury) creditIn(asset string, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addPool(asset, amount)
}

func (t *Treasury) balanceOf(account, asset string) *big.Int {
	if accountBalances, ok := t.balances[account]; ok {
		if amount, ok := accountBalances[asset]; ok {
			return amount
		}
	}
	return new(big.Int)
}

func (t *Treasury) poolTotal(asset string) *big.Int {
	if total, ok := t.poolTotals[asset]; ok {
		return total
	}
	return new(big.Int)
}

func (t *Treasury) credit(account, asset string, amount *big.Int) {
	accountBalances, ok := t.balances[account]
	if !ok {
		accountBalances = make(map[string]*big.Int)
		t.balances[account] = accountBalances
	}
	entry, ok := accountBalances[asset]
	if !ok {
		entry = new(big.Int)
		accountBalances[asset] = entry
	}
	entry.Add(entry, amount)
}

func (t *Treasury) debit(account, asset string, amount *big.Int) {
	// Balance entries are never deleted; they may reach zero.
	entry := t.balances[account][asset]
	entry.Sub(entry, amount)
}

func (t *Treasury) addPool(asset string, amount *big.Int) {
	total, ok := t.poolTotals[asset]
	if !ok {
		total = new(big.Int)
		t.poolTotals[asset] = total
	}
	total.Add(total, amount)
	t.metrics.setPoolTotal(asset, total)
}

func (t *Treasury) subPool(asset string, amount *big.Int) {
	total := t.poolTotals[asset]
	total.Sub(total, amount)
	t.metrics.setPoolTotal(asset, total)
}
