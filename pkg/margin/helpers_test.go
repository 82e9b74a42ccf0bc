package margin

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/log"
)

const (
	testVault = "treasury-vault"
	testOwner = "owner"
)

func testLogger() log.Logger {
	level, _ := log.ToLevel("info")
	return log.NewTestLogger(level)
}

// testToken is an in-memory custody contract with standard
// fungible-asset semantics. Transfer spends from the treasury vault.
type testToken struct {
	symbol     string
	decimals   uint8
	balances   map[string]*big.Int
	allowances map[string]map[string]*big.Int
	mu         sync.Mutex
}

func newTestToken(symbol string, decimals uint8) *testToken {
	return &testToken{
		symbol:     symbol,
		decimals:   decimals,
		balances:   make(map[string]*big.Int),
		allowances: make(map[string]map[string]*big.Int),
	}
}

func (t *testToken) Symbol() string  { return t.symbol }
func (t *testToken) Decimals() uint8 { return t.decimals }

func (t *testToken) BalanceOf(account string) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.balances[account]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (t *testToken) Allowance(owner, spender string) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.allowances[owner][spender]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

func (t *testToken) Transfer(to string, amount *big.Int) error {
	return t.move(testVault, to, amount)
}

func (t *testToken) TransferFrom(from, to string, amount *big.Int) error {
	t.mu.Lock()
	allowance, ok := t.allowances[from][to]
	if !ok || allowance.Cmp(amount) < 0 {
		t.mu.Unlock()
		return fmt.Errorf("%s: allowance too low", t.symbol)
	}
	allowance.Sub(allowance, amount)
	t.mu.Unlock()
	return t.move(from, to, amount)
}

func (t *testToken) Mint(account string, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.balances[account] == nil {
		t.balances[account] = new(big.Int)
	}
	t.balances[account].Add(t.balances[account], amount)
}

func (t *testToken) Approve(owner, spender string, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[string]*big.Int)
	}
	t.allowances[owner][spender] = new(big.Int).Set(amount)
}

func (t *testToken) move(from, to string, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	balance := t.balances[from]
	if balance == nil || balance.Cmp(amount) < 0 {
		return fmt.Errorf("%s: balance too low", t.symbol)
	}
	balance.Sub(balance, amount)
	if t.balances[to] == nil {
		t.balances[to] = new(big.Int)
	}
	t.balances[to].Add(t.balances[to], amount)
	return nil
}

// testPriceSource serves fixed prices per symbol. Unknown symbols get
// a zero price, the oracle's signal for unsupported assets.
type testPriceSource struct {
	mu     sync.Mutex
	prices map[string]*big.Int
	dec    map[string]uint8
}

func newTestPriceSource() *testPriceSource {
	return &testPriceSource{
		prices: make(map[string]*big.Int),
		dec:    make(map[string]uint8),
	}
}

func (s *testPriceSource) SetPrice(symbol string, price *big.Int, decimals uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = new(big.Int).Set(price)
	s.dec[symbol] = decimals
}

func (s *testPriceSource) Quote(symbol string) (*big.Int, uint8, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	price, ok := s.prices[symbol]
	if !ok {
		return new(big.Int), 0, time.Now(), nil
	}
	return new(big.Int).Set(price), s.dec[symbol], time.Now(), nil
}

// testVenue is an oracle-priced, fee-free venue over the test tokens.
// Exact-output requests are priced by value equality against the test
// price source. CommitSwap delivers the received side into the vault
// and calls settle before committing, like the real callback protocol.
type testVenue struct {
	account string
	tokens  map[string]*testToken
	prices  *testPriceSource

	requestErr error
	commitErr  error
	onCommit   func() // re-entry hook, runs inside CommitSwap

	requests int
	commits  int
}

func newTestVenue(prices *testPriceSource, tokens map[string]*testToken) *testVenue {
	return &testVenue{
		account: "venue",
		tokens:  tokens,
		prices:  prices,
	}
}

func (v *testVenue) Account() string { return v.account }

func (v *testVenue) RequestSwap(params SwapParams) (SettlementDelta, error) {
	v.requests++
	if v.requestErr != nil {
		return SettlementDelta{}, v.requestErr
	}
	if params.AmountSpecified.Sign() >= 0 {
		return SettlementDelta{}, errors.New("test venue handles exact output only")
	}

	payAsset, recvAsset := params.Key.Token1, params.Key.Token0
	if params.ZeroForOne {
		payAsset, recvAsset = params.Key.Token0, params.Key.Token1
	}

	out := new(big.Int).Neg(params.AmountSpecified)
	pay := v.convert(out, recvAsset, payAsset)

	delta := SettlementDelta{Amount0: new(big.Int), Amount1: new(big.Int)}
	if payAsset == params.Key.Token0 {
		delta.Amount0.Set(pay)
		delta.Amount1.Neg(out)
	} else {
		delta.Amount1.Set(pay)
		delta.Amount0.Neg(out)
	}
	return delta, nil
}

func (v *testVenue) CommitSwap(params SwapParams, delta SettlementDelta, settle SettleFunc) error {
	if v.commitErr != nil {
		return v.commitErr
	}
	if v.onCommit != nil {
		v.onCommit()
	}

	leg, err := resolveLeg(params.Key, delta)
	if err != nil {
		return err
	}

	// Deliver the output side, then hand control back for settlement.
	// A settle failure unwinds the delivery: nothing commits.
	recvToken := v.tokens[leg.receiveAsset]
	if err := recvToken.move(v.account, testVault, leg.receiveAmt); err != nil {
		return err
	}
	if err := settle(delta); err != nil {
		if undoErr := recvToken.move(testVault, v.account, leg.receiveAmt); undoErr != nil {
			return undoErr
		}
		return err
	}

	v.commits++
	return nil
}

// convert prices outAmount of outAsset into the equivalent amount of
// inAsset by oracle value: in = out * price(out) * 10^dec(in) /
// (price(in) * 10^dec(out)). Both test prices share a decimal count,
// so price precision cancels.
func (v *testVenue) convert(outAmount *big.Int, outAsset, inAsset string) *big.Int {
	outToken, inToken := v.tokens[outAsset], v.tokens[inAsset]
	outPrice, _, _, _ := v.prices.Quote(outToken.Symbol())
	inPrice, _, _, _ := v.prices.Quote(inToken.Symbol())

	in := new(big.Int).Mul(outAmount, outPrice)
	in.Mul(in, pow10(int(inToken.Decimals())))
	in.Div(in, inPrice)
	in.Div(in, pow10(int(outToken.Decimals())))
	return in
}

func pow10(exp int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

// testEnv is a fully wired engine over two assets:
// ETH (18 decimals, 2000.00) collateral and USDC (6 decimals, 1.00).
type testEnv struct {
	engine   *MarginEngine
	treasury *Treasury
	risk     *RiskParams
	prices   *testPriceSource
	venue    *testVenue
	eth      *testToken
	usdc     *testToken
	key      PoolKey
}

func newTestEnv() *testEnv {
	logger := testLogger()

	eth := newTestToken("ETH", 18)
	usdc := newTestToken("USDC", 6)

	prices := newTestPriceSource()
	prices.SetPrice("ETH", big.NewInt(2000_00000000), 8)
	prices.SetPrice("USDC", big.NewInt(1_00000000), 8)

	events := NewEventLog()
	treasury := NewTreasury(testVault, events, nil, logger)
	treasury.RegisterAsset("eth", eth)
	treasury.RegisterAsset("usdc", usdc)

	venue := newTestVenue(prices, map[string]*testToken{"eth": eth, "usdc": usdc})

	access := NewAccessController(testOwner)
	risk := NewRiskParams(access, logger)
	oracle := NewPricingAdapter(prices, treasury)
	swaps := NewSwapCoordinator(venue, treasury, logger)
	engine := NewMarginEngine(treasury, risk, oracle, swaps, events, nil, logger)

	return &testEnv{
		engine:   engine,
		treasury: treasury,
		risk:     risk,
		prices:   prices,
		venue:    venue,
		eth:      eth,
		usdc:     usdc,
		key:      PoolKey{Token0: "usdc", Token1: "eth"},
	}
}

// fundDepositor seeds the USDC pool so positions can borrow from it.
func (env *testEnv) fundDepositor(account string, amount *big.Int) {
	env.usdc.Mint(account, amount)
	env.usdc.Approve(account, testVault, amount)
	if err := env.treasury.Deposit(account, "usdc", amount); err != nil {
		panic(err)
	}
}

// fundTrader mints and approves ETH collateral for an account.
func (env *testEnv) fundTrader(account string, amount *big.Int) {
	env.eth.Mint(account, amount)
	env.eth.Approve(account, testVault, amount)
}

// setRiskFactor sets the USDC risk factor as the owner, as a fraction
// of Scale (e.g. 8, 10 for 0.8).
func (env *testEnv) setRiskFactor(asset string, num, den int64) {
	value := new(big.Int).Mul(Scale, big.NewInt(num))
	value.Div(value, big.NewInt(den))
	if err := env.risk.SetRiskFactor(testOwner, asset, value); err != nil {
		panic(err)
	}
}

// venue liquidity so CommitSwap can deliver outputs.
func (env *testEnv) fundVenue(ethAmount, usdcAmount *big.Int) {
	env.eth.Mint(env.venue.account, ethAmount)
	env.usdc.Mint(env.venue.account, usdcAmount)
}
