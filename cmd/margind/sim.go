package main

import (
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/godsgiftsoftware/spotnet/pkg/margin"
)

// Dev-mode stand-ins for the external contracts: an in-memory token, a
// random-walk price feed and an oracle-priced swap venue. They let the
// daemon run a full position lifecycle without any chain connectivity.

type simToken struct {
	symbol     string
	decimals   uint8
	balances   map[string]*big.Int
	allowances map[string]map[string]*big.Int
	vault      string
	mu         sync.Mutex
}

func newSimToken(symbol string, decimals uint8, vault string) *simToken {
	return &simToken{
		symbol:     symbol,
		decimals:   decimals,
		balances:   make(map[string]*big.Int),
		allowances: make(map[string]map[string]*big.Int),
		vault:      vault,
	}
}

func (t *simToken) Symbol() string  { return t.symbol }
func (t *simToken) Decimals() uint8 { return t.decimals }

func (t *simToken) BalanceOf(account string) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.balances[account]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (t *simToken) Allowance(owner, spender string) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.allowances[owner][spender]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

func (t *simToken) Transfer(to string, amount *big.Int) error {
	return t.move(t.vault, to, amount)
}

func (t *simToken) TransferFrom(from, to string, amount *big.Int) error {
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

func (t *simToken) mint(account string, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.balances[account] == nil {
		t.balances[account] = new(big.Int)
	}
	t.balances[account].Add(t.balances[account], amount)
}

func (t *simToken) approve(owner, spender string, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[string]*big.Int)
	}
	t.allowances[owner][spender] = new(big.Int).Set(amount)
}

func (t *simToken) move(from, to string, amount *big.Int) error {
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

// simPriceFeed serves prices that drift in a bounded random walk, so
// health factors move and liquidations become reachable in dev mode.
type simPriceFeed struct {
	mu     sync.Mutex
	prices map[string]*big.Int
	dec    map[string]uint8
	rng    *rand.Rand
}

func newSimPriceFeed() *simPriceFeed {
	return &simPriceFeed{
		prices: make(map[string]*big.Int),
		dec:    make(map[string]uint8),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (f *simPriceFeed) set(symbol string, price *big.Int, decimals uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = new(big.Int).Set(price)
	f.dec[symbol] = decimals
}

func (f *simPriceFeed) Quote(symbol string) (*big.Int, uint8, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.prices[symbol]
	if !ok {
		return new(big.Int), 0, time.Now(), nil
	}
	return new(big.Int).Set(price), f.dec[symbol], time.Now(), nil
}

// drift nudges one price up or down by up to 20 basis points.
func (f *simPriceFeed) drift(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.prices[symbol]
	if !ok {
		return
	}
	bps := int64(f.rng.Intn(41) - 20)
	delta := new(big.Int).Mul(price, big.NewInt(bps))
	delta.Div(delta, big.NewInt(10_000))
	price.Add(price, delta)
}

// simVenue fills exact-output requests at the feed's prices with no
// fee, delivering the output side from its own inventory.
type simVenue struct {
	account string
	vault   string
	tokens  map[string]*simToken
	feed    *simPriceFeed
}

func newSimVenue(vault string, feed *simPriceFeed, tokens map[string]*simToken) *simVenue {
	return &simVenue{
		account: "sim-venue",
		vault:   vault,
		tokens:  tokens,
		feed:    feed,
	}
}

func (v *simVenue) Account() string { return v.account }

func (v *simVenue) RequestSwap(params margin.SwapParams) (margin.SettlementDelta, error) {
	if params.AmountSpecified == nil || params.AmountSpecified.Sign() >= 0 {
		return margin.SettlementDelta{}, fmt.Errorf("sim venue fills exact output only")
	}

	payAsset, recvAsset := params.Key.Token1, params.Key.Token0
	if params.ZeroForOne {
		payAsset, recvAsset = params.Key.Token0, params.Key.Token1
	}

	out := new(big.Int).Neg(params.AmountSpecified)
	pay, err := v.convert(out, recvAsset, payAsset)
	if err != nil {
		return margin.SettlementDelta{}, err
	}

	delta := margin.SettlementDelta{Amount0: new(big.Int), Amount1: new(big.Int)}
	if payAsset == params.Key.Token0 {
		delta.Amount0.Set(pay)
		delta.Amount1.Neg(out)
	} else {
		delta.Amount1.Set(pay)
		delta.Amount0.Neg(out)
	}
	return delta, nil
}

func (v *simVenue) CommitSwap(params margin.SwapParams, delta margin.SettlementDelta, settle margin.SettleFunc) error {
	recvAsset, recvAmt := params.Key.Token0, new(big.Int).Neg(delta.Amount0)
	if delta.Amount1.Sign() < 0 {
		recvAsset, recvAmt = params.Key.Token1, new(big.Int).Neg(delta.Amount1)
	}

	token, ok := v.tokens[recvAsset]
	if !ok {
		return fmt.Errorf("sim venue: unknown asset %s", recvAsset)
	}
	if err := token.move(v.account, v.vault, recvAmt); err != nil {
		return err
	}
	if err := settle(delta); err != nil {
		if undoErr := token.move(v.vault, v.account, recvAmt); undoErr != nil {
			return undoErr
		}
		return err
	}
	return nil
}

// convert prices out units of outAsset into the equivalent amount of
// inAsset at the feed's quotes.
func (v *simVenue) convert(out *big.Int, outAsset, inAsset string) (*big.Int, error) {
	outToken, ok := v.tokens[outAsset]
	if !ok {
		return nil, fmt.Errorf("sim venue: unknown asset %s", outAsset)
	}
	inToken, ok := v.tokens[inAsset]
	if !ok {
		return nil, fmt.Errorf("sim venue: unknown asset %s", inAsset)
	}

	outPrice, outDec, _, _ := v.feed.Quote(outToken.Symbol())
	inPrice, inDec, _, _ := v.feed.Quote(inToken.Symbol())
	if outPrice.Sign() <= 0 || inPrice.Sign() <= 0 {
		return nil, fmt.Errorf("sim venue: no price for pair %s/%s", outAsset, inAsset)
	}

	in := new(big.Int).Mul(out, outPrice)
	in.Mul(in, pow10(int(inToken.Decimals())+int(inDec)))
	in.Div(in, inPrice)
	in.Div(in, pow10(int(outToken.Decimals())+int(outDec)))
	return in, nil
}

func pow10(exp int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}
