package margin

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/database"
)

// Ledger state is persisted under composite keys with an index entry
// naming every stored record, so a snapshot round-trips without
// database iteration:
//
//	ledger:index                 -> ledgerIndex
//	balance:<account>:<asset>    -> big.Int
//	pool:<asset>                 -> big.Int
//	position:<account>           -> Position
//	risk:<asset>                 -> big.Int
const ledgerIndexKey = "ledger:index"

type ledgerIndex struct {
	Balances   [][2]string `json:"balances"` // (account, asset) pairs
	Pools      []string    `json:"pools"`
	Positions  []string    `json:"positions"`
	RiskAssets []string    `json:"riskAssets"`
}

func balanceKey(account, asset string) []byte {
	return []byte(fmt.Sprintf("balance:%s:%s", account, asset))
}

func poolKey(asset string) []byte {
	return []byte("pool:" + asset)
}

func positionKey(account string) []byte {
	return []byte("position:" + account)
}

func riskKey(asset string) []byte {
	return []byte("risk:" + asset)
}

// SaveSnapshot writes the full ledger state to db in one batch.
func (e *MarginEngine) SaveSnapshot(db database.Database) error {
	batch := db.NewBatch()
	defer batch.Reset()

	var index ledgerIndex

	e.treasury.mu.RLock()
	for account, assets := range e.treasury.balances {
		for asset, amount := range assets {
			if err := putJSON(batch, balanceKey(account, asset), amount); err != nil {
				e.treasury.mu.RUnlock()
				return err
			}
			index.Balances = append(index.Balances, [2]string{account, asset})
		}
	}
	for asset, total := range e.treasury.poolTotals {
		if err := putJSON(batch, poolKey(asset), total); err != nil {
			e.treasury.mu.RUnlock()
			return err
		}
		index.Pools = append(index.Pools, asset)
	}
	e.treasury.mu.RUnlock()

	e.posMu.RLock()
	for account, pos := range e.positions {
		if err := putJSON(batch, positionKey(account), pos); err != nil {
			e.posMu.RUnlock()
			return err
		}
		index.Positions = append(index.Positions, account)
	}
	e.posMu.RUnlock()

	e.risk.mu.RLock()
	for asset, factor := range e.risk.factors {
		if err := putJSON(batch, riskKey(asset), factor); err != nil {
			e.risk.mu.RUnlock()
			return err
		}
		index.RiskAssets = append(index.RiskAssets, asset)
	}
	e.risk.mu.RUnlock()

	if err := putJSON(batch, []byte(ledgerIndexKey), &index); err != nil {
		return err
	}
	return batch.Write()
}

// LoadSnapshot restores ledger state previously written by
// SaveSnapshot. A missing index means a fresh start, not an error.
func (e *MarginEngine) LoadSnapshot(db database.Database) error {
	raw, err := db.Get([]byte(ledgerIndexKey))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			e.logger.Info("no previous ledger state, starting fresh")
			return nil
		}
		return err
	}

	var index ledgerIndex
	if err := json.Unmarshal(raw, &index); err != nil {
		return fmt.Errorf("corrupt ledger index: %w", err)
	}

	balances := make(map[string]map[string]*big.Int)
	for _, pair := range index.Balances {
		account, asset := pair[0], pair[1]
		amount := new(big.Int)
		if err := getJSON(db, balanceKey(account, asset), amount); err != nil {
			return err
		}
		if balances[account] == nil {
			balances[account] = make(map[string]*big.Int)
		}
		balances[account][asset] = amount
	}

	pools := make(map[string]*big.Int)
	for _, asset := range index.Pools {
		total := new(big.Int)
		if err := getJSON(db, poolKey(asset), total); err != nil {
			return err
		}
		pools[asset] = total
	}

	positions := make(map[string]*Position)
	for _, account := range index.Positions {
		pos := new(Position)
		if err := getJSON(db, positionKey(account), pos); err != nil {
			return err
		}
		positions[account] = pos
	}

	factors := make(map[string]*big.Int)
	for _, asset := range index.RiskAssets {
		factor := new(big.Int)
		if err := getJSON(db, riskKey(asset), factor); err != nil {
			return err
		}
		factors[asset] = factor
	}

	e.treasury.mu.Lock()
	e.treasury.balances = balances
	e.treasury.poolTotals = pools
	for asset, total := range pools {
		e.treasury.metrics.setPoolTotal(asset, total)
	}
	e.treasury.mu.Unlock()

	e.posMu.Lock()
	e.positions = positions
	e.posMu.Unlock()

	e.risk.mu.Lock()
	e.risk.factors = factors
	e.risk.mu.Unlock()

	e.logger.Info("ledger state loaded",
		"balances", len(index.Balances),
		"pools", len(index.Pools),
		"positions", len(index.Positions))
	return nil
}

func putJSON(batch database.Batch, key []byte, v interface{}) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return batch.Put(key, value)
}

func getJSON(db database.Database, key []byte, v interface{}) error {
	raw, err := db.Get(key)
	if err != nil {
		return fmt.Errorf("missing ledger record %s: %w", key, err)
	}
	return json.Unmarshal(raw, v)
}
