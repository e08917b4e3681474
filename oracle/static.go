package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Static is an in-memory token ledger used for development deployments and
// tests. Total supply tracks the sum of all balances unless pinned.
type Static struct {
	mu       sync.RWMutex
	balances map[common.Address]*big.Int
	supply   *big.Int
}

// NewStatic constructs an oracle seeded with the supplied balances.
func NewStatic(balances map[common.Address]*big.Int) *Static {
	s := &Static{balances: make(map[common.Address]*big.Int)}
	for addr, amount := range balances {
		s.SetBalance(addr, amount)
	}
	return s
}

// SetBalance replaces the balance of account. Nil clears it.
func (s *Static) SetBalance(account common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		delete(s.balances, account)
		return
	}
	s.balances[account] = new(big.Int).Set(amount)
}

// SetTotalSupply pins the reported supply. Nil restores the derived sum.
func (s *Static) SetTotalSupply(supply *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if supply == nil {
		s.supply = nil
		return
	}
	s.supply = new(big.Int).Set(supply)
}

func (s *Static) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if bal, ok := s.balances[account]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (s *Static) TotalSupply(ctx context.Context) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.supply != nil {
		return new(big.Int).Set(s.supply), nil
	}
	total := big.NewInt(0)
	for _, bal := range s.balances {
		total.Add(total, bal)
	}
	return total, nil
}

// ParseBalances decodes a hex address to decimal amount table, as found in
// configuration files.
func ParseBalances(raw map[string]string) (map[common.Address]*big.Int, error) {
	out := make(map[common.Address]*big.Int, len(raw))
	for key, value := range raw {
		if !common.IsHexAddress(key) {
			return nil, fmt.Errorf("oracle: invalid address %q", key)
		}
		amount, ok := new(big.Int).SetString(value, 10)
		if !ok || amount.Sign() < 0 {
			return nil, fmt.Errorf("oracle: invalid balance %q for %s", value, key)
		}
		out[common.HexToAddress(key)] = amount
	}
	return out, nil
}
