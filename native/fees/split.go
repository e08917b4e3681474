package fees

import (
	"fmt"
	"math/big"
)

const (
	// BasisPoints is the denominator for bps-denominated rates.
	BasisPoints = 10_000
	// DefaultEscrowFeeBps is the platform fee retained on escrow payouts (2.5%).
	DefaultEscrowFeeBps uint32 = 250
)

// Split divides amount into the platform fee and the remaining payout. The fee
// is floor(amount*bps/10000), so fee+payout always equals amount.
func Split(amount *big.Int, bps uint32) (fee *big.Int, payout *big.Int, err error) {
	if amount == nil {
		return nil, nil, fmt.Errorf("fees: amount must not be nil")
	}
	if amount.Sign() < 0 {
		return nil, nil, fmt.Errorf("fees: amount must not be negative")
	}
	if bps > BasisPoints {
		return nil, nil, fmt.Errorf("fees: rate %d bps exceeds %d", bps, BasisPoints)
	}
	fee = new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bps)))
	fee.Quo(fee, big.NewInt(BasisPoints))
	payout = new(big.Int).Sub(amount, fee)
	return fee, payout, nil
}

// PercentOf returns floor(total*pct/100). Nil totals are treated as zero.
func PercentOf(total *big.Int, pct uint32) *big.Int {
	if total == nil || total.Sign() <= 0 || pct == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(total, new(big.Int).SetUint64(uint64(pct)))
	return out.Quo(out, big.NewInt(100))
}
