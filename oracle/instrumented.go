package oracle

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowdao/observability"
)

// Source is the read surface shared by every oracle implementation.
type Source interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	TotalSupply(ctx context.Context) (*big.Int, error)
}

// Instrumented records latency and failures of the wrapped oracle.
type Instrumented struct {
	inner   Source
	metrics *observability.LedgerMetrics
}

func NewInstrumented(inner Source) *Instrumented {
	return &Instrumented{inner: inner, metrics: observability.Ledger()}
}

func (o *Instrumented) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	start := time.Now()
	balance, err := o.inner.BalanceOf(ctx, account)
	o.metrics.ObserveOracle("balance_of", time.Since(start), err)
	return balance, err
}

func (o *Instrumented) TotalSupply(ctx context.Context) (*big.Int, error) {
	start := time.Now()
	supply, err := o.inner.TotalSupply(ctx)
	o.metrics.ObserveOracle("total_supply", time.Since(start), err)
	return supply, err
}
