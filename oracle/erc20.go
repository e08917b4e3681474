package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABI = `[
  {"stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"stateMutability":"view","inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const defaultCallTimeout = 5 * time.Second

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// ERC20 reads governance token balances from an ERC-20 contract at the
// latest block. Every query issues a fresh eth_call.
type ERC20 struct {
	client  ethereum.ContractCaller
	token   common.Address
	abi     abi.ABI
	timeout time.Duration
}

// NewERC20 binds the oracle to the token contract reachable through client.
func NewERC20(client ethereum.ContractCaller, token common.Address, timeout time.Duration) (*ERC20, error) {
	if client == nil {
		return nil, fmt.Errorf("oracle: evm client required")
	}
	if token == (common.Address{}) {
		return nil, fmt.Errorf("oracle: token address required")
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("oracle: parse erc20 abi: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &ERC20{client: client, token: token, abi: parsed, timeout: timeout}, nil
}

func (o *ERC20) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	return o.callUint(ctx, "balanceOf", account)
}

func (o *ERC20) TotalSupply(ctx context.Context) (*big.Int, error) {
	return o.callUint(ctx, "totalSupply")
}

func (o *ERC20) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	input, err := o.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("oracle: pack %s: %w", method, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	token := o.token
	output, err := o.client.CallContract(callCtx, ethereum.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: call %s: %w", method, err)
	}
	values, err := o.abi.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("oracle: unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("oracle: %s returned %d values", method, len(values))
	}
	amount, ok := values[0].(*big.Int)
	if !ok || amount == nil {
		return nil, fmt.Errorf("oracle: %s returned %T", method, values[0])
	}
	return amount, nil
}
