package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// MaxUint256 represents the maximum possible uint256 value (2^256 - 1)
var MaxUint256 = new(big.Int).Sub(new(big.Int).Exp(big.NewInt(2), big.NewInt(256), nil), big.NewInt(1))

// ERC20ABI contains the ABI for the ERC20 token functions needed for approvals
const ERC20ABI = `[
	{
		"constant": true,
		"inputs": [
			{
				"name": "_owner",
				"type": "address"
			}
		],
		"name": "balanceOf",
		"outputs": [
			{
				"name": "balance",
				"type": "uint256"
			}
		],
		"payable": false,
		"stateMutability": "view",
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [
			{
				"name": "_owner",
				"type": "address"
			},
			{
				"name": "_spender",
				"type": "address"
			}
		],
		"name": "allowance",
		"outputs": [
			{
				"name": "",
				"type": "uint256"
			}
		],
		"payable": false,
		"stateMutability": "view",
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{
				"name": "_spender",
				"type": "address"
			},
			{
				"name": "_value",
				"type": "uint256"
			}
		],
		"name": "approve",
		"outputs": [
			{
				"name": "",
				"type": "bool"
			}
		],
		"payable": false,
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

var erc20ABI = mustParse(ERC20ABI)

// ERC20 is a binding to the approval surface of a token
type ERC20 struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewERC20 creates a binding to the token at address
func NewERC20(address common.Address, backend bind.ContractBackend) *ERC20 {
	return &ERC20{
		address:  address,
		contract: bind.NewBoundContract(address, erc20ABI, backend, backend, backend),
	}
}

// Address returns the token address
func (t *ERC20) Address() common.Address {
	return t.address
}

// BalanceOf returns the token balance of owner
func (t *ERC20) BalanceOf(opts *bind.CallOpts, owner common.Address) (*big.Int, error) {
	return t.callUint(opts, "balanceOf", owner)
}

// Allowance returns what spender may still move on behalf of owner
func (t *ERC20) Allowance(opts *bind.CallOpts, owner, spender common.Address) (*big.Int, error) {
	return t.callUint(opts, "allowance", owner, spender)
}

// Approve sends an approve transaction
func (t *ERC20) Approve(opts *bind.TransactOpts, spender common.Address, amount *big.Int) (*types.Transaction, error) {
	return t.contract.Transact(opts, "approve", spender, amount)
}

func (t *ERC20) callUint(opts *bind.CallOpts, method string, args ...interface{}) (*big.Int, error) {
	var out []interface{}
	if err := t.contract.Call(opts, &out, method, args...); err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}

	// Ensure we got a value
	if len(out) == 0 || out[0] == nil {
		return nil, fmt.Errorf("empty %s response", method)
	}

	value, ok := out[0].(*big.Int)
	if !ok || value == nil {
		return nil, fmt.Errorf("invalid %s format", method)
	}
	return value, nil
}

// PackUint encodes a single uint256 return value, as a token would answer a view call
func PackUint(method string, value *big.Int) ([]byte, error) {
	m, ok := erc20ABI.Methods[method]
	if !ok {
		return nil, fmt.Errorf("unknown method %s", method)
	}
	return m.Outputs.Pack(value)
}

// ERC20Method returns the name of the token method a calldata payload invokes
func ERC20Method(data []byte) (string, error) {
	if len(data) < 4 {
		return "", fmt.Errorf("calldata too short")
	}
	m, err := erc20ABI.MethodById(data[:4])
	if err != nil {
		return "", err
	}
	return m.Name, nil
}
