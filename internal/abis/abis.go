// Package abis holds the contract ABIs the service knows by name.
package abis

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const erc20JSON = `[
  {"inputs": [], "name": "name", "outputs": [{"type": "string"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "symbol", "outputs": [{"type": "string"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "decimals", "outputs": [{"type": "uint8"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "totalSupply", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "owner", "type": "address"}], "name": "balanceOf", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "owner", "type": "address"}, {"name": "spender", "type": "address"}], "name": "allowance", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"}
]`

const multicall3JSON = `[
  {"inputs": [{"components": [
      {"name": "target", "type": "address"},
      {"name": "allowFailure", "type": "bool"},
      {"name": "callData", "type": "bytes"}
    ], "name": "calls", "type": "tuple[]"}],
   "name": "aggregate3",
   "outputs": [{"components": [
      {"name": "success", "type": "bool"},
      {"name": "returnData", "type": "bytes"}
    ], "name": "returnData", "type": "tuple[]"}],
   "stateMutability": "payable", "type": "function"},
  {"inputs": [], "name": "getBlockNumber", "outputs": [{"name": "blockNumber", "type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "addr", "type": "address"}], "name": "getEthBalance", "outputs": [{"name": "balance", "type": "uint256"}], "stateMutability": "view", "type": "function"}
]`

type lazyABI struct {
	once   sync.Once
	source string
	parsed *abi.ABI
	err    error
}

func (l *lazyABI) get() (*abi.ABI, error) {
	l.once.Do(func() {
		l.parsed, l.err = Parse(l.source)
	})
	return l.parsed, l.err
}

var known = map[string]*lazyABI{
	"erc20":      {source: erc20JSON},
	"multicall3": {source: multicall3JSON},
}

// ERC20 returns the parsed ERC20 read ABI.
func ERC20() (*abi.ABI, error) {
	return known["erc20"].get()
}

// Multicall3 returns the parsed Multicall3 ABI.
func Multicall3() (*abi.ABI, error) {
	return known["multicall3"].get()
}

// Parse parses a JSON ABI definition.
func Parse(definition string) (*abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	return &parsed, nil
}

// Resolve accepts either a known ABI name or an inline JSON ABI.
func Resolve(nameOrJSON string) (*abi.ABI, error) {
	trimmed := strings.TrimSpace(nameOrJSON)
	if l, ok := known[strings.ToLower(trimmed)]; ok {
		return l.get()
	}
	if strings.HasPrefix(trimmed, "[") {
		return Parse(trimmed)
	}
	return nil, fmt.Errorf("unknown abi %q", nameOrJSON)
}

// Names lists the ABIs available by name.
func Names() []string {
	return []string{"erc20", "multicall3"}
}
