// Package multicall tracks the contract reads that must be refreshed on every
// block and executes them as one aggregated read per contract address.
package multicall

import (
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
)

// WatchedCall is a read that is re-executed on every new block.
type WatchedCall struct {
	Reference        string
	ContractAddress  common.Address
	ABI              *abi.ABI
	MethodName       string
	MethodParameters []interface{}
}

// ParamKey serializes an ordered parameter list into a stable string.
// Parameter order is significant. A nil list encodes like an empty one.
func ParamKey(params []interface{}) (string, error) {
	if len(params) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", utils.WrapAppError(utils.ErrCodeValidation, "Unserializable call parameters", err)
	}
	return string(raw), nil
}

// CallKey combines reference, method and parameters into the identity of a call.
func CallKey(reference, methodName string, params []interface{}) (string, error) {
	pk, err := ParamKey(params)
	if err != nil {
		return "", err
	}
	return joinKey(reference, methodName, pk), nil
}

func joinKey(reference, methodName, paramKey string) string {
	var b strings.Builder
	b.Grow(len(reference) + len(methodName) + len(paramKey) + 3)
	b.WriteString(reference)
	b.WriteByte('.')
	b.WriteString(methodName)
	b.WriteByte('(')
	b.WriteString(paramKey)
	b.WriteByte(')')
	return b.String()
}

// Key returns the identity key of the call.
func (c WatchedCall) Key() (string, error) {
	return CallKey(c.Reference, c.MethodName, c.MethodParameters)
}

// ParamKey returns the serialized parameters of the call.
func (c WatchedCall) ParamKey() (string, error) {
	return ParamKey(c.MethodParameters)
}
