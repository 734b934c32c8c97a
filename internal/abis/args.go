package abis

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
)

var bigIntType = reflect.TypeOf((*big.Int)(nil))

// ParseArgs converts a JSON array of arguments into the Go values the ABI
// packer expects for method. Integers may be JSON numbers, decimal strings or
// 0x-hex strings; bytes are 0x-hex strings.
func ParseArgs(contractABI *abi.ABI, method, argsJSON string) ([]interface{}, error) {
	m, ok := contractABI.Methods[method]
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Unknown method", method)
	}

	var raw []json.RawMessage
	if trimmed := strings.TrimSpace(argsJSON); trimmed != "" {
		if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
			return nil, utils.WrapAppError(utils.ErrCodeValidation, "Arguments must be a JSON array", err)
		}
	}
	if len(raw) != len(m.Inputs) {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Wrong number of arguments",
			fmt.Sprintf("%s takes %d, got %d", m.Name, len(m.Inputs), len(raw)))
	}

	args := make([]interface{}, len(raw))
	for i, in := range m.Inputs {
		v, err := parseArg(in.Type, raw[i])
		if err != nil {
			return nil, utils.WrapAppError(utils.ErrCodeValidation,
				fmt.Sprintf("Invalid argument %d (%s)", i, in.Type.String()), err)
		}
		args[i] = v.Interface()
	}
	return args, nil
}

func parseArg(t abi.Type, raw json.RawMessage) (reflect.Value, error) {
	switch t.T {
	case abi.AddressTy:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return reflect.Value{}, err
		}
		if !common.IsHexAddress(s) {
			return reflect.Value{}, fmt.Errorf("invalid address %q", s)
		}
		return reflect.ValueOf(common.HexToAddress(s)), nil
	case abi.BoolTy:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(b), nil
	case abi.StringTy:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(s), nil
	case abi.IntTy, abi.UintTy:
		n, err := parseInteger(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		return integerValue(t, n)
	case abi.BytesTy:
		b, err := parseHex(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(b), nil
	case abi.FixedBytesTy:
		b, err := parseHex(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		if len(b) != t.Size {
			return reflect.Value{}, fmt.Errorf("want %d bytes, got %d", t.Size, len(b))
		}
		v := reflect.New(t.GetType()).Elem()
		reflect.Copy(v, reflect.ValueOf(b))
		return v, nil
	case abi.SliceTy, abi.ArrayTy:
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return reflect.Value{}, err
		}
		var v reflect.Value
		if t.T == abi.SliceTy {
			v = reflect.MakeSlice(t.GetType(), len(items), len(items))
		} else {
			if len(items) != t.Size {
				return reflect.Value{}, fmt.Errorf("want %d elements, got %d", t.Size, len(items))
			}
			v = reflect.New(t.GetType()).Elem()
		}
		for i, item := range items {
			ev, err := parseArg(*t.Elem, item)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("element %d: %w", i, err)
			}
			v.Index(i).Set(ev)
		}
		return v, nil
	}
	return reflect.Value{}, fmt.Errorf("unsupported argument type %s", t.String())
}

func parseInteger(raw json.RawMessage) (*big.Int, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 0)
	if !ok {
		return nil, fmt.Errorf("invalid integer %s", string(raw))
	}
	return n, nil
}

func integerValue(t abi.Type, n *big.Int) (reflect.Value, error) {
	if t.T == abi.UintTy && n.Sign() < 0 {
		return reflect.Value{}, fmt.Errorf("negative value for %s", t.String())
	}

	typ := t.GetType()
	if typ == bigIntType {
		if n.BitLen() > t.Size {
			return reflect.Value{}, fmt.Errorf("value overflows %s", t.String())
		}
		return reflect.ValueOf(n), nil
	}

	v := reflect.New(typ).Elem()
	switch typ.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if !n.IsInt64() || v.OverflowInt(n.Int64()) {
			return reflect.Value{}, fmt.Errorf("value overflows %s", t.String())
		}
		v.SetInt(n.Int64())
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if !n.IsUint64() || v.OverflowUint(n.Uint64()) {
			return reflect.Value{}, fmt.Errorf("value overflows %s", t.String())
		}
		v.SetUint(n.Uint64())
	default:
		return reflect.Value{}, fmt.Errorf("unsupported integer type %s", t.String())
	}
	return v, nil
}

func parseHex(raw json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return hexutil.Decode(s)
}

// JSONValue converts a cached value into a JSON friendly form: integers become
// decimal strings, bytes 0x-hex and addresses checksummed hex.
func JSONValue(v interface{}) interface{} {
	switch x := v.(type) {
	case *big.Int:
		if x == nil {
			return nil
		}
		return x.String()
	case []byte:
		return hexutil.Encode(x)
	case common.Address:
		return x.Hex()
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, item := range x {
			out[i] = JSONValue(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, item := range x {
			out[k] = JSONValue(item)
		}
		return out
	}
	return v
}
