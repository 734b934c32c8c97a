package multicall

import (
	"bytes"
	"math/big"
	"reflect"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
)

var (
	bigIntType  = reflect.TypeOf((*big.Int)(nil))
	addressType = reflect.TypeOf(common.Address{})
)

// NormalizeOutputs converts unpacked return values into their cached form.
// A single return value is unwrapped; several stay an ordered list.
func NormalizeOutputs(outs []interface{}) interface{} {
	if len(outs) == 1 {
		return Normalize(outs[0])
	}
	list := make([]interface{}, len(outs))
	for i, o := range outs {
		list[i] = Normalize(o)
	}
	return list
}

// Normalize maps every integer kind to *big.Int and fixed byte arrays other
// than addresses to []byte. Tuples become maps keyed by field name and other
// lists become []interface{}.
func Normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case *big.Int:
		if x == nil {
			return nil
		}
		return new(big.Int).Set(x)
	case []byte:
		return bytes.Clone(x)
	case string, bool, common.Address:
		return x
	}
	return normalizeValue(reflect.ValueOf(v))
}

func normalizeValue(rv reflect.Value) interface{} {
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return Normalize(rv.Elem().Interface())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return big.NewInt(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return new(big.Int).SetUint64(rv.Uint())
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		if rv.Type() == bigIntType {
			return new(big.Int).Set(rv.Interface().(*big.Int))
		}
		return normalizeValue(rv.Elem())
	case reflect.Array:
		if rv.Type() == addressType {
			return rv.Interface()
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			out := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(out), rv)
			return out
		}
		return normalizeList(rv)
	case reflect.Slice:
		if rv.IsNil() {
			return []interface{}{}
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return bytes.Clone(rv.Bytes())
		}
		return normalizeList(rv)
	case reflect.Struct:
		if rv.Type() == bigIntType.Elem() {
			v := rv.Interface().(big.Int)
			return new(big.Int).Set(&v)
		}
		return normalizeStruct(rv)
	}
	return rv.Interface()
}

func normalizeList(rv reflect.Value) []interface{} {
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = normalizeValue(rv.Index(i))
	}
	return out
}

func normalizeStruct(rv reflect.Value) map[string]interface{} {
	t := rv.Type()
	out := make(map[string]interface{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		out[fieldName(f)] = normalizeValue(rv.Field(i))
	}
	return out
}

func fieldName(f reflect.StructField) string {
	if tag := f.Tag.Get("json"); tag != "" && tag != "-" {
		if name, _, _ := strings.Cut(tag, ","); name != "" {
			return name
		}
	}
	r := []rune(f.Name)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

// ValuesEqual compares two normalized values structurally.
func ValuesEqual(a, b interface{}) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case *big.Int:
		y, ok := b.(*big.Int)
		if !ok || x == nil || y == nil {
			return ok && x == y
		}
		return x.Cmp(y) == 0
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case []interface{}:
		y, ok := b.([]interface{})
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !ValuesEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		y, ok := b.(map[string]interface{})
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !ValuesEqual(xv, yv) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}
