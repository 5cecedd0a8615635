package opcuapv

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"time"

	"pvgateway/pkg/pva"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
)

// Severities follow the status code class in the two top bits.
const (
	severityGood      = 0
	severityUncertain = 1
	severityBad       = 2
	severityInvalid   = 3
)

func severityOf(status ua.StatusCode) int {
	switch uint32(status) >> 30 {
	case 0:
		return severityGood
	case 1:
		return severityUncertain
	case 2:
		return severityBad
	default:
		return severityInvalid
	}
}

var builtinTypes = map[uint32]pva.TypeCode{
	id.Boolean: pva.TypeBoolean,
	id.SByte:   pva.TypeByte,
	id.Byte:    pva.TypeUByte,
	id.Int16:   pva.TypeShort,
	id.UInt16:  pva.TypeUShort,
	id.Int32:   pva.TypeInt,
	id.UInt32:  pva.TypeUInt,
	id.Int64:   pva.TypeLong,
	id.UInt64:  pva.TypeULong,
	id.Float:   pva.TypeFloat,
	id.Double:  pva.TypeDouble,
	id.String:  pva.TypeString,
}

// nodeType is the declared value type of a variable node.
type nodeType struct {
	scalar pva.TypeCode
	array  bool
}

func nodeTypeFor(dataType *ua.NodeID, valueRank int32) nodeType {
	t := nodeType{scalar: pva.TypeUnknown, array: valueRank >= 1}
	if dataType != nil && dataType.Namespace() == 0 {
		if code, ok := builtinTypes[dataType.IntID()]; ok {
			t.scalar = code
		}
	}
	return t
}

func (t nodeType) field() pva.TypeCode {
	if t.array {
		return pva.TypeScalarArray
	}
	return t.scalar
}

func timestampOf(dv *ua.DataValue) float64 {
	ts := dv.ServerTimestamp
	if ts.IsZero() {
		ts = dv.SourceTimestamp
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return float64(ts.Unix()) + float64(ts.Nanosecond())/1e9
}

func responseFrom(dv *ua.DataValue, req pva.Request) pva.Response {
	var value any
	if dv.Value != nil {
		value = dv.Value.Value()
	}
	if req == pva.RequestValue {
		return pva.Response{Value: value}
	}
	return pva.Response{
		Value:     value,
		Severity:  severityOf(dv.Status),
		Timestamp: timestampOf(dv),
	}
}

// coerce converts an application value to the Go type gopcua encodes as the
// node's declared data type.
func coerce(value any, t nodeType) (any, error) {
	if t.array {
		rv := reflect.ValueOf(value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, fmt.Errorf("cannot write %T to an array node", value)
		}
		elem := nodeType{scalar: t.scalar}
		switch t.scalar {
		case pva.TypeDouble:
			return coerceSlice[float64](rv, elem)
		case pva.TypeFloat:
			return coerceSlice[float32](rv, elem)
		case pva.TypeByte:
			return coerceSlice[int8](rv, elem)
		case pva.TypeUByte:
			return coerceSlice[uint8](rv, elem)
		case pva.TypeShort:
			return coerceSlice[int16](rv, elem)
		case pva.TypeUShort:
			return coerceSlice[uint16](rv, elem)
		case pva.TypeInt:
			return coerceSlice[int32](rv, elem)
		case pva.TypeUInt:
			return coerceSlice[uint32](rv, elem)
		case pva.TypeLong:
			return coerceSlice[int64](rv, elem)
		case pva.TypeULong:
			return coerceSlice[uint64](rv, elem)
		case pva.TypeBoolean:
			return coerceSlice[bool](rv, elem)
		case pva.TypeString:
			return coerceSlice[string](rv, elem)
		default:
			return value, nil
		}
	}

	if t.scalar == pva.TypeString || t.scalar == pva.TypeUnknown {
		return value, nil
	}
	if t.scalar == pva.TypeBoolean {
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("cannot write %T to a boolean node", value)
		}
		return b, nil
	}

	switch t.scalar {
	case pva.TypeFloat, pva.TypeDouble:
		f, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("cannot write %T to a %s node", value, t.scalar)
		}
		if t.scalar == pva.TypeFloat {
			return float32(f), nil
		}
		return f, nil
	}

	r, ok := intRanges[t.scalar]
	if !ok {
		return value, nil
	}
	n, err := integerOf(value)
	if err != nil {
		return nil, fmt.Errorf("cannot write %v to a %s node: %w", value, t.scalar, err)
	}
	if n.Cmp(big.NewInt(r.min)) < 0 || n.Cmp(new(big.Int).SetUint64(r.max)) > 0 {
		return nil, fmt.Errorf("cannot write %v to a %s node: out of range", value, t.scalar)
	}
	switch t.scalar {
	case pva.TypeByte:
		return int8(n.Int64()), nil
	case pva.TypeUByte:
		return uint8(n.Uint64()), nil
	case pva.TypeShort:
		return int16(n.Int64()), nil
	case pva.TypeUShort:
		return uint16(n.Uint64()), nil
	case pva.TypeInt:
		return int32(n.Int64()), nil
	case pva.TypeUInt:
		return uint32(n.Uint64()), nil
	case pva.TypeLong:
		return n.Int64(), nil
	default:
		return n.Uint64(), nil
	}
}

type intRange struct {
	min int64
	max uint64
}

var intRanges = map[pva.TypeCode]intRange{
	pva.TypeByte:   {math.MinInt8, math.MaxInt8},
	pva.TypeUByte:  {0, math.MaxUint8},
	pva.TypeShort:  {math.MinInt16, math.MaxInt16},
	pva.TypeUShort: {0, math.MaxUint16},
	pva.TypeInt:    {math.MinInt32, math.MaxInt32},
	pva.TypeUInt:   {0, math.MaxUint32},
	pva.TypeLong:   {math.MinInt64, math.MaxInt64},
	pva.TypeULong:  {0, math.MaxUint64},
}

// integerOf returns the exact integer value of v. Floats must be integral.
func integerOf(v any) (*big.Int, error) {
	switch val := v.(type) {
	case int:
		return big.NewInt(int64(val)), nil
	case int8:
		return big.NewInt(int64(val)), nil
	case int16:
		return big.NewInt(int64(val)), nil
	case int32:
		return big.NewInt(int64(val)), nil
	case int64:
		return big.NewInt(val), nil
	case uint:
		return new(big.Int).SetUint64(uint64(val)), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(val)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(val)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(val)), nil
	case uint64:
		return new(big.Int).SetUint64(val), nil
	case float32:
		return integerOf(float64(val))
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) || val != math.Trunc(val) {
			return nil, errors.New("not an integer")
		}
		n, _ := big.NewFloat(val).Int(nil)
		return n, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

func coerceSlice[T any](rv reflect.Value, elem nodeType) ([]T, error) {
	out := make([]T, rv.Len())
	for i := range out {
		v, err := coerce(rv.Index(i).Interface(), elem)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		t, ok := v.(T)
		if !ok {
			return nil, fmt.Errorf("element %d: unexpected %T", i, v)
		}
		out[i] = t
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int:
		return float64(val), true
	case uint:
		return float64(val), true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}
