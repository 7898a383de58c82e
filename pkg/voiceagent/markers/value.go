package markers

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// Value is a profile field value: either a string or a JSON number.
type Value struct {
	str   string
	num   json.Number
	isNum bool
}

func StringValue(s string) Value { return Value{str: s} }

func NumberValue(n json.Number) Value { return Value{num: n, isNum: true} }

func IntValue(n int64) Value { return NumberValue(json.Number(strconv.FormatInt(n, 10))) }

func (v Value) IsNumber() bool { return v.isNum }

func (v Value) Number() (json.Number, bool) { return v.num, v.isNum }

func (v Value) Float64() (float64, bool) {
	if !v.isNum {
		return 0, false
	}
	f, err := v.num.Float64()
	return f, err == nil
}

func (v Value) String() string {
	if v.isNum {
		return v.num.String()
	}
	return v.str
}

// Equal compares numbers numerically so 75 and 75.0 are the same value.
func (v Value) Equal(o Value) bool {
	if v.isNum != o.isNum {
		return false
	}
	if !v.isNum {
		return v.str == o.str
	}
	if v.num == o.num {
		return true
	}
	a, errA := v.num.Float64()
	b, errB := o.num.Float64()
	return errA == nil && errB == nil && a == b
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.isNum {
		return []byte(v.num.String()), nil
	}
	return json.Marshal(v.str)
}

// MarshalCBOR writes integers as CBOR integers, other numbers as floats and
// strings as text.
func (v Value) MarshalCBOR() ([]byte, error) {
	if !v.isNum {
		return cbor.Marshal(v.str)
	}
	if n, err := v.num.Int64(); err == nil {
		return cbor.Marshal(n)
	}
	f, err := v.num.Float64()
	if err != nil {
		return nil, fmt.Errorf("number %q: %w", v.num, err)
	}
	return cbor.Marshal(f)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := decodeUseNumber(data, &raw); err != nil {
		return err
	}
	got, err := valueFromAny(raw)
	if err != nil {
		return err
	}
	*v = got
	return nil
}

func valueFromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case string:
		return StringValue(x), nil
	case json.Number:
		return NumberValue(x), nil
	case float64:
		return NumberValue(json.Number(strconv.FormatFloat(x, 'f', -1, 64))), nil
	case int:
		return IntValue(int64(x)), nil
	case int64:
		return IntValue(x), nil
	default:
		return Value{}, fmt.Errorf("value must be a string or number, got %T", raw)
	}
}
