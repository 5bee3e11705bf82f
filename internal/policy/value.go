package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

// Value is a policy value as supplied by a caller: a JSON number or a
// JSON string. Validate decides what it means for a given method.
type Value struct {
	raw    string
	number bool
}

// IntValue returns a numeric Value.
func IntValue(n int) Value {
	return Value{raw: strconv.Itoa(n), number: true}
}

// StringValue returns a string Value.
func StringValue(s string) Value {
	return Value{raw: s}
}

// IsNumber reports whether the value was supplied as a number.
func (v Value) IsNumber() bool { return v.number }

// String returns the value's text, without JSON quoting.
func (v Value) String() string { return v.raw }

func (v Value) MarshalJSON() ([]byte, error) {
	if v.number {
		return []byte(v.raw), nil
	}
	return json.Marshal(v.raw)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("policy: empty value")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringValue(s)
		return nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*v = Value{raw: n.String(), number: true}
		return nil
	default:
		return errors.New("policy: value must be an integer or a string")
	}
}
