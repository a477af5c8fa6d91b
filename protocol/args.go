package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

var (
	ErrMissingArgument = errors.New("missing argument")
	ErrArgumentType    = errors.New("wrong argument type")
)

// ByteArray is raw frame data. It marshals as a JSON array of numbers
// rather than base64, so clients can tell it apart from a hex string.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, len(b)*4+2)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return err
	}
	out := make(ByteArray, len(nums))
	for i, n := range nums {
		if n < 0 || n > math.MaxUint8 {
			return fmt.Errorf("byte %d out of range: %d", i, n)
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}

// Payload is a data argument in the form the client sent it: a hex string
// or an array of bytes.
type Payload struct {
	Hex   string
	Bytes []byte
	IsHex bool
}

func lookup(args map[string]any, name string) (any, bool) {
	v, ok := args[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func typeError(name string, v any) error {
	return fmt.Errorf("%w: %s is %T", ErrArgumentType, name, v)
}

// Int returns the integer argument name.
func Int(args map[string]any, name string) (int, error) {
	v, ok := lookup(args, name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingArgument, name)
	}
	n, ok := toInt(v)
	if !ok {
		return 0, typeError(name, v)
	}
	return n, nil
}

// OptionalInt returns the integer argument name and whether it was set.
func OptionalInt(args map[string]any, name string) (int, bool, error) {
	if _, ok := lookup(args, name); !ok {
		return 0, false, nil
	}
	n, err := Int(args, name)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// Bool returns the boolean argument name.
func Bool(args map[string]any, name string) (bool, error) {
	v, ok := lookup(args, name)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrMissingArgument, name)
	}
	b, ok := v.(bool)
	if !ok {
		return false, typeError(name, v)
	}
	return b, nil
}

// String returns the string argument name.
func String(args map[string]any, name string) (string, error) {
	v, ok := lookup(args, name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingArgument, name)
	}
	s, ok := v.(string)
	if !ok {
		return "", typeError(name, v)
	}
	return s, nil
}

// Data returns the frame argument name. Strings are kept as hex for the
// caller to decode; arrays must hold numbers between 0 and 255.
func Data(args map[string]any, name string) (Payload, error) {
	v, ok := lookup(args, name)
	if !ok {
		return Payload{}, fmt.Errorf("%w: %s", ErrMissingArgument, name)
	}

	switch d := v.(type) {
	case string:
		return Payload{Hex: d, IsHex: true}, nil
	case []byte:
		return Payload{Bytes: d}, nil
	case ByteArray:
		return Payload{Bytes: d}, nil
	case []any:
		out := make([]byte, len(d))
		for i, e := range d {
			n, ok := toInt(e)
			if !ok || n < 0 || n > math.MaxUint8 {
				return Payload{}, fmt.Errorf("%w: %s[%d] is not a byte", ErrArgumentType, name, i)
			}
			out[i] = byte(n)
		}
		return Payload{Bytes: out}, nil
	}
	return Payload{}, typeError(name, v)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}
