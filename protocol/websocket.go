package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoMethod is returned for a call frame without a method name.
var ErrNoMethod = errors.New("method call without method")

// DecodeCall parses a websocket text frame into a MethodCall. Numbers in the
// arguments are kept as json.Number so integers are not rounded.
func DecodeCall(frame []byte) (MethodCall, error) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.UseNumber()

	var call MethodCall
	if err := dec.Decode(&call); err != nil {
		return MethodCall{}, fmt.Errorf("decode method call: %w", err)
	}
	if call.Method == "" {
		return call, ErrNoMethod
	}
	return call, nil
}
