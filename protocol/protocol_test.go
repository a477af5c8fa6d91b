package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCall(t *testing.T) {
	call, err := DecodeCall([]byte(`{"id":"7","method":"poll","arguments":{"timeout":5000,"technologies":15}}`))
	require.NoError(t, err)
	assert.Equal(t, "7", call.ID)
	assert.Equal(t, MethodPoll, call.Method)

	timeout, err := Int(call.Arguments, ArgTimeout)
	require.NoError(t, err)
	assert.Equal(t, 5000, timeout)

	_, err = DecodeCall([]byte(`{"id":"8"}`))
	assert.ErrorIs(t, err, ErrNoMethod)

	_, err = DecodeCall([]byte(`not json`))
	assert.Error(t, err)
}

func TestResponses_JSON(t *testing.T) {
	call := MethodCall{ID: "1", Method: MethodWriteNDEF}

	tests := []struct {
		name string
		resp MethodResponse
		want string
	}{
		{
			name: "empty success keeps the result",
			resp: SuccessResponse(call, ""),
			want: `{"id":"1","method":"writeNDEF","success":true,"result":""}`,
		},
		{
			name: "error",
			resp: ErrorResponse(call, "405", "Tag not writable", nil),
			want: `{"id":"1","method":"writeNDEF","success":false,"error":{"code":"405","message":"Tag not writable"}}`,
		},
		{
			name: "error with details",
			resp: ErrorResponse(call, "500", "Communication error", "tag lost"),
			want: `{"id":"1","method":"writeNDEF","success":false,"error":{"code":"500","message":"Communication error","details":"tag lost"}}`,
		},
		{
			name: "not implemented",
			resp: NotImplementedResponse(MethodCall{Method: "scan"}),
			want: `{"method":"scan","success":false,"notImplemented":true}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.resp)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestByteArray(t *testing.T) {
	data, err := json.Marshal(ByteArray{0x00, 0x90, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, `[0,144,255]`, string(data))

	data, err = json.Marshal(ByteArray{})
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(data))

	var b ByteArray
	require.NoError(t, json.Unmarshal([]byte(`[1,2,3]`), &b))
	assert.Equal(t, ByteArray{1, 2, 3}, b)
	assert.Error(t, json.Unmarshal([]byte(`[256]`), &b))
}

func TestArgs(t *testing.T) {
	call, err := DecodeCall([]byte(`{"method":"transceiver","arguments":{
		"timeout": 100, "fraction": 1.5, "cached": true, "text": "abc", "nothing": null,
		"hex": "00A4", "raw": [0, 164, 255], "bad": [1, 300], "obj": {}
	}}`))
	require.NoError(t, err)
	args := call.Arguments

	n, err := Int(args, "timeout")
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	_, err = Int(args, "fraction")
	assert.ErrorIs(t, err, ErrArgumentType)
	_, err = Int(args, "text")
	assert.ErrorIs(t, err, ErrArgumentType)
	_, err = Int(args, "missing")
	assert.ErrorIs(t, err, ErrMissingArgument)
	_, err = Int(args, "nothing")
	assert.ErrorIs(t, err, ErrMissingArgument)

	n, set, err := OptionalInt(args, "timeout")
	require.NoError(t, err)
	assert.True(t, set)
	assert.Equal(t, 100, n)
	_, set, err = OptionalInt(args, "nothing")
	require.NoError(t, err)
	assert.False(t, set)
	_, _, err = OptionalInt(args, "text")
	assert.ErrorIs(t, err, ErrArgumentType)

	b, err := Bool(args, "cached")
	require.NoError(t, err)
	assert.True(t, b)
	_, err = Bool(args, "timeout")
	assert.ErrorIs(t, err, ErrArgumentType)

	s, err := String(args, "text")
	require.NoError(t, err)
	assert.Equal(t, "abc", s)
	_, err = String(args, "missing")
	assert.ErrorIs(t, err, ErrMissingArgument)

	p, err := Data(args, "hex")
	require.NoError(t, err)
	assert.True(t, p.IsHex)
	assert.Equal(t, "00A4", p.Hex)

	p, err = Data(args, "raw")
	require.NoError(t, err)
	assert.False(t, p.IsHex)
	assert.Equal(t, []byte{0x00, 0xA4, 0xFF}, p.Bytes)

	_, err = Data(args, "bad")
	assert.ErrorIs(t, err, ErrArgumentType)
	_, err = Data(args, "obj")
	assert.ErrorIs(t, err, ErrArgumentType)
	_, err = Data(args, "missing")
	assert.ErrorIs(t, err, ErrMissingArgument)
}

func TestArgs_InProcessValues(t *testing.T) {
	args := map[string]any{
		"timeout": 250,
		"raw":     []byte{0x01, 0x02},
		"frame":   ByteArray{0x03},
		"float":   float64(42),
	}

	n, err := Int(args, "timeout")
	require.NoError(t, err)
	assert.Equal(t, 250, n)

	n, err = Int(args, "float")
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	p, err := Data(args, "raw")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, p.Bytes)

	p, err = Data(args, "frame")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03}, p.Bytes)
}
