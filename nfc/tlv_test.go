package nfc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTLVEncode(t *testing.T) {
	long := bytes.Repeat([]byte{0xAB}, 300)

	tests := []struct {
		name  string
		value []byte
		want  []byte
	}{
		{"empty", nil, []byte{0x03, 0x00, 0xFE}},
		{"short", []byte{0x01, 0x02, 0x03, 0x04}, []byte{0x03, 0x04, 0x01, 0x02, 0x03, 0x04, 0xFE}},
		{"254 bytes stays short", make([]byte, 254), append(append([]byte{0x03, 0xFE}, make([]byte, 254)...), 0xFE)},
		{"255 bytes goes long", make([]byte, 255), append(append([]byte{0x03, 0xFF, 0x00, 0xFF}, make([]byte, 255)...), 0xFE)},
		{"300 bytes", long, append(append([]byte{0x03, 0xFF, 0x01, 0x2C}, long...), 0xFE)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TLVEncode(tt.value, TLVNDEF)
			assert.Equal(t, tt.want, got)
			assert.Len(t, got, len(tt.value)+TLVOverhead(len(tt.value))+1)
		})
	}
}

func TestTLVFindNDEF(t *testing.T) {
	long := bytes.Repeat([]byte{0x5A}, 300)

	tests := []struct {
		name  string
		data  []byte
		want  []byte
		found bool
	}{
		{"bare ndef", []byte{0x03, 0x02, 0xD0, 0x00, 0xFE}, []byte{0xD0, 0x00}, true},
		{"empty ndef", []byte{0x03, 0x00, 0xFE}, []byte{}, true},
		{"after nulls", []byte{0x00, 0x00, 0x03, 0x01, 0xAA, 0xFE}, []byte{0xAA}, true},
		{"after lock and memory control", []byte{0x01, 0x03, 0xA0, 0x10, 0x44, 0x02, 0x03, 0x00, 0x00, 0x00, 0x03, 0x01, 0xBB}, []byte{0xBB}, true},
		{"after proprietary", []byte{0xFD, 0x01, 0x99, 0x03, 0x01, 0xCC}, []byte{0xCC}, true},
		{"long form", append([]byte{0x03, 0xFF, 0x01, 0x2C}, long...), long, true},
		{"terminator first", []byte{0xFE, 0x03, 0x01, 0xAA}, nil, false},
		{"value past end", []byte{0x03, 0x05, 0x01}, nil, false},
		{"truncated long length", []byte{0x03, 0xFF, 0x01}, nil, false},
		{"no ndef", []byte{0x01, 0x01, 0x00, 0xFE}, nil, false},
		{"empty input", nil, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := TLVFindNDEF(tt.data)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTLVRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 254, 255, 1024} {
		value := bytes.Repeat([]byte{byte(n)}, n)
		got, ok := TLVFindNDEF(TLVEncode(value, TLVNDEF))
		assert.True(t, ok, "size %d", n)
		assert.Equal(t, value, got, "size %d", n)
	}
}
