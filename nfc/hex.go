package nfc

import "fmt"

const hexDigits = "0123456789abcdef"

// BytesToHex converts bytes to a lowercase hex string without separators.
func BytesToHex(data []byte) string {
	result := make([]byte, len(data)*2)
	for i, b := range data {
		result[i*2] = hexDigits[b>>4]
		result[i*2+1] = hexDigits[b&0x0F]
	}
	return string(result)
}

// HexToBytes parses a hex string. Both digit cases are accepted.
func HexToBytes(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, NewFormatError("HexToBytes", fmt.Errorf("odd length hex string (%d)", len(s)))
	}

	result := make([]byte, len(s)/2)
	for i := 0; i < len(s); i += 2 {
		hi, ok := fromHexChar(s[i])
		if !ok {
			return nil, NewFormatError("HexToBytes", fmt.Errorf("invalid hex character %q at offset %d", s[i], i))
		}
		lo, ok := fromHexChar(s[i+1])
		if !ok {
			return nil, NewFormatError("HexToBytes", fmt.Errorf("invalid hex character %q at offset %d", s[i+1], i+1))
		}
		result[i/2] = hi<<4 | lo
	}
	return result, nil
}

func fromHexChar(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
