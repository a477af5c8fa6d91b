package nfc

// TLV blocks in the data area of a Type 2 tag (NFC Forum T2T 1.0, section 2.3).
const (
	TLVNull        = 0x00
	TLVLockCtrl    = 0x01
	TLVMemCtrl     = 0x02
	TLVNDEF        = 0x03
	TLVProprietary = 0xFD
	TLVTerminator  = 0xFE
)

// lengths of 0xFF and above use the three-byte form: 0xFF, then big endian
const tlvLongLength = 0xFF

// TLVEncode wraps value in a TLV block of type typ followed by a
// Terminator TLV.
func TLVEncode(value []byte, typ byte) []byte {
	out := make([]byte, 0, len(value)+TLVOverhead(len(value))+1)
	out = append(out, typ)
	if n := len(value); n < tlvLongLength {
		out = append(out, byte(n))
	} else {
		out = append(out, tlvLongLength, byte(n>>8), byte(n))
	}
	out = append(out, value...)
	return append(out, TLVTerminator)
}

// TLVOverhead returns the size of the type and length fields of a TLV
// holding n value bytes.
func TLVOverhead(n int) int {
	if n < tlvLongLength {
		return 2
	}
	return 4
}

// tlvHeader reads the length of the TLV block starting at data[0] and the
// offset of its value. ok is false when the length field is truncated.
func tlvHeader(data []byte) (length, valueAt int, ok bool) {
	switch {
	case len(data) < 2:
		return 0, 0, false
	case data[1] != tlvLongLength:
		return int(data[1]), 2, true
	case len(data) < 4:
		return 0, 0, false
	default:
		return int(data[2])<<8 | int(data[3]), 4, true
	}
}

// TLVFindNDEF returns the value of the first NDEF Message TLV in data.
// Null TLVs are skipped, other blocks are stepped over, and a Terminator
// TLV or malformed block ends the search.
func TLVFindNDEF(data []byte) ([]byte, bool) {
	for len(data) > 0 {
		switch data[0] {
		case TLVNull:
			data = data[1:]
			continue
		case TLVTerminator:
			return nil, false
		}

		length, valueAt, ok := tlvHeader(data)
		if !ok || valueAt+length > len(data) {
			return nil, false
		}
		if data[0] == TLVNDEF {
			return data[valueAt : valueAt+length], true
		}
		data = data[valueAt+length:]
	}
	return nil, false
}
