package pcsc

// family is the tag family a PC/SC reader reports through the ATR.
type family int

const (
	familyUnknown family = iota
	familyClassic
	familyUltralight
	familyIsoDep
)

// Card names from the PC/SC part 3 storage card ATR (supplemental document,
// table 4.3). Only the families the bridge distinguishes are listed.
var cardNames = map[byte]struct {
	family family
	sak    byte
}{
	0x01: {familyClassic, 0x08},    // MIFARE Classic 1K
	0x02: {familyClassic, 0x18},    // MIFARE Classic 4K
	0x03: {familyUltralight, 0x00}, // MIFARE Ultralight
	0x26: {familyClassic, 0x09},    // MIFARE Mini
	0x3A: {familyUltralight, 0x00}, // MIFARE Ultralight C
	0x36: {familyClassic, 0x08},    // MIFARE Plus SL1 2K
	0x37: {familyClassic, 0x18},    // MIFARE Plus SL1 4K
}

// atrInfo is what the bridge learns from an ATR.
type atrInfo struct {
	family     family
	sak        byte
	historical []byte
}

// parseATR classifies a contactless ATR. Storage cards carry the PC/SC
// RID A000000306 in their historical bytes; every other contactless card
// is reported as ISO 14443-4 and its historical bytes are passed through.
func parseATR(atr []byte) atrInfo {
	hist := historicalBytes(atr)
	if hist == nil {
		return atrInfo{family: familyUnknown}
	}

	// 80 4F 0C A0 00 00 03 06 SS NN NN 00 00 00 00
	for i := 0; i+10 < len(hist); i++ {
		if hist[i] == 0x80 && hist[i+1] == 0x4F &&
			hist[i+3] == 0xA0 && hist[i+4] == 0x00 && hist[i+5] == 0x00 &&
			hist[i+6] == 0x03 && hist[i+7] == 0x06 {
			if card, ok := cardNames[hist[i+10]]; ok {
				return atrInfo{family: card.family, sak: card.sak}
			}
			return atrInfo{family: familyUnknown}
		}
	}

	return atrInfo{family: familyIsoDep, sak: 0x20, historical: hist}
}

// historicalBytes returns the historical bytes of atr, or nil if the ATR is
// malformed or has none.
//
//	TS T0 [TA1 TB1 TC1 TD1] [TA2 ...] historical bytes [TCK]
func historicalBytes(atr []byte) []byte {
	if len(atr) < 2 {
		return nil
	}
	if ts := atr[0]; ts != 0x3B && ts != 0x3F {
		return nil
	}

	t0 := atr[1]
	n := int(t0 & 0x0F)
	if n == 0 {
		return nil
	}

	pos := 2
	td := t0
	for {
		for _, bit := range []byte{0x10, 0x20, 0x40} {
			if td&bit != 0 {
				pos++
			}
		}
		if td&0x80 == 0 {
			break
		}
		if pos >= len(atr) {
			return nil
		}
		td = atr[pos]
		pos++
	}

	if pos+n > len(atr) {
		return nil
	}
	return append([]byte(nil), atr[pos:pos+n]...)
}
