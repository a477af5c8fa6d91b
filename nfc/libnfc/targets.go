package libnfc

import (
	gonfc "github.com/clausecker/nfc/v2"

	"github.com/nedpals/nfc-bridge/nfc"
)

var (
	modTypeA     = gonfc.Modulation{Type: gonfc.ISO14443a, BaudRate: gonfc.Nbr106}
	modTypeB     = gonfc.Modulation{Type: gonfc.ISO14443b, BaudRate: gonfc.Nbr106}
	modFeliCa212 = gonfc.Modulation{Type: gonfc.Felica, BaudRate: gonfc.Nbr212}
	modFeliCa424 = gonfc.Modulation{Type: gonfc.Felica, BaudRate: gonfc.Nbr424}
)

// modulationsFor maps reader-mode flags to the modulations listed on each
// scan. ISO 15693 is not supported by libnfc initiators.
func modulationsFor(mask nfc.TechMask) []gonfc.Modulation {
	var mods []gonfc.Modulation
	if mask.Has(nfc.TechNfcA) {
		mods = append(mods, modTypeA)
	}
	if mask.Has(nfc.TechNfcB) {
		mods = append(mods, modTypeB)
	}
	if mask.Has(nfc.TechNfcF) {
		mods = append(mods, modFeliCa212, modFeliCa424)
	}
	return mods
}

// historicalBytes extracts the historical bytes from an ATS as stored by
// libnfc (without the TL byte): T0, optional TA/TB/TC, then the
// historical bytes.
func historicalBytes(ats []byte) []byte {
	if len(ats) == 0 {
		return nil
	}
	t0 := ats[0]
	i := 1
	for _, bit := range []byte{0x10, 0x20, 0x40} {
		if t0&bit != 0 {
			i++
		}
	}
	if i >= len(ats) {
		return nil
	}
	return append([]byte(nil), ats[i:]...)
}

func typeAInfo(t *gonfc.ISO14443aTarget) nfc.TypeAInfo {
	uidLen := min(max(int(t.UIDLen), 0), len(t.UID))
	atsLen := min(max(int(t.AtsLen), 0), len(t.Ats))
	return nfc.TypeAInfo{
		UID:             append([]byte(nil), t.UID[:uidLen]...),
		Atqa:            []byte{t.Atqa[0], t.Atqa[1]},
		Sak:             t.Sak,
		HistoricalBytes: historicalBytes(t.Ats[:atsLen]),
	}
}

func typeBInfo(t *gonfc.ISO14443bTarget) nfc.TypeBInfo {
	return nfc.TypeBInfo{
		PUPI:            append([]byte(nil), t.Pupi[:]...),
		ApplicationData: append([]byte(nil), t.ApplicationData[:]...),
		ProtocolInfo:    append([]byte(nil), t.ProtocolInfo[:]...),
		// Protocol_Type bit 0: PICC compliant with ISO 14443-4
		Iso14443_4: t.ProtocolInfo[1]&0x01 != 0,
	}
}

func feliCaInfo(t *gonfc.FelicaTarget) nfc.FeliCaInfo {
	return nfc.FeliCaInfo{
		IDm:        append([]byte(nil), t.ID[:]...),
		PMm:        append([]byte(nil), t.Pad[:]...),
		SystemCode: append([]byte(nil), t.SysCode[:]...),
	}
}

// targetUID returns the identifier used to recognise a target across scans.
func targetUID(target gonfc.Target) []byte {
	switch t := target.(type) {
	case *gonfc.ISO14443aTarget:
		return typeAInfo(t).UID
	case *gonfc.ISO14443bTarget:
		return t.Pupi[:]
	case *gonfc.FelicaTarget:
		return t.ID[:]
	}
	return nil
}
