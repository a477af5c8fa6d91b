package nfc

// Capabilities describes the optional operations a technology handle supports.
type Capabilities struct {
	CanTransceive bool `json:"canTransceive"`
	CanSetTimeout bool `json:"canSetTimeout"`
	SupportsNDEF  bool `json:"supportsNdef"`
}

// GetCapabilities returns the capabilities of a technology handle, built by
// checking which interfaces the handle implements.
func GetCapabilities(t Technology) Capabilities {
	if t == nil {
		return Capabilities{}
	}
	_, canTransceive := t.(Transceiver)
	_, canSetTimeout := t.(TimeoutSetter)
	_, supportsNDEF := t.(NdefTechnology)
	return Capabilities{
		CanTransceive: canTransceive,
		CanSetTimeout: canSetTimeout,
		SupportsNDEF:  supportsNDEF,
	}
}

// AsTransceiver returns the raw-frame view of t, if it has one.
func AsTransceiver(t Technology) (Transceiver, bool) {
	if t == nil {
		return nil, false
	}
	tr, ok := t.(Transceiver)
	return tr, ok
}

// AsTimeoutSetter returns the timeout view of t, if it has one.
func AsTimeoutSetter(t Technology) (TimeoutSetter, bool) {
	if t == nil {
		return nil, false
	}
	ts, ok := t.(TimeoutSetter)
	return ts, ok
}

// Technology names as reported in TechList.
const (
	TechNameNfcA             = "NfcA"
	TechNameNfcB             = "NfcB"
	TechNameIsoDep           = "IsoDep"
	TechNameMifareClassic    = "MifareClassic"
	TechNameMifareUltralight = "MifareUltralight"
	TechNameNfcF             = "NfcF"
	TechNameNfcV             = "NfcV"
	TechNameNdef             = "Ndef"
)

// TechList lists the technology views present on the tag.
func (t *Tag) TechList() []string {
	var techs []string
	if t.NfcA != nil {
		techs = append(techs, TechNameNfcA)
	}
	if t.NfcB != nil {
		techs = append(techs, TechNameNfcB)
	}
	if t.IsoDep != nil {
		techs = append(techs, TechNameIsoDep)
	}
	if t.MifareClassic != nil {
		techs = append(techs, TechNameMifareClassic)
	}
	if t.MifareUltralight != nil {
		techs = append(techs, TechNameMifareUltralight)
	}
	if t.NfcF != nil {
		techs = append(techs, TechNameNfcF)
	}
	if t.NfcV != nil {
		techs = append(techs, TechNameNfcV)
	}
	if t.Ndef != nil {
		techs = append(techs, TechNameNdef)
	}
	return techs
}
