package nfc

// Kind is the canonical tag kind reported by poll.
type Kind string

const (
	KindIsoDep           Kind = "iso7816"
	KindMifareClassic    Kind = "mifare_classic"
	KindMifareUltralight Kind = "mifare_ultralight"
	KindFeliCa           Kind = "iso18092"
	KindIso15693         Kind = "iso15693"
	KindUnknown          Kind = "unknown"
)

// Protocol family strings.
const (
	StandardTypeA4   = "ISO 14443-4 (Type A)"
	StandardTypeB4   = "ISO 14443-4 (Type B)"
	StandardTypeA3   = "ISO 14443-3 (Type A)"
	StandardTypeB3   = "ISO 14443-3 (Type B)"
	StandardFeliCa   = "ISO 18092 (FeliCa)"
	StandardIso15693 = "ISO 15693"
	StandardUnknown  = "unknown"
)

// TagDescriptor is the immutable snapshot of a tag taken at poll time.
// Optional fields are nil unless they apply to Kind.
type TagDescriptor struct {
	Kind     Kind
	Standard string
	ID       []byte

	Atqa            []byte
	Sak             []byte
	HistoricalBytes []byte
	ProtocolInfo    []byte
	ApplicationData []byte
	HiLayerResponse []byte
	Manufacturer    []byte
	SystemCode      []byte
	DsfID           []byte
}

// NdefDescriptor describes the NDEF capability found at poll time.
type NdefDescriptor struct {
	Available       bool
	Writable        bool
	CanLockReadOnly bool
	CapacityBytes   int
	TypeName        string
}

// PollResult is the object a successful poll resolves with. Byte fields are
// hex; fields that do not apply to the tag are empty strings.
type PollResult struct {
	Type                string `json:"type"`
	ID                  string `json:"id"`
	Standard            string `json:"standard"`
	Atqa                string `json:"atqa"`
	Sak                 string `json:"sak"`
	HistoricalBytes     string `json:"historicalBytes"`
	ProtocolInfo        string `json:"protocolInfo"`
	ApplicationData     string `json:"applicationData"`
	HiLayerResponse     string `json:"hiLayerResponse"`
	Manufacturer        string `json:"manufacturer"`
	SystemCode          string `json:"systemCode"`
	DsfID               string `json:"dsfId"`
	NdefAvailable       bool   `json:"ndefAvailable"`
	NdefType            string `json:"ndefType"`
	NdefWritable        bool   `json:"ndefWritable"`
	NdefCanMakeReadOnly bool   `json:"ndefCanMakeReadOnly"`
	NdefCapacity        int    `json:"ndefCapacity"`
}

// NewPollResult flattens the descriptors into the poll result object.
func NewPollResult(tag TagDescriptor, ndef NdefDescriptor) *PollResult {
	return &PollResult{
		Type:                string(tag.Kind),
		ID:                  BytesToHex(tag.ID),
		Standard:            tag.Standard,
		Atqa:                BytesToHex(tag.Atqa),
		Sak:                 BytesToHex(tag.Sak),
		HistoricalBytes:     BytesToHex(tag.HistoricalBytes),
		ProtocolInfo:        BytesToHex(tag.ProtocolInfo),
		ApplicationData:     BytesToHex(tag.ApplicationData),
		HiLayerResponse:     BytesToHex(tag.HiLayerResponse),
		Manufacturer:        BytesToHex(tag.Manufacturer),
		SystemCode:          BytesToHex(tag.SystemCode),
		DsfID:               BytesToHex(tag.DsfID),
		NdefAvailable:       ndef.Available,
		NdefType:            ndef.TypeName,
		NdefWritable:        ndef.Writable,
		NdefCanMakeReadOnly: ndef.CanLockReadOnly,
		NdefCapacity:        ndef.CapacityBytes,
	}
}

// Classify resolves the technology set of tag into a descriptor and picks
// the primary handle. The first matching family wins: Type A, Type B,
// FeliCa, ISO 15693. A tag matching none of them has no primary handle.
func Classify(tag *Tag) (TagDescriptor, Technology) {
	desc := TagDescriptor{ID: tag.ID}
	var primary Technology

	switch {
	case tag.NfcA != nil:
		desc.Atqa = tag.NfcA.Atqa
		desc.Sak = []byte{tag.NfcA.Sak}
		primary = tag.NfcA.Handle

		switch {
		case tag.IsoDep != nil:
			desc.Kind = KindIsoDep
			desc.Standard = StandardTypeA4
			desc.HistoricalBytes = tag.IsoDep.HistoricalBytes
			primary = tag.IsoDep.Handle
		case tag.MifareClassic != nil:
			desc.Kind = KindMifareClassic
			desc.Standard = StandardTypeA3
		case tag.MifareUltralight != nil:
			desc.Kind = KindMifareUltralight
			desc.Standard = StandardTypeA3
		default:
			desc.Kind = KindUnknown
			desc.Standard = StandardTypeA3
		}

	case tag.NfcB != nil:
		desc.ProtocolInfo = tag.NfcB.ProtocolInfo
		desc.ApplicationData = tag.NfcB.ApplicationData

		if tag.IsoDep != nil {
			desc.Kind = KindIsoDep
			desc.Standard = StandardTypeB4
			desc.HiLayerResponse = tag.IsoDep.HiLayerResponse
			primary = tag.IsoDep.Handle
		} else {
			desc.Kind = KindUnknown
			desc.Standard = StandardTypeB3
			primary = tag.NfcB.Handle
		}

	case tag.NfcF != nil:
		desc.Kind = KindFeliCa
		desc.Standard = StandardFeliCa
		desc.Manufacturer = tag.NfcF.Manufacturer
		desc.SystemCode = tag.NfcF.SystemCode
		primary = tag.NfcF.Handle

	case tag.NfcV != nil:
		desc.Kind = KindIso15693
		desc.Standard = StandardIso15693
		desc.DsfID = []byte{tag.NfcV.DsfID}
		primary = tag.NfcV.Handle

	default:
		desc.Kind = KindUnknown
		desc.Standard = StandardUnknown
	}

	return desc, primary
}

// DescribeNdef captures the NDEF capability of tech. A nil tech yields the
// zero descriptor.
func DescribeNdef(tech NdefTechnology) NdefDescriptor {
	if tech == nil {
		return NdefDescriptor{}
	}
	return NdefDescriptor{
		Available:       true,
		Writable:        tech.IsWritable(),
		CanLockReadOnly: tech.CanMakeReadOnly(),
		CapacityBytes:   tech.MaxSize(),
		TypeName:        tech.Type(),
	}
}
