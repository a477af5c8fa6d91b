package nfc

import "time"

// Technology is a connectable low-level view of a discovered tag. A physical
// tag exposes several of them; only one may be connected at a time.
type Technology interface {
	Connect() error
	Close() error
	IsConnected() bool
}

// Transceiver is implemented by technologies that can exchange raw frames.
type Transceiver interface {
	Transceive(data []byte) ([]byte, error)
}

// TimeoutSetter is implemented by technologies that accept a per-call timeout.
type TimeoutSetter interface {
	SetTimeout(timeout time.Duration) error
}

// NdefTechnology is the NDEF view of a tag.
type NdefTechnology interface {
	Technology

	// ReadMessage returns the raw NDEF message. With cached set, the message
	// read at discovery time is returned without tag I/O. A tag without a
	// message returns nil.
	ReadMessage(cached bool) ([]byte, error)
	WriteMessage(raw []byte) error
	MakeReadOnly() (bool, error)

	IsWritable() bool
	CanMakeReadOnly() bool
	MaxSize() int
	Type() string
}

// NfcA is the ISO 14443-3A view of a tag.
type NfcA struct {
	Handle Technology
	Atqa   []byte
	Sak    byte
}

// NfcB is the ISO 14443-3B view of a tag.
type NfcB struct {
	Handle          Technology
	ApplicationData []byte
	ProtocolInfo    []byte
}

// IsoDep is the ISO 14443-4 view of a tag.
type IsoDep struct {
	Handle          Technology
	HistoricalBytes []byte // Type A only
	HiLayerResponse []byte // Type B only
}

// NfcF is the JIS 6319-4 (FeliCa) view of a tag.
type NfcF struct {
	Handle       Technology
	Manufacturer []byte
	SystemCode   []byte
}

// NfcV is the ISO 15693 view of a tag.
type NfcV struct {
	Handle Technology
	DsfID  byte
}

// Tag is a tag delivered by reader mode, with every technology view the
// provider could open on it. Absent views are nil.
type Tag struct {
	ID []byte

	NfcA             *NfcA
	NfcB             *NfcB
	IsoDep           *IsoDep
	MifareClassic    Technology
	MifareUltralight Technology
	NfcF             *NfcF
	NfcV             *NfcV
	Ndef             NdefTechnology
}

// TechMask selects technologies for reader mode. Bit values match the
// platform reader-mode flags callers already send.
type TechMask int

const (
	TechNfcA             TechMask = 0x1
	TechNfcB             TechMask = 0x2
	TechNfcF             TechMask = 0x4
	TechNfcV             TechMask = 0x8
	TechBarcode          TechMask = 0x10
	TechSkipNdefCheck    TechMask = 0x80
	TechNoPlatformSounds TechMask = 0x100

	AllTechnologies = TechNfcA | TechNfcB | TechNfcF | TechNfcV
)

// Has reports whether every bit of t is set in m.
func (m TechMask) Has(t TechMask) bool {
	return m&t == t
}

// Availability of the host radio.
type Availability string

const (
	Available    Availability = "available"
	Disabled     Availability = "disabled"
	NotSupported Availability = "not_supported"
)

// Adapter is a tag-technology provider: the host radio and its driver.
type Adapter interface {
	Availability() Availability

	// EnableReaderMode starts discovery restricted to mask. onTag may be
	// called from any goroutine, possibly more than once.
	EnableReaderMode(mask TechMask, onTag func(*Tag)) error

	// DisableReaderMode stops discovery. It must not wait for onTag
	// callbacks that are still running.
	DisableReaderMode() error

	Close() error
}
