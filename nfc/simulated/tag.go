package simulated

import (
	"errors"
	"fmt"
	"time"

	"github.com/nedpals/nfc-bridge/internal/syncutil"
	"github.com/nedpals/nfc-bridge/nfc"
)

// Technology names accepted in a Spec.
const (
	TechNfcA             = "nfca"
	TechNfcB             = "nfcb"
	TechIsoDep           = "isodep"
	TechMifareClassic    = "mifare_classic"
	TechMifareUltralight = "mifare_ultralight"
	TechNfcF             = "nfcf"
	TechNfcV             = "nfcv"
	TechNdef             = "ndef"
)

// ErrAlreadyConnected is returned when a second technology view of the same
// tag is connected.
var ErrAlreadyConnected = errors.New("another technology of this tag is connected")

// ErrOutOfField is returned by the views of a tag that was removed.
var ErrOutOfField = errors.New("tag out of field")

// Spec describes a virtual tag.
type Spec struct {
	ID           []byte
	Technologies []string

	Atqa            []byte
	Sak             byte
	HistoricalBytes []byte
	HiLayerResponse []byte
	ProtocolInfo    []byte
	ApplicationData []byte
	Manufacturer    []byte
	SystemCode      []byte
	DsfID           byte

	// Message is the initial NDEF message.
	Message  []byte
	Writable bool
	// Capacity of the NDEF area in bytes; 0 means 256.
	Capacity int

	// Delay before the tag is discovered once reader mode is on.
	Delay time.Duration

	// Respond answers raw frames for tags without an emulated NDEF card
	// behind them. Nil echoes the frame.
	Respond func([]byte) ([]byte, error)
}

func (s Spec) has(tech string) bool {
	for _, t := range s.Technologies {
		if t == tech {
			return true
		}
	}
	return false
}

// matches reports whether reader mode restricted to mask would see the tag.
// A tag exposing none of the radio technologies is seen by every mask.
func (s Spec) matches(mask nfc.TechMask) bool {
	typeA := s.has(TechNfcA) || s.has(TechMifareClassic) || s.has(TechMifareUltralight) ||
		(s.has(TechIsoDep) && !s.has(TechNfcB))
	radios := map[nfc.TechMask]bool{
		nfc.TechNfcA: typeA,
		nfc.TechNfcB: s.has(TechNfcB),
		nfc.TechNfcF: s.has(TechNfcF),
		nfc.TechNfcV: s.has(TechNfcV),
	}

	radio := false
	for bit, present := range radios {
		if !present {
			continue
		}
		radio = true
		if mask.Has(bit) {
			return true
		}
	}
	return !radio
}

// Event is one exchange recorded on a virtual tag.
type Event struct {
	Op   string
	Data []byte
}

// Tag is a virtual tag. Its NDEF content persists across discoveries, and
// every technology view handed out for it shares one connection, so at most
// one view can be connected at a time.
type Tag struct {
	spec Spec

	mu           syncutil.Mutex
	open         bool
	inField      bool
	maxConnected int
	events       []Event
	timeout      time.Duration

	card nfc.TimedLink // emulated NDEF card, if any

	// NDEF content of tags without an emulated card
	message  []byte
	writable bool
	capacity int
}

// NewTag creates a virtual tag from spec.
func NewTag(spec Spec) *Tag {
	capacity := spec.Capacity
	if capacity == 0 {
		capacity = 256
	}
	t := &Tag{
		spec:     spec,
		inField:  true,
		message:  append([]byte(nil), spec.Message...),
		writable: spec.Writable,
		capacity: capacity,
	}

	if spec.has(TechNdef) {
		switch {
		case spec.has(TechIsoDep):
			t.card = nfc.NewType4Card(capacity, spec.Message, spec.Writable)
		case spec.has(TechMifareUltralight):
			card := nfc.NewType2Card(spec.ID, capacity, spec.Message)
			if !spec.Writable {
				card.SetReadOnly()
			}
			t.card = card
		}
	}
	return t
}

// ID returns the tag UID.
func (t *Tag) ID() []byte {
	return t.spec.ID
}

// Spec returns the spec the tag was created from.
func (t *Tag) Spec() Spec {
	return t.spec
}

// Events returns the recorded exchanges, in order.
func (t *Tag) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.events...)
}

// Connected reports whether one of the tag's views is connected.
func (t *Tag) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// MaxConnected returns the highest number of views ever connected at once.
// It can only exceed 1 if the single-connection rule was broken.
func (t *Tag) MaxConnected() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxConnected
}

// Timeout returns the last transceive timeout applied to the tag.
func (t *Tag) Timeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeout
}

func (t *Tag) setInField(in bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inField = in
	if !in {
		t.open = false
	}
}

func (t *Tag) record(op string, data []byte) {
	t.events = append(t.events, Event{Op: op, Data: append([]byte(nil), data...)})
}

// Open implements nfc.Link.
func (t *Tag) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.inField {
		return ErrOutOfField
	}
	if t.open {
		t.maxConnected = 2
		return ErrAlreadyConnected
	}
	t.open = true
	t.maxConnected = max(t.maxConnected, 1)
	t.record("open", nil)
	if t.card != nil {
		return t.card.Open()
	}
	return nil
}

// Close implements nfc.Link.
func (t *Tag) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return nil
	}
	t.open = false
	t.record("close", nil)
	if t.card != nil {
		return t.card.Close()
	}
	return nil
}

// Transceive implements nfc.Link.
func (t *Tag) Transceive(data []byte) ([]byte, error) {
	t.mu.Lock()
	if !t.inField {
		t.mu.Unlock()
		return nil, ErrOutOfField
	}
	if !t.open {
		t.mu.Unlock()
		return nil, nfc.ErrNotConnected
	}
	t.record("transceive", data)
	card, respond := t.card, t.spec.Respond
	t.mu.Unlock()

	switch {
	case card != nil:
		return card.Transceive(data)
	case respond != nil:
		return respond(data)
	}
	return append([]byte(nil), data...), nil
}

// SetTimeout implements nfc.TimedLink.
func (t *Tag) SetTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = timeout
	if t.card != nil {
		return t.card.SetTimeout(timeout)
	}
	return nil
}

var _ nfc.TimedLink = (*Tag)(nil)

// views builds the technology views of one discovery of t.
func (t *Tag) views() (*nfc.Tag, error) {
	s := t.spec
	tag := &nfc.Tag{ID: s.ID}

	if s.has(TechNfcA) {
		tag.NfcA = &nfc.NfcA{Handle: nfc.NewTimedLinkTech(t), Atqa: s.Atqa, Sak: s.Sak}
	}
	if s.has(TechNfcB) {
		tag.NfcB = &nfc.NfcB{Handle: nfc.NewTimedLinkTech(t), ApplicationData: s.ApplicationData, ProtocolInfo: s.ProtocolInfo}
	}
	if s.has(TechIsoDep) {
		tag.IsoDep = &nfc.IsoDep{Handle: nfc.NewTimedLinkTech(t), HistoricalBytes: s.HistoricalBytes, HiLayerResponse: s.HiLayerResponse}
	}
	if s.has(TechMifareClassic) {
		tag.MifareClassic = nfc.NewPlainTech(t)
	}
	if s.has(TechMifareUltralight) {
		tag.MifareUltralight = nfc.NewLinkTech(t)
	}
	if s.has(TechNfcF) {
		tag.NfcF = &nfc.NfcF{Handle: nfc.NewLinkTech(t), Manufacturer: s.Manufacturer, SystemCode: s.SystemCode}
	}
	if s.has(TechNfcV) {
		tag.NfcV = &nfc.NfcV{Handle: nfc.NewLinkTech(t), DsfID: s.DsfID}
	}

	if s.has(TechNdef) {
		ndef, err := t.ndefView()
		if err != nil {
			return nil, fmt.Errorf("ndef view of %s: %w", nfc.BytesToHex(s.ID), err)
		}
		tag.Ndef = ndef
	}
	return tag, nil
}

func (t *Tag) ndefView() (nfc.NdefTechnology, error) {
	switch {
	case t.spec.has(TechIsoDep):
		return nfc.NewType4(t)
	case t.spec.has(TechMifareUltralight):
		return nfc.NewType2(nfc.NativePageLink{Link: t})
	}
	return newMemoryNdef(t), nil
}
