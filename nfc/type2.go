package nfc

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/nedpals/nfc-bridge/internal/syncutil"
)

// Type 2 memory layout
const (
	type2LockPage  = 2
	type2CCPage    = 3
	type2DataStart = 4
	type2PageSize  = 4
	type2CCMagic   = 0xE1
	type2ReadOnly  = 0x0F
	type2ACK       = 0x0A
)

// PageLink reads and writes the 4-byte pages of a Type 2 tag.
type PageLink interface {
	Open() error
	Close() error
	ReadPage(page byte) ([4]byte, error)
	WritePage(page byte, data [4]byte) error
}

// NativePageLink implements PageLink with the native READ and WRITE
// commands exchanged over a Link.
type NativePageLink struct {
	Link
}

func (n NativePageLink) ReadPage(page byte) ([4]byte, error) {
	var out [4]byte
	resp, err := n.Transceive(UltralightReadCommand(page))
	if err != nil {
		return out, err
	}
	if len(resp) < type2PageSize {
		return out, fmt.Errorf("read page %d: short response %x", page, resp)
	}
	copy(out[:], resp)
	return out, nil
}

func (n NativePageLink) WritePage(page byte, data [4]byte) error {
	resp, err := n.Transceive(UltralightWriteCommand(page, data))
	if err != nil {
		return err
	}
	// Some drivers consume the 4-bit ACK themselves.
	if len(resp) > 0 && resp[0]&0x0F != type2ACK {
		return fmt.Errorf("write page %d: NAK %02X", page, resp[0])
	}
	return nil
}

// Type2 is the NDEF view of an NFC Forum Type 2 tag (MIFARE Ultralight,
// NTAG21x).
type Type2 struct {
	link PageLink

	mu        syncutil.Mutex
	connected bool
	size      int  // data area size from the CC
	access    byte // CC byte 3
	cached    []byte
}

var _ NdefTechnology = (*Type2)(nil)

// NewType2 reads the capability container of the tag behind link and the
// NDEF message it currently holds. Tags without the E1 magic byte yield
// ErrNotNdefFormatted.
func NewType2(link PageLink) (*Type2, error) {
	if err := link.Open(); err != nil {
		return nil, fmt.Errorf("open link: %w", err)
	}
	defer func() {
		if err := link.Close(); err != nil {
			log.Debug().Err(err).Msg("type 2 probe: close link")
		}
	}()

	cc, err := link.ReadPage(type2CCPage)
	if err != nil {
		return nil, fmt.Errorf("read capability container: %w", err)
	}
	if cc[0] != type2CCMagic {
		return nil, ErrNotNdefFormatted
	}

	t := &Type2{
		link:   link,
		size:   int(cc[2]) * 8,
		access: cc[3],
	}
	msg, err := t.readMessage()
	if err != nil {
		log.Debug().Err(err).Msg("type 2 probe: no cached NDEF message")
	}
	t.cached = msg

	log.Debug().
		Int("size", t.size).
		Uint8("access", t.access).
		Msg("type 2 NDEF capability container found")
	return t, nil
}

func (t *Type2) readMessage() ([]byte, error) {
	pages := (t.size + type2PageSize - 1) / type2PageSize
	data := make([]byte, 0, pages*type2PageSize)
	for i := range pages {
		page, err := t.link.ReadPage(byte(type2DataStart + i))
		if err != nil {
			return nil, err
		}
		data = append(data, page[:]...)

		// stop early once the NDEF TLV has been read completely
		if msg, ok := TLVFindNDEF(data); ok {
			return append([]byte(nil), msg...), nil
		}
	}

	msg, ok := TLVFindNDEF(data)
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), msg...), nil
}

func (t *Type2) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return errors.New("technology already connected")
	}
	if err := t.link.Open(); err != nil {
		return err
	}
	t.connected = true
	return nil
}

func (t *Type2) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	t.connected = false
	return t.link.Close()
}

func (t *Type2) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Type2) ReadMessage(cached bool) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cached {
		return t.cached, nil
	}
	if !t.connected {
		return nil, ErrNotConnected
	}
	return t.readMessage()
}

func (t *Type2) WriteMessage(raw []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	if t.access&0x0F != 0 {
		return errors.New("tag is read-only")
	}

	tlv := TLVEncode(raw, TLVNDEF)
	if len(tlv) > t.size {
		// the terminator may be dropped when the message fills the data area
		if len(tlv)-1 > t.size {
			return fmt.Errorf("NDEF message (%d bytes) exceeds capacity (%d bytes)", len(raw), t.size-TLVOverhead(len(raw)))
		}
		tlv = tlv[:len(tlv)-1]
	}
	for len(tlv)%type2PageSize != 0 {
		tlv = append(tlv, 0x00)
	}

	for i := 0; i < len(tlv); i += type2PageSize {
		var page [4]byte
		copy(page[:], tlv[i:])
		if err := t.link.WritePage(byte(type2DataStart+i/type2PageSize), page); err != nil {
			return fmt.Errorf("write NDEF data: %w", err)
		}
	}
	return nil
}

// MakeReadOnly sets the CC write access to read-only and then sets the
// static lock bits of page 2.
func (t *Type2) MakeReadOnly() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return false, ErrNotConnected
	}

	cc, err := t.link.ReadPage(type2CCPage)
	if err != nil {
		return false, err
	}
	cc[3] = type2ReadOnly
	if err := t.link.WritePage(type2CCPage, cc); err != nil {
		return false, fmt.Errorf("update capability container: %w", err)
	}
	t.access = type2ReadOnly

	lock, err := t.link.ReadPage(type2LockPage)
	if err != nil {
		return false, err
	}
	lock[2], lock[3] = 0xFF, 0xFF
	if err := t.link.WritePage(type2LockPage, lock); err != nil {
		return false, fmt.Errorf("set static lock bits: %w", err)
	}
	return true, nil
}

func (t *Type2) IsWritable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.access&0x0F == 0
}

func (t *Type2) CanMakeReadOnly() bool {
	return t.IsWritable()
}

func (t *Type2) MaxSize() int {
	if t.size <= 2 {
		return 0
	}
	return t.size - TLVOverhead(t.size)
}

func (t *Type2) Type() string {
	return NdefTypeType2
}
