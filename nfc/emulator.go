package nfc

import (
	"bytes"
	"errors"
	"time"

	"github.com/nedpals/nfc-bridge/internal/syncutil"
)

// ErrLinkClosed is returned by the emulated cards when used while closed.
var ErrLinkClosed = errors.New("link not open")

var (
	swOK             = []byte{0x90, 0x00}
	swFileNotFound   = []byte{0x6A, 0x82}
	swWrongParams    = []byte{0x6B, 0x00}
	swNotAllowed     = []byte{0x69, 0x86}
	swSecurityStatus = []byte{0x69, 0x82}
	swINSUnsupported = []byte{0x6D, 0x00}
	swCLAUnsupported = []byte{0x6E, 0x00}
)

// Type4Card is an in-memory NFC Forum Type 4 tag. It answers SELECT, READ
// BINARY and UPDATE BINARY for the NDEF application and implements
// TimedLink, so it can stand behind every view of an ISO-DEP tag.
type Type4Card struct {
	mu       syncutil.Mutex
	open     bool
	appSel   bool
	selected []byte // content of the currently selected file
	selFID   []byte
	cc       []byte
	file     []byte
	timeout  time.Duration
	lockable bool
}

var _ TimedLink = (*Type4Card)(nil)

// NewType4Card creates a card whose NDEF file holds capacity message bytes
// and the given message.
func NewType4Card(capacity int, message []byte, writable bool) *Type4Card {
	fileSize := capacity + 2
	access := byte(type4AccessGranted)
	if !writable {
		access = type4AccessDenied
	}
	cc := []byte{
		0x00, ccFileLength, // CCLEN
		0x20,       // mapping version 2.0
		0x00, 0x3B, // MLe
		0x00, 0x34, // MLc
		ccNdefFileCtrlTLV, 0x06,
		fidNDEF[0], fidNDEF[1],
		byte(fileSize >> 8), byte(fileSize),
		type4AccessGranted, access,
	}

	file := make([]byte, fileSize)
	copy(file[2:], message)
	copy(file, Uint16ToBytes(uint16(len(message))))

	return &Type4Card{cc: cc, file: file, lockable: true}
}

// SetLockable controls whether the card accepts updates to its CC file.
func (c *Type4Card) SetLockable(lockable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockable = lockable
}

// Message returns the NDEF message currently stored on the card.
func (c *Type4Card) Message() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := int(BytesToUint16(c.file))
	return bytes.Clone(c.file[2 : 2+n])
}

// Timeout returns the last timeout set on the card.
func (c *Type4Card) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

func (c *Type4Card) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = true
	c.appSel = false
	c.selected = nil
	c.selFID = nil
	return nil
}

func (c *Type4Card) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

func (c *Type4Card) SetTimeout(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
	return nil
}

func (c *Type4Card) Transceive(data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil, ErrLinkClosed
	}
	if len(data) < 4 {
		return bytes.Clone(swWrongParams), nil
	}
	if data[0] != CLAStandard {
		return bytes.Clone(swCLAUnsupported), nil
	}

	offset := int(data[2])<<8 | int(data[3])
	switch data[1] {
	case INSSelectFile:
		return c.selectFile(data), nil
	case INSReadBinary:
		if c.selected == nil {
			return bytes.Clone(swNotAllowed), nil
		}
		le := 0
		if len(data) > 4 {
			le = int(data[4])
		}
		if offset > len(c.selected) {
			return bytes.Clone(swWrongParams), nil
		}
		end := min(offset+le, len(c.selected))
		return append(bytes.Clone(c.selected[offset:end]), swOK...), nil
	case INSUpdateBin:
		return c.updateBinary(offset, data), nil
	}
	return bytes.Clone(swINSUnsupported), nil
}

func (c *Type4Card) selectFile(apdu []byte) []byte {
	if len(apdu) < 5 || len(apdu) < 5+int(apdu[4]) {
		return bytes.Clone(swWrongParams)
	}
	arg := apdu[5 : 5+int(apdu[4])]

	switch apdu[2] {
	case P1SelectByDFName:
		if !bytes.Equal(arg, aidNDEF) {
			c.appSel = false
			return bytes.Clone(swFileNotFound)
		}
		c.appSel = true
		c.selected = nil
		return bytes.Clone(swOK)
	case P1SelectByID:
		if !c.appSel {
			return bytes.Clone(swFileNotFound)
		}
		switch {
		case bytes.Equal(arg, fidCC):
			c.selected = c.cc
		case bytes.Equal(arg, fidNDEF):
			c.selected = c.file
		default:
			return bytes.Clone(swFileNotFound)
		}
		c.selFID = bytes.Clone(arg)
		return bytes.Clone(swOK)
	}
	return bytes.Clone(swWrongParams)
}

func (c *Type4Card) updateBinary(offset int, apdu []byte) []byte {
	if c.selected == nil || len(apdu) < 5 || len(apdu) < 5+int(apdu[4]) {
		return bytes.Clone(swNotAllowed)
	}
	payload := apdu[5 : 5+int(apdu[4])]
	if offset+len(payload) > len(c.selected) {
		return bytes.Clone(swWrongParams)
	}

	if bytes.Equal(c.selFID, fidCC) {
		if !c.lockable {
			return bytes.Clone(swSecurityStatus)
		}
	} else if c.cc[len(c.cc)-1] == type4AccessDenied {
		return bytes.Clone(swSecurityStatus)
	}

	copy(c.selected[offset:], payload)
	return bytes.Clone(swOK)
}

// Type2Card is an in-memory NFC Forum Type 2 tag answering the native READ
// and WRITE commands. Page 3 holds the capability container and the data
// area starts at page 4.
type Type2Card struct {
	mu      syncutil.Mutex
	open    bool
	pages   [][4]byte
	timeout time.Duration
}

var _ TimedLink = (*Type2Card)(nil)

// NewType2Card creates a card with a data area of dataSize bytes holding
// message wrapped in an NDEF TLV.
func NewType2Card(uid []byte, dataSize int, message []byte) *Type2Card {
	numPages := 4 + (dataSize+3)/4
	c := &Type2Card{pages: make([][4]byte, numPages)}

	var head [12]byte
	copy(head[:], uid)
	for i := range 3 {
		copy(c.pages[i][:], head[i*4:])
	}
	c.pages[3] = [4]byte{0xE1, 0x10, byte(dataSize / 8), 0x00}

	tlv := TLVEncode(message, TLVNDEF)
	for i := 0; i < len(tlv) && 16+i < numPages*4; i++ {
		c.pages[4+i/4][i%4] = tlv[i]
	}
	return c
}

// SetReadOnly sets the CC write access nibble, as a tag locked at the
// factory would have it.
func (c *Type2Card) SetReadOnly() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[3][3] = 0x0F
}

// Page returns the content of page n.
func (c *Type2Card) Page(n int) [4]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pages[n]
}

func (c *Type2Card) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = true
	return nil
}

func (c *Type2Card) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

func (c *Type2Card) SetTimeout(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
	return nil
}

func (c *Type2Card) Transceive(data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil, ErrLinkClosed
	}
	if len(data) < 2 || int(data[1]) >= len(c.pages) {
		return []byte{0x00}, nil
	}

	page := int(data[1])
	switch data[0] {
	case CmdUltralightRead:
		out := make([]byte, 0, 16)
		for i := range 4 {
			p := c.pages[(page+i)%len(c.pages)]
			out = append(out, p[:]...)
		}
		return out, nil
	case CmdUltralightWrite:
		if len(data) != 6 || page < 2 {
			return []byte{0x00}, nil
		}
		if page == 2 {
			// Lock bytes are OTP: bits can only be set.
			c.pages[2][2] |= data[4]
			c.pages[2][3] |= data[5]
			return []byte{0x0A}, nil
		}
		if c.pages[3][3]&0x0F != 0 && page > 3 {
			return []byte{0x00}, nil
		}
		copy(c.pages[page][:], data[2:6])
		return []byte{0x0A}, nil
	}
	return []byte{0x00}, nil
}
