package pcsc

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ebfe/scard"

	"github.com/nedpals/nfc-bridge/internal/syncutil"
	"github.com/nedpals/nfc-bridge/nfc"
)

// ErrCardRemoved is returned by links whose card has left the reader.
var ErrCardRemoved = errors.New("card removed")

// transmitter is the part of *scard.Card the links use.
type transmitter interface {
	Transmit(cmd []byte) ([]byte, error)
}

// cardLink exchanges APDUs with the connected card. The PC/SC connection is
// opened at discovery, so Open and Close only track the logical session.
type cardLink struct {
	card transmitter

	// direct wraps raw frames in the reader's direct transmit pseudo-APDU
	// for storage cards, whose native commands a PC/SC reader cannot
	// pass as APDUs.
	direct bool

	mu   syncutil.Mutex
	gone bool
}

var _ nfc.TimedLink = (*cardLink)(nil)

func (l *cardLink) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gone {
		return ErrCardRemoved
	}
	return nil
}

func (l *cardLink) Close() error {
	return nil
}

func (l *cardLink) Transceive(data []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gone {
		return nil, ErrCardRemoved
	}

	if l.direct {
		resp, err := nfc.TransmitAPDU(transmitFunc(l.transmit), nfc.DirectTransmitAPDU(data))
		if err != nil {
			return nil, err
		}
		return resp, nil
	}
	return l.transmit(data)
}

func (l *cardLink) transmit(data []byte) ([]byte, error) {
	resp, err := l.card.Transmit(data)
	if err != nil {
		if isCardRemoved(err) {
			l.gone = true
			return nil, fmt.Errorf("%w: %v", ErrCardRemoved, err)
		}
		return nil, fmt.Errorf("transmit: %w", err)
	}
	return resp, nil
}

// SetTimeout is accepted but has no effect: PC/SC readers apply their own
// frame waiting time.
func (l *cardLink) SetTimeout(time.Duration) error {
	return nil
}

// transmitFunc adapts a function to nfc.Transceiver.
type transmitFunc func([]byte) ([]byte, error)

func (f transmitFunc) Transceive(data []byte) ([]byte, error) { return f(data) }

// storagePages gives Type 2 page access with the PC/SC storage card
// commands READ BINARY (FF B0) and UPDATE BINARY (FF D6).
type storagePages struct {
	link *cardLink
}

var _ nfc.PageLink = (*storagePages)(nil)

func (p *storagePages) Open() error  { return p.link.Open() }
func (p *storagePages) Close() error { return p.link.Close() }

func (p *storagePages) ReadPage(page byte) ([4]byte, error) {
	var out [4]byte
	p.link.mu.Lock()
	defer p.link.mu.Unlock()
	if p.link.gone {
		return out, ErrCardRemoved
	}
	data, err := nfc.TransmitAPDU(transmitFunc(p.link.transmit), nfc.ReadBinaryAPDU(page, 4))
	if err != nil {
		return out, fmt.Errorf("read page %d: %w", page, err)
	}
	if len(data) < 4 {
		return out, fmt.Errorf("read page %d: short response %x", page, data)
	}
	copy(out[:], data)
	return out, nil
}

func (p *storagePages) WritePage(page byte, data [4]byte) error {
	p.link.mu.Lock()
	defer p.link.mu.Unlock()
	if p.link.gone {
		return ErrCardRemoved
	}
	if _, err := nfc.TransmitAPDU(transmitFunc(p.link.transmit), nfc.UpdateBinaryAPDU(page, data[:])); err != nil {
		return fmt.Errorf("write page %d: %w", page, err)
	}
	return nil
}

// isCardRemoved reports whether a PC/SC error means the card left the field.
func isCardRemoved(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, scard.ErrRemovedCard) ||
		errors.Is(err, scard.ErrResetCard) ||
		errors.Is(err, scard.ErrNoSmartcard) ||
		errors.Is(err, scard.ErrUnpoweredCard) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "removed") || strings.Contains(msg, "no smart card")
}
