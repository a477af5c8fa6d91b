package nfc

import (
	"errors"
	"time"

	"github.com/nedpals/nfc-bridge/internal/syncutil"
)

// ErrNotConnected is returned by technology views used before Connect.
var ErrNotConnected = errors.New("technology not connected")

// Link is a raw exchange channel to one physical tag. Providers implement it
// on top of their driver; several technology views may share a Link, but
// only the connected one uses it.
type Link interface {
	Open() error
	Close() error
	Transceive(data []byte) ([]byte, error)
}

// TimedLink is a Link that accepts a per-exchange timeout.
type TimedLink interface {
	Link
	SetTimeout(timeout time.Duration) error
}

// PlainTech is a connect-only technology view over a Link, used for tag
// families whose raw frames the provider cannot exchange.
type PlainTech struct {
	link Link

	mu        syncutil.Mutex
	connected bool
}

var _ Technology = (*PlainTech)(nil)

// NewPlainTech creates a connect-only view over link.
func NewPlainTech(link Link) *PlainTech {
	return &PlainTech{link: link}
}

func (p *PlainTech) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return errors.New("technology already connected")
	}
	if err := p.link.Open(); err != nil {
		return err
	}
	p.connected = true
	return nil
}

func (p *PlainTech) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil
	}
	p.connected = false
	return p.link.Close()
}

func (p *PlainTech) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// LinkTech is a transceive-capable technology view over a Link.
type LinkTech struct {
	PlainTech
}

var _ Transceiver = (*LinkTech)(nil)

// NewLinkTech creates a view over link without timeout support.
func NewLinkTech(link Link) *LinkTech {
	return &LinkTech{PlainTech: PlainTech{link: link}}
}

func (l *LinkTech) Transceive(data []byte) ([]byte, error) {
	if !l.IsConnected() {
		return nil, ErrNotConnected
	}
	return l.link.Transceive(data)
}

// TimedLinkTech is a LinkTech that also forwards timeouts.
type TimedLinkTech struct {
	LinkTech
	timed TimedLink
}

var _ TimeoutSetter = (*TimedLinkTech)(nil)

// NewTimedLinkTech creates a view over link with timeout support.
func NewTimedLinkTech(link TimedLink) *TimedLinkTech {
	return &TimedLinkTech{LinkTech: LinkTech{PlainTech: PlainTech{link: link}}, timed: link}
}

func (t *TimedLinkTech) SetTimeout(timeout time.Duration) error {
	return t.timed.SetTimeout(timeout)
}
