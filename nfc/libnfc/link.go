package libnfc

import (
	"fmt"
	"strings"
	"time"

	"github.com/clausecker/freefare"
	gonfc "github.com/clausecker/nfc/v2"

	"github.com/nedpals/nfc-bridge/internal/syncutil"
	"github.com/nedpals/nfc-bridge/nfc"
)

// maxFrame is large enough for a short APDU response plus status word.
const maxFrame = 264

// targetLink exchanges frames with one selected target. Open re-selects the
// target by its UID so a link survives other targets being listed.
type targetLink struct {
	adapter  *Adapter
	mod      gonfc.Modulation
	initData []byte

	mu        syncutil.Mutex
	timeoutMs int
}

var _ nfc.TimedLink = (*targetLink)(nil)

func (l *targetLink) Open() error {
	l.adapter.devMu.Lock()
	defer l.adapter.devMu.Unlock()
	if !l.adapter.opened {
		return ErrUnavailable
	}
	if _, err := l.adapter.dev.InitiatorSelectPassiveTarget(l.mod, l.initData); err != nil {
		return fmt.Errorf("select target: %w", err)
	}
	return nil
}

func (l *targetLink) Close() error {
	l.adapter.devMu.Lock()
	defer l.adapter.devMu.Unlock()
	if !l.adapter.opened {
		return nil
	}
	return l.adapter.dev.InitiatorDeselectTarget()
}

func (l *targetLink) Transceive(data []byte) ([]byte, error) {
	l.mu.Lock()
	timeout := l.timeoutMs
	l.mu.Unlock()

	l.adapter.devMu.Lock()
	defer l.adapter.devMu.Unlock()
	if !l.adapter.opened {
		return nil, ErrUnavailable
	}

	rx := make([]byte, maxFrame)
	n, err := l.adapter.dev.InitiatorTransceiveBytes(data, rx, timeout)
	if err != nil {
		return nil, fmt.Errorf("transceive: %w", err)
	}
	return rx[:n], nil
}

// SetTimeout sets the timeout of later exchanges; zero restores the
// driver default.
func (l *targetLink) SetTimeout(timeout time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if timeout <= 0 {
		l.timeoutMs = -1
		return nil
	}
	l.timeoutMs = int(timeout / time.Millisecond)
	return nil
}

// ultralightPages gives Type 2 page access through libfreefare.
type ultralightPages struct {
	adapter *Adapter
	tag     freefare.UltralightTag
}

var _ nfc.PageLink = (*ultralightPages)(nil)

func (u *ultralightPages) Open() error {
	u.adapter.devMu.Lock()
	defer u.adapter.devMu.Unlock()
	if err := u.tag.Connect(); err != nil {
		return fmt.Errorf("ultralight connect: %w", err)
	}
	return nil
}

func (u *ultralightPages) Close() error {
	u.adapter.devMu.Lock()
	defer u.adapter.devMu.Unlock()
	return u.tag.Disconnect()
}

func (u *ultralightPages) ReadPage(page byte) ([4]byte, error) {
	u.adapter.devMu.Lock()
	defer u.adapter.devMu.Unlock()
	data, err := u.tag.ReadPage(page)
	if err != nil {
		return [4]byte{}, fmt.Errorf("ultralight read page %d: %w", page, err)
	}
	return data, nil
}

func (u *ultralightPages) WritePage(page byte, data [4]byte) error {
	u.adapter.devMu.Lock()
	defer u.adapter.devMu.Unlock()
	if err := u.tag.WritePage(page, data); err != nil {
		return fmt.Errorf("ultralight write page %d: %w", page, err)
	}
	return nil
}

func normalizeUID(uid string) string {
	return strings.ToLower(strings.TrimSpace(uid))
}
