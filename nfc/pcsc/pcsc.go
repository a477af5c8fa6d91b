// Package pcsc provides a tag-technology provider backed by a PC/SC
// contactless reader.
package pcsc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ebfe/scard"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/nedpals/nfc-bridge/internal/syncutil"
	"github.com/nedpals/nfc-bridge/nfc"
)

const (
	statusTimeout = 500 * time.Millisecond
	retryDelay    = time.Second
)

// ErrUnavailable is returned when reader mode is requested without a reader.
var ErrUnavailable = errors.New("PC/SC reader not available")

// Card abstracts *scard.Card.
type Card interface {
	Status() (*scard.CardStatus, error)
	Transmit(cmd []byte) ([]byte, error)
	Disconnect(d scard.Disposition) error
}

// Context abstracts *scard.Context.
type Context interface {
	ListReaders() ([]string, error)
	GetStatusChange(states []scard.ReaderState, timeout time.Duration) error
	Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (Card, error)
	Cancel() error
	Release() error
}

// ContextFactory establishes a PC/SC context.
type ContextFactory func() (Context, error)

type realContext struct {
	ctx *scard.Context
}

// EstablishContext is the ContextFactory for the system PC/SC service.
func EstablishContext() (Context, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establish PC/SC context: %w", err)
	}
	return &realContext{ctx: ctx}, nil
}

func (r *realContext) ListReaders() ([]string, error) {
	return r.ctx.ListReaders()
}

func (r *realContext) GetStatusChange(states []scard.ReaderState, timeout time.Duration) error {
	return r.ctx.GetStatusChange(states, timeout)
}

func (r *realContext) Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (Card, error) {
	card, err := r.ctx.Connect(reader, mode, proto)
	if err != nil {
		return nil, err
	}
	// the scard library panics on transmit with an unknown protocol
	if p := card.ActiveProtocol(); p != scard.ProtocolT0 && p != scard.ProtocolT1 {
		_ = card.Disconnect(scard.LeaveCard)
		return nil, fmt.Errorf("unsupported card protocol: %d", p)
	}
	return card, nil
}

func (r *realContext) Cancel() error  { return r.ctx.Cancel() }
func (r *realContext) Release() error { return r.ctx.Release() }

// Config configures the PC/SC adapter.
type Config struct {
	// Reader is the PC/SC reader name; empty picks the first contactless reader.
	Reader  string
	Enabled bool
	Clock   clockwork.Clock

	// NewContext defaults to EstablishContext.
	NewContext ContextFactory
}

// Adapter implements nfc.Adapter over one PC/SC reader.
type Adapter struct {
	cfg   Config
	clock clockwork.Clock

	sctx   Context
	reader string

	mu     syncutil.Mutex
	card   Card
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ nfc.Adapter = (*Adapter)(nil)

// Open establishes the PC/SC context and picks the reader. Failure leaves an
// adapter reporting not_supported.
func Open(cfg Config) *Adapter {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.NewContext == nil {
		cfg.NewContext = EstablishContext
	}
	a := &Adapter{cfg: cfg, clock: cfg.Clock}
	if !cfg.Enabled {
		log.Info().Msg("PC/SC radio disabled by configuration")
		return a
	}

	sctx, err := cfg.NewContext()
	if err != nil {
		log.Error().Err(err).Msg("could not establish PC/SC context")
		return a
	}

	reader := cfg.Reader
	if reader == "" {
		readers, err := sctx.ListReaders()
		if err != nil {
			log.Error().Err(err).Msg("could not list PC/SC readers")
			_ = sctx.Release()
			return a
		}
		readers = contactlessReaders(readers)
		if len(readers) == 0 {
			log.Error().Msg("no PC/SC readers found")
			_ = sctx.Release()
			return a
		}
		reader = readers[0]
	}

	a.sctx = sctx
	a.reader = reader
	log.Info().Str("reader", reader).Msg("PC/SC reader selected")
	return a
}

func (a *Adapter) Availability() nfc.Availability {
	switch {
	case !a.cfg.Enabled:
		return nfc.Disabled
	case a.sctx == nil:
		return nfc.NotSupported
	}
	return nfc.Available
}

func (a *Adapter) EnableReaderMode(mask nfc.TechMask, onTag func(*nfc.Tag)) error {
	if a.Availability() != nfc.Available {
		return ErrUnavailable
	}
	if !mask.Has(nfc.TechNfcA) && !mask.Has(nfc.TechNfcB) {
		return fmt.Errorf("PC/SC readers only poll ISO 14443 tags (mask %#x)", int(mask))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.watch(ctx, onTag)
	}()
	return nil
}

func (a *Adapter) DisableReaderMode() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel == nil {
		return nil
	}
	a.cancel()
	a.cancel = nil
	// wake a pending GetStatusChange; the watcher is not waited for
	if err := a.sctx.Cancel(); err != nil {
		log.Debug().Err(err).Msg("cancel PC/SC status wait")
	}
	return nil
}

func (a *Adapter) Close() error {
	_ = a.DisableReaderMode()
	a.wg.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropCardLocked()
	if a.sctx == nil {
		return nil
	}
	err := a.sctx.Release()
	a.sctx = nil
	return err
}

// watch waits for card arrivals and reports each card once while present.
func (a *Adapter) watch(ctx context.Context, onTag func(*nfc.Tag)) {
	states := []scard.ReaderState{{Reader: a.reader, CurrentState: scard.StateUnaware}}
	delivered := false

	for ctx.Err() == nil {
		err := a.sctx.GetStatusChange(states, statusTimeout)
		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, scard.ErrCancelled):
				return
			case isTimeout(err):
				continue
			}
			log.Warn().Err(err).Str("reader", a.reader).Msg("PC/SC status change failed")
			select {
			case <-ctx.Done():
				return
			case <-a.clock.After(retryDelay):
			}
			continue
		}

		event := states[0].EventState
		states[0].CurrentState = event &^ scard.StateChanged

		present := event&scard.StatePresent != 0
		switch {
		case present && !delivered:
			tag, err := a.connect()
			if err != nil {
				log.Warn().Err(err).Msg("could not read card")
				continue
			}
			delivered = true
			log.Info().Str("uid", nfc.BytesToHex(tag.ID)).Strs("techs", tag.TechList()).Msg("tag discovered")
			onTag(tag)
		case !present && delivered:
			delivered = false
			a.mu.Lock()
			a.dropCardLocked()
			a.mu.Unlock()
		}
	}
}

func (a *Adapter) connect() (*nfc.Tag, error) {
	card, err := a.sctx.Connect(a.reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", a.reader, err)
	}

	status, err := card.Status()
	if err != nil {
		_ = card.Disconnect(scard.LeaveCard)
		return nil, fmt.Errorf("card status: %w", err)
	}

	tag, err := buildTag(card, status.Atr)
	if err != nil {
		_ = card.Disconnect(scard.LeaveCard)
		return nil, err
	}

	a.mu.Lock()
	a.dropCardLocked()
	a.card = card
	a.mu.Unlock()
	return tag, nil
}

func (a *Adapter) dropCardLocked() {
	if a.card == nil {
		return
	}
	if err := a.card.Disconnect(scard.LeaveCard); err != nil {
		log.Debug().Err(err).Msg("disconnect card")
	}
	a.card = nil
}

// buildTag reads the UID of the connected card and maps its ATR to
// technology views.
func buildTag(card transmitter, atr []byte) (*nfc.Tag, error) {
	uid, err := nfc.TransmitAPDU(transmitFunc(card.Transmit), nfc.GetUIDAPDU())
	if err != nil {
		return nil, fmt.Errorf("get UID: %w", err)
	}

	info := parseATR(atr)
	log.Debug().Hex("atr", atr).Int("family", int(info.family)).Msg("ATR classified")

	switch info.family {
	case familyIsoDep:
		link := &cardLink{card: card}
		return nfc.NewTypeATag(nfc.TypeAInfo{UID: uid, Sak: info.sak, HistoricalBytes: info.historical}, link, nil), nil
	case familyUltralight:
		link := &cardLink{card: card, direct: true}
		return nfc.NewTypeATag(nfc.TypeAInfo{UID: uid, Sak: info.sak}, link, &storagePages{link: link}), nil
	case familyClassic:
		link := &cardLink{card: card, direct: true}
		return nfc.NewTypeATag(nfc.TypeAInfo{UID: uid, Sak: info.sak}, link, nil), nil
	}

	link := &cardLink{card: card, direct: true}
	return &nfc.Tag{ID: uid, NfcA: &nfc.NfcA{Handle: nfc.NewLinkTech(link)}}, nil
}

func isTimeout(err error) bool {
	return errors.Is(err, scard.ErrTimeout) || strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// contactlessReaders drops SAM slots from a reader list.
func contactlessReaders(readers []string) []string {
	var filtered []string
	for _, r := range readers {
		if strings.Contains(strings.ToUpper(r), "SAM") {
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered
}
