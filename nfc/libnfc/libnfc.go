// Package libnfc provides a tag-technology provider backed by libnfc and
// libfreefare. It drives a single initiator device: reader mode is a scan
// loop listing passive targets for the modulations selected by the mask.
package libnfc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/clausecker/freefare"
	gonfc "github.com/clausecker/nfc/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/nedpals/nfc-bridge/internal/syncutil"
	"github.com/nedpals/nfc-bridge/nfc"
)

const (
	DefaultScanInterval = 250 * time.Millisecond
	openRetries         = 3
)

// ErrUnavailable is returned when reader mode is requested on an adapter
// without a usable device.
var ErrUnavailable = errors.New("libnfc device not available")

// Config configures the libnfc adapter.
type Config struct {
	// Device is a libnfc connection string; empty picks the first device.
	Device       string
	Enabled      bool
	ScanInterval time.Duration
	Clock        clockwork.Clock
}

// Adapter implements nfc.Adapter over a libnfc device.
type Adapter struct {
	cfg   Config
	clock clockwork.Clock

	// devMu serializes every call into the device.
	devMu  syncutil.Mutex
	dev    gonfc.Device
	opened bool

	mu     syncutil.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ nfc.Adapter = (*Adapter)(nil)

// Open opens the configured device. A device that cannot be opened yields
// an adapter reporting not_supported rather than an error, so the bridge
// can still answer availability queries.
func Open(cfg Config) *Adapter {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	a := &Adapter{cfg: cfg, clock: cfg.Clock}
	if !cfg.Enabled {
		log.Info().Msg("libnfc radio disabled by configuration")
		return a
	}

	dev, err := openDevice(cfg.Device)
	if err != nil {
		log.Error().Err(err).Str("device", cfg.Device).Msg("could not open libnfc device")
		return a
	}
	a.dev = dev
	a.opened = true
	log.Info().Str("device", dev.String()).Str("connection", dev.Connection()).Msg("libnfc device opened")
	return a
}

func openDevice(device string) (gonfc.Device, error) {
	var lastErr error
	for tries := 0; tries < openRetries; tries++ {
		dev, err := gonfc.Open(device)
		if err != nil {
			lastErr = err
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if err := dev.InitiatorInit(); err != nil {
			_ = dev.Close()
			lastErr = fmt.Errorf("init initiator: %w", err)
			continue
		}
		// bounded target listing so the scan loop stays responsive
		if err := dev.SetPropertyBool(gonfc.InfiniteSelect, false); err != nil {
			log.Warn().Err(err).Msg("could not disable infinite select")
		}
		return dev, nil
	}
	return gonfc.Device{}, fmt.Errorf("open %q after %d tries: %w", device, openRetries, lastErr)
}

func (a *Adapter) Availability() nfc.Availability {
	switch {
	case !a.cfg.Enabled:
		return nfc.Disabled
	case !a.opened:
		return nfc.NotSupported
	}
	return nfc.Available
}

func (a *Adapter) EnableReaderMode(mask nfc.TechMask, onTag func(*nfc.Tag)) error {
	if a.Availability() != nfc.Available {
		return ErrUnavailable
	}
	mods := modulationsFor(mask)
	if len(mods) == 0 {
		return fmt.Errorf("no supported technology in mask %#x", int(mask))
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
		a.scan(ctx, mods, onTag)
	}()
	log.Debug().Int("modulations", len(mods)).Msg("libnfc reader mode enabled")
	return nil
}

func (a *Adapter) DisableReaderMode() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	return nil
}

func (a *Adapter) Close() error {
	_ = a.DisableReaderMode()
	a.wg.Wait()

	a.devMu.Lock()
	defer a.devMu.Unlock()
	if !a.opened {
		return nil
	}
	a.opened = false
	return a.dev.Close()
}

// scan lists targets on every tick and reports each newly arrived tag once.
func (a *Adapter) scan(ctx context.Context, mods []gonfc.Modulation, onTag func(*nfc.Tag)) {
	ticker := a.clock.NewTicker(a.cfg.ScanInterval)
	defer ticker.Stop()

	var last string
	for {
		if ctx.Err() != nil {
			return
		}

		tag, uid := a.scanOnce(mods)
		switch {
		case tag == nil:
			last = ""
		case uid != last:
			last = uid
			log.Info().Str("uid", uid).Strs("techs", tag.TechList()).Msg("tag discovered")
			onTag(tag)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

func (a *Adapter) scanOnce(mods []gonfc.Modulation) (*nfc.Tag, string) {
	a.devMu.Lock()
	var (
		target      gonfc.Target
		ultralights map[string]*ultralightPages
	)
	for _, mod := range mods {
		if mod == modTypeA {
			ultralights = a.freefareUltralights()
		}
		targets, err := a.dev.InitiatorListPassiveTargets(mod)
		if err != nil {
			log.Debug().Err(err).Msg("list passive targets")
			continue
		}
		if len(targets) > 0 {
			target = targets[0]
			break
		}
	}
	a.devMu.Unlock()

	if target == nil {
		return nil, ""
	}
	uid := hex.EncodeToString(targetUID(target))
	var pages nfc.PageLink
	if p, ok := ultralights[uid]; ok {
		pages = p
	}
	return a.buildTag(target, pages), uid
}

// freefareUltralights identifies Ultralight-family tags through
// libfreefare, keyed by lowercase UID. Callers hold devMu.
func (a *Adapter) freefareUltralights() map[string]*ultralightPages {
	tags, err := freefare.GetTags(a.dev)
	if err != nil {
		log.Debug().Err(err).Msg("freefare get tags")
		return nil
	}
	found := make(map[string]*ultralightPages)
	for _, tag := range tags {
		switch t := tag.(type) {
		case freefare.UltralightTag:
			found[normalizeUID(t.UID())] = &ultralightPages{adapter: a, tag: t}
		case freefare.ClassicTag:
			log.Debug().Str("uid", t.UID()).Msg("freefare: MIFARE Classic")
		default:
			log.Debug().Str("uid", tag.UID()).Msgf("freefare: other tag %T", tag)
		}
	}
	return found
}

func (a *Adapter) buildTag(target gonfc.Target, pages nfc.PageLink) *nfc.Tag {
	link := &targetLink{adapter: a, mod: target.Modulation(), initData: targetUID(target), timeoutMs: -1}

	switch t := target.(type) {
	case *gonfc.ISO14443aTarget:
		return nfc.NewTypeATag(typeAInfo(t), link, pages)
	case *gonfc.ISO14443bTarget:
		return nfc.NewTypeBTag(typeBInfo(t), link)
	case *gonfc.FelicaTarget:
		return nfc.NewFeliCaTag(feliCaInfo(t), link)
	}
	log.Warn().Msgf("unsupported libnfc target %T", target)
	return &nfc.Tag{ID: targetUID(target)}
}
