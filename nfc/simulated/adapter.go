// Package simulated provides an in-memory tag-technology provider. Virtual
// tags placed in its field are discovered when reader mode is enabled with a
// matching technology mask.
package simulated

import (
	"context"
	"errors"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/nedpals/nfc-bridge/internal/syncutil"
	"github.com/nedpals/nfc-bridge/nfc"
)

// ErrUnavailable is returned when reader mode is requested while the
// simulated radio is not available.
var ErrUnavailable = errors.New("simulated radio not available")

// Config configures the simulated adapter.
type Config struct {
	// Availability defaults to nfc.Available.
	Availability nfc.Availability
	Clock        clockwork.Clock

	// Tags are in the field from the start.
	Tags []*Tag
}

type readerMode struct {
	ctx    context.Context
	cancel context.CancelFunc
	mask   nfc.TechMask
	onTag  func(*nfc.Tag)
}

// Adapter implements nfc.Adapter over virtual tags.
type Adapter struct {
	clock clockwork.Clock

	mu           syncutil.Mutex
	availability nfc.Availability
	field        []*Tag
	reader       *readerMode
	enabled      int

	wg sync.WaitGroup
}

var _ nfc.Adapter = (*Adapter)(nil)

// New creates a simulated adapter.
func New(cfg Config) *Adapter {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Availability == "" {
		cfg.Availability = nfc.Available
	}
	return &Adapter{
		clock:        cfg.Clock,
		availability: cfg.Availability,
		field:        append([]*Tag(nil), cfg.Tags...),
	}
}

func (a *Adapter) Availability() nfc.Availability {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.availability
}

// SetAvailability changes the reported radio state.
func (a *Adapter) SetAvailability(av nfc.Availability) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.availability = av
}

// Place puts t into the field. It is discovered right away if reader mode
// is on.
func (a *Adapter) Place(t *Tag) {
	t.setInField(true)

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, f := range a.field {
		if f == t {
			return
		}
	}
	a.field = append(a.field, t)
	if a.reader != nil {
		a.scheduleLocked(a.reader, t)
	}
}

// Remove takes t out of the field. Views handed out for it start failing.
func (a *Adapter) Remove(t *Tag) {
	t.setInField(false)

	a.mu.Lock()
	defer a.mu.Unlock()
	for i, f := range a.field {
		if f == t {
			a.field = append(a.field[:i], a.field[i+1:]...)
			return
		}
	}
}

// Tags returns the tags in the field.
func (a *Adapter) Tags() []*Tag {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Tag(nil), a.field...)
}

// ReaderMode reports whether reader mode is on and with which mask.
func (a *Adapter) ReaderMode() (nfc.TechMask, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reader == nil {
		return 0, false
	}
	return a.reader.mask, true
}

// EnableCount returns how many times reader mode was enabled.
func (a *Adapter) EnableCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *Adapter) EnableReaderMode(mask nfc.TechMask, onTag func(*nfc.Tag)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.availability != nfc.Available {
		return ErrUnavailable
	}
	if a.reader != nil {
		a.reader.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	rm := &readerMode{ctx: ctx, cancel: cancel, mask: mask, onTag: onTag}
	a.reader = rm
	a.enabled++

	log.Debug().Int("mask", int(mask)).Int("tags", len(a.field)).Msg("simulated reader mode enabled")
	for _, t := range a.field {
		a.scheduleLocked(rm, t)
	}
	return nil
}

func (a *Adapter) DisableReaderMode() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reader == nil {
		return nil
	}
	a.reader.cancel()
	a.reader = nil
	return nil
}

// Close turns reader mode off and waits for pending discoveries to finish.
func (a *Adapter) Close() error {
	_ = a.DisableReaderMode()
	a.wg.Wait()
	return nil
}

// scheduleLocked delivers t to rm after the tag's discovery delay. a.mu must
// be held.
func (a *Adapter) scheduleLocked(rm *readerMode, t *Tag) {
	if !t.spec.matches(rm.mask) {
		log.Debug().Str("uid", nfc.BytesToHex(t.ID())).Msg("simulated tag outside reader mask")
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if delay := t.spec.Delay; delay > 0 {
			select {
			case <-rm.ctx.Done():
				return
			case <-a.clock.After(delay):
			}
		}
		if rm.ctx.Err() != nil || !a.inField(t) {
			return
		}

		tag, err := t.views()
		if err != nil {
			log.Error().Err(err).Msg("could not build simulated tag")
			return
		}
		log.Info().Str("uid", nfc.BytesToHex(tag.ID)).Strs("techs", tag.TechList()).Msg("tag discovered")
		rm.onTag(tag)
	}()
}

func (a *Adapter) inField(t *Tag) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, f := range a.field {
		if f == t {
			return true
		}
	}
	return false
}
