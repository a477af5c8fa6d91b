package nfc

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/nedpals/nfc-bridge/internal/syncutil"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateEmpty State = iota
	StatePolled
	StatePrimaryActive
	StateNdefActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StatePolled:
		return "polled"
	case StatePrimaryActive:
		return "primary_active"
	case StateNdefActive:
		return "ndef_active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session owns the technology handles of the last polled tag. At most one of
// the primary and NDEF handles is connected at any time.
//
// A Session is safe for concurrent use. Tag I/O is serialized: only one tag
// operation runs at a time.
type Session struct {
	adapter Adapter
	clock   clockwork.Clock

	opMu syncutil.Mutex

	mu       syncutil.Mutex
	primary  Technology
	ndef     NdefTechnology
	tag      *TagDescriptor
	ndefInfo NdefDescriptor
	closed   bool
	pending  *pollToken
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithClock sets the clock used for poll timeouts.
func WithClock(clock clockwork.Clock) SessionOption {
	return func(s *Session) {
		s.clock = clock
	}
}

// NewSession creates a session on top of adapter.
func NewSession(adapter Adapter, opts ...SessionOption) *Session {
	s := &Session{
		adapter: adapter,
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Availability reports the state of the host radio.
func (s *Session) Availability() Availability {
	return s.adapter.Availability()
}

// State derives the session state from the handles it holds.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.ndef != nil && s.ndef.IsConnected():
		return StateNdefActive
	case s.primary != nil && s.primary.IsConnected():
		return StatePrimaryActive
	case s.tag != nil:
		return StatePolled
	case s.closed:
		return StateClosed
	default:
		return StateEmpty
	}
}

// Descriptor returns the descriptors captured by the last successful poll.
func (s *Session) Descriptor() (TagDescriptor, NdefDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tag == nil {
		return TagDescriptor{}, NdefDescriptor{}, false
	}
	return *s.tag, s.ndefInfo, true
}

func (s *Session) handles() (Technology, NdefTechnology, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary, s.ndef, s.tag != nil
}

// switchTo connects target, closing other first if it is connected. It is a
// no-op when target is already connected.
func switchTo(target, other Technology) error {
	if target.IsConnected() {
		return nil
	}
	if other != nil && other.IsConnected() {
		if err := other.Close(); err != nil {
			return fmt.Errorf("close previous technology: %w", err)
		}
	}
	if err := target.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Transceive sends data on the primary handle and returns the tag's reply.
// A positive timeout is applied when the technology supports it.
func (s *Session) Transceive(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error) {
	const op = "transceive"

	s.opMu.Lock()
	defer s.opMu.Unlock()

	primary, ndef, _ := s.handles()
	if primary == nil {
		return nil, NewError(ErrCodeNoTagPolled, op, nil)
	}
	tr, ok := AsTransceiver(primary)
	if !ok {
		return nil, NewError(ErrCodeTransceiveUnsupported, op, nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, NewCommunicationError(op, err)
	}

	if err := switchTo(primary, ndef); err != nil {
		return nil, NewCommunicationError(op, err)
	}

	if timeout > 0 {
		if ts, ok := AsTimeoutSetter(primary); ok {
			if err := ts.SetTimeout(timeout); err != nil {
				log.Debug().Err(err).Dur("timeout", timeout).Msg("failed to apply transceive timeout")
			}
		}
	}

	resp, err := tr.Transceive(data)
	if err != nil {
		return nil, NewCommunicationError(op, err)
	}

	log.Debug().Str("tx", BytesToHex(data)).Str("rx", BytesToHex(resp)).Msg("transceive")
	return resp, nil
}

// ndefHandle returns the NDEF handle and the handle it has to be switched
// away from.
func (s *Session) ndefHandle(op string) (NdefTechnology, Technology, error) {
	primary, ndef, polled := s.handles()
	if ndef == nil {
		if !polled {
			return nil, nil, NewError(ErrCodeNoTagPolled, op, nil)
		}
		return nil, nil, NewError(ErrCodeNdefUnsupported, op, nil)
	}
	return ndef, primary, nil
}

// ReadNDEF reads the NDEF message of the polled tag. With cached set, the
// message captured at discovery is returned. A tag without a message yields
// an empty Message.
func (s *Session) ReadNDEF(ctx context.Context, cached bool) (Message, error) {
	const op = "readNDEF"

	s.opMu.Lock()
	defer s.opMu.Unlock()

	ndef, other, err := s.ndefHandle(op)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, NewCommunicationError(op, err)
	}

	if err := switchTo(ndef, other); err != nil {
		return nil, NewCommunicationError(op, err)
	}

	raw, err := ndef.ReadMessage(cached)
	if err != nil {
		return nil, NewCommunicationError(op, err)
	}

	msg, err := ParseMessage(raw)
	if err != nil {
		return nil, NewNdefFormatError(op, err)
	}
	return msg, nil
}

// WriteNDEF writes msg to the polled tag. Writability is checked before any
// tag I/O.
func (s *Session) WriteNDEF(ctx context.Context, msg Message) error {
	const op = "writeNDEF"

	s.opMu.Lock()
	defer s.opMu.Unlock()

	ndef, other, err := s.ndefHandle(op)
	if err != nil {
		return err
	}
	if !ndef.IsWritable() {
		return NewError(ErrCodeNotWritable, op, nil)
	}

	raw, err := msg.Marshal()
	if err != nil {
		return NewNdefFormatError(op, err)
	}
	if err := ctx.Err(); err != nil {
		return NewCommunicationError(op, err)
	}

	if err := switchTo(ndef, other); err != nil {
		return NewCommunicationError(op, err)
	}
	if err := ndef.WriteMessage(raw); err != nil {
		return NewCommunicationError(op, err)
	}

	log.Debug().Int("bytes", len(raw)).Int("records", len(msg)).Msg("NDEF message written")
	return nil
}

// MakeReadOnly permanently locks the NDEF content of the polled tag.
func (s *Session) MakeReadOnly(ctx context.Context) error {
	const op = "makeNdefReadOnly"

	s.opMu.Lock()
	defer s.opMu.Unlock()

	ndef, other, err := s.ndefHandle(op)
	if err != nil {
		return err
	}
	if !ndef.IsWritable() {
		return NewError(ErrCodeNotWritable, op, nil)
	}
	if err := ctx.Err(); err != nil {
		return NewCommunicationError(op, err)
	}

	if err := switchTo(ndef, other); err != nil {
		return NewCommunicationError(op, err)
	}

	locked, err := ndef.MakeReadOnly()
	if err != nil {
		return NewCommunicationError(op, err)
	}
	if !locked {
		return NewError(ErrCodeLockFailed, op, nil)
	}
	return nil
}

// Finish cancels a pending poll, closes whichever handle is connected,
// disables reader mode and releases both handles. Close failures are only
// logged. Calling Finish on a finished session is a no-op cleanup.
func (s *Session) Finish() {
	const op = "finish"

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	primary, ndef := s.primary, s.ndef
	s.resetLocked()
	s.closed = true
	s.mu.Unlock()

	if pending != nil {
		if pending.settle(pollOutcome{err: pollCancelled(op, nil)}) {
			log.Debug().Str("poll", pending.id).Msg("pending poll cancelled")
		}
	}

	s.release(primary, ndef)

	if err := s.adapter.DisableReaderMode(); err != nil {
		log.Warn().Err(err).Msg("failed to disable reader mode")
	}
}

// resetLocked forgets the polled tag. s.mu must be held.
func (s *Session) resetLocked() {
	s.primary = nil
	s.ndef = nil
	s.tag = nil
	s.ndefInfo = NdefDescriptor{}
}

// release closes the handles that are still connected.
func (s *Session) release(primary Technology, ndef NdefTechnology) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	for _, t := range []Technology{primary, ndef} {
		if t == nil || !t.IsConnected() {
			continue
		}
		if err := t.Close(); err != nil {
			log.Error().Err(err).Msg("close tag error")
		}
	}
}
