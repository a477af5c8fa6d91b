package nfc

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const pollCancelledMessage = "Polling tag cancelled"

type pollOutcome struct {
	result *PollResult
	err    error
}

// pollToken is shared by everything that can settle a poll: the timer, the
// discovery callback, Finish, a superseding poll and the caller's context.
// The first to claim it decides the outcome; the others do nothing.
type pollToken struct {
	id      string
	settled atomic.Bool
	done    chan pollOutcome
}

func newPollToken() *pollToken {
	return &pollToken{
		id:   uuid.NewString(),
		done: make(chan pollOutcome, 1),
	}
}

func (t *pollToken) claim() bool {
	return t.settled.CompareAndSwap(false, true)
}

// deliver must only be called by the party that claimed the token.
func (t *pollToken) deliver(o pollOutcome) {
	t.done <- o
}

func (t *pollToken) settle(o pollOutcome) bool {
	if !t.claim() {
		return false
	}
	t.deliver(o)
	return true
}

func pollCancelled(op string, cause error) *NFCError {
	return &NFCError{
		Code:    ErrCodePollTimeout,
		Op:      op,
		Message: pollCancelledMessage,
		Cause:   cause,
	}
}

// Poll enables reader mode restricted to mask and waits up to timeout for a
// tag. The handles of the previous tag are released first. The discovered
// tag is classified and becomes the session's tag.
//
// Poll fails with ErrPollTimeout when no tag shows up in time, and with a
// PollTimeout-coded "Polling tag cancelled" error when Finish, a newer Poll or
// ctx ends it early.
func (s *Session) Poll(ctx context.Context, timeout time.Duration, mask TechMask) (*PollResult, error) {
	const op = "poll"

	token := newPollToken()
	logger := log.With().Str("poll", token.id).Logger()

	s.mu.Lock()
	prev := s.pending
	s.pending = token
	primary, ndef := s.primary, s.ndef
	s.resetLocked()
	s.closed = false
	s.mu.Unlock()

	if prev != nil && prev.settle(pollOutcome{err: pollCancelled(op, nil)}) {
		logger.Debug().Str("superseded", prev.id).Msg("previous poll superseded")
	}
	s.release(primary, ndef)

	timer := s.clock.NewTimer(timeout)
	defer timer.Stop()

	logger.Debug().Dur("timeout", timeout).Int("mask", int(mask)).Msg("polling for tag")

	err := s.adapter.EnableReaderMode(mask, func(tag *Tag) {
		s.discovered(token, tag)
	})
	if err != nil {
		if token.claim() {
			s.mu.Lock()
			if s.pending == token {
				s.pending = nil
			}
			s.mu.Unlock()
			return nil, NewCommunicationError(op, err)
		}
		out := <-token.done
		return out.result, out.err
	}

	var out pollOutcome
	select {
	case out = <-token.done:
	case <-timer.Chan():
		if !token.claim() {
			out = <-token.done
			break
		}
		logger.Warn().Msg("polling tag timeout")
		out = pollOutcome{err: NewError(ErrCodePollTimeout, op, nil)}
		s.disableIfIdle(token)
	case <-ctx.Done():
		if !token.claim() {
			out = <-token.done
			break
		}
		out = pollOutcome{err: pollCancelled(op, ctx.Err())}
		s.disableIfIdle(token)
	}

	if out.err == nil {
		// One tag per poll.
		s.disableIfIdle(token)
		logger.Info().Str("type", out.result.Type).Str("id", out.result.ID).Msg("tag polled")
	}
	return out.result, out.err
}

// discovered is the reader-mode callback of the poll identified by token.
func (s *Session) discovered(token *pollToken, tag *Tag) {
	if !token.claim() {
		log.Debug().Str("poll", token.id).Msg("tag discovered after poll settled, ignoring")
		return
	}

	desc, primary := Classify(tag)
	ndefInfo := DescribeNdef(tag.Ndef)

	s.mu.Lock()
	if s.pending != token {
		s.mu.Unlock()
		token.deliver(pollOutcome{err: pollCancelled("poll", nil)})
		return
	}
	s.primary = primary
	s.ndef = tag.Ndef
	s.tag = &desc
	s.ndefInfo = ndefInfo
	s.mu.Unlock()

	log.Debug().
		Str("poll", token.id).
		Strs("techs", tag.TechList()).
		Str("kind", string(desc.Kind)).
		Msg("tag discovered")

	token.deliver(pollOutcome{result: NewPollResult(desc, ndefInfo)})
}

// disableIfIdle turns reader mode off unless a newer poll owns it.
func (s *Session) disableIfIdle(token *pollToken) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil && s.pending != token {
		return
	}
	s.pending = nil
	if err := s.adapter.DisableReaderMode(); err != nil {
		log.Warn().Err(err).Msg("failed to disable reader mode")
	}
}
