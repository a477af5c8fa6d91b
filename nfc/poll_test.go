package nfc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoll_IsoDepTypeA(t *testing.T) {
	s, adapter, _ := newTestSession()
	tt := newTestTag([]byte{0x04, 0xA1, 0xB2, 0xC3})

	ch := startPoll(context.Background(), s, 5000*time.Millisecond, AllTechnologies)
	adapter.WaitReaderMode()

	enabled, mask := adapter.ReaderModeEnabled()
	assert.True(t, enabled)
	assert.Equal(t, AllTechnologies, mask)

	adapter.Discover(tt.tag)
	out := <-ch
	require.NoError(t, out.err)

	assert.Equal(t, "iso7816", out.result.Type)
	assert.Equal(t, "ISO 14443-4 (Type A)", out.result.Standard)
	assert.Equal(t, "04a1b2c3", out.result.ID)
	assert.Equal(t, "4403", out.result.Atqa)
	assert.Equal(t, "20", out.result.Sak)
	assert.Equal(t, "8073c021", out.result.HistoricalBytes)
	assert.True(t, out.result.NdefAvailable)
	assert.True(t, out.result.NdefWritable)
	assert.Equal(t, 2046, out.result.NdefCapacity)
	assert.Equal(t, "org.nfcforum.ndef.type4", out.result.NdefType)

	enabled, _ = adapter.ReaderModeEnabled()
	assert.False(t, enabled, "reader mode is disabled once a tag is found")
	assert.Equal(t, StatePolled, s.State())
	assert.Equal(t, 0, tt.tracker.Connected())
}

func TestPoll_Timeout(t *testing.T) {
	s, adapter, clock := newTestSession()

	ch := startPoll(context.Background(), s, 5*time.Second, TechNfcA)
	adapter.WaitReaderMode()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(5 * time.Second)
	out := <-ch

	requireCode(t, out.err, ErrCodePollTimeout)
	assert.True(t, errors.Is(out.err, ErrPollTimeout))
	assert.Equal(t, "Polling tag timeout", out.err.(*NFCError).Message)
	assert.Equal(t, "408", GetErrorCode(out.err).Status())
	assert.Nil(t, out.result)

	enabled, _ := adapter.ReaderModeEnabled()
	assert.False(t, enabled)
}

func TestPoll_DiscoveryAfterTimeoutIsIgnored(t *testing.T) {
	s, adapter, clock := newTestSession()

	ch := startPoll(context.Background(), s, time.Second, AllTechnologies)
	adapter.WaitReaderMode()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)

	out := <-ch
	requireCode(t, out.err, ErrCodePollTimeout)

	tt := newTestTag([]byte{0x01})
	adapter.Discover(tt.tag)

	assert.Equal(t, StateEmpty, s.State())
	_, _, ok := s.Descriptor()
	assert.False(t, ok)

	_, err := s.Transceive(context.Background(), []byte{0x00}, 0)
	requireCode(t, err, ErrCodeNoTagPolled)
}

func TestPoll_SecondDiscoveryIsIgnored(t *testing.T) {
	s, adapter, _ := newTestSession()
	first := newTestTag([]byte{0x01})
	second := newTestTag([]byte{0x02})

	ch := startPoll(context.Background(), s, time.Second, AllTechnologies)
	adapter.WaitReaderMode()
	adapter.Discover(first.tag)
	adapter.Discover(second.tag)

	out := <-ch
	require.NoError(t, out.err)
	assert.Equal(t, "01", out.result.ID)

	desc, _, ok := s.Descriptor()
	require.True(t, ok)
	assert.Equal(t, []byte{0x01}, desc.ID)
}

func TestPoll_FinishCancelsPendingPoll(t *testing.T) {
	s, adapter, _ := newTestSession()

	ch := startPoll(context.Background(), s, time.Minute, AllTechnologies)
	adapter.WaitReaderMode()

	s.Finish()
	out := <-ch

	requireCode(t, out.err, ErrCodePollTimeout)
	assert.Equal(t, pollCancelledMessage, out.err.(*NFCError).Message)

	enabled, _ := adapter.ReaderModeEnabled()
	assert.False(t, enabled)
	assert.Equal(t, StateClosed, s.State())

	adapter.Discover(newTestTag([]byte{0x01}).tag)
	assert.Equal(t, StateClosed, s.State())
}

func TestPoll_NewPollSupersedesPending(t *testing.T) {
	s, adapter, _ := newTestSession()

	first := startPoll(context.Background(), s, time.Minute, AllTechnologies)
	adapter.WaitReaderMode()

	second := startPoll(context.Background(), s, time.Minute, TechNfcF)

	out := <-first
	requireCode(t, out.err, ErrCodePollTimeout)
	assert.Equal(t, pollCancelledMessage, out.err.(*NFCError).Message)

	adapter.WaitReaderMode()
	enabled, mask := adapter.ReaderModeEnabled()
	assert.True(t, enabled, "the superseded poll must not turn reader mode off")
	assert.Equal(t, TechNfcF, mask)

	felica := &MockTransceiver{}
	adapter.Discover(&Tag{
		ID:   []byte{0x01, 0x2E},
		NfcF: &NfcF{Handle: felica, Manufacturer: []byte{0x01}, SystemCode: []byte{0x12, 0xFC}},
	})

	out = <-second
	require.NoError(t, out.err)
	assert.Equal(t, "iso18092", out.result.Type)
	assert.Equal(t, "ISO 18092 (FeliCa)", out.result.Standard)
	assert.Equal(t, "12fc", out.result.SystemCode)
	assert.False(t, out.result.NdefAvailable)
}

func TestPoll_ContextCancelled(t *testing.T) {
	s, adapter, _ := newTestSession()

	ctx, cancel := context.WithCancel(context.Background())
	ch := startPoll(ctx, s, time.Minute, AllTechnologies)
	adapter.WaitReaderMode()

	cancel()
	out := <-ch

	requireCode(t, out.err, ErrCodePollTimeout)
	assert.True(t, errors.Is(out.err, context.Canceled))

	enabled, _ := adapter.ReaderModeEnabled()
	assert.False(t, enabled)
}

func TestPoll_EnableReaderModeFails(t *testing.T) {
	s, adapter, _ := newTestSession()
	adapter.EnableError = errors.New("radio busy")

	_, err := s.Poll(context.Background(), time.Second, AllTechnologies)
	requireCode(t, err, ErrCodeCommunication)
	assert.Equal(t, StateEmpty, s.State())
}

func TestPollToken_SettlesOnce(t *testing.T) {
	token := newPollToken()

	assert.True(t, token.settle(pollOutcome{result: &PollResult{ID: "01"}}))
	assert.False(t, token.settle(pollOutcome{err: ErrPollTimeout}))
	assert.False(t, token.claim())

	out := <-token.done
	assert.Equal(t, "01", out.result.ID)
	assert.NoError(t, out.err)
}
