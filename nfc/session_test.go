package nfc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTag is a Type A / ISO-DEP tag with an NDEF view, all sharing one
// connection tracker.
type testTag struct {
	tracker *ConnectionTracker
	nfcA    *MockTech
	isoDep  *MockTimeoutTransceiver
	ndef    *MockNdef
	tag     *Tag
}

func newTestTag(id []byte) *testTag {
	tracker := &ConnectionTracker{}
	tt := &testTag{
		tracker: tracker,
		nfcA:    &MockTech{Tracker: tracker},
		isoDep: &MockTimeoutTransceiver{
			MockTransceiver: MockTransceiver{
				MockTech:           MockTech{Tracker: tracker},
				TransceiveResponse: []byte{0x90, 0x00},
			},
		},
		ndef: &MockNdef{
			MockTech: MockTech{Tracker: tracker},
			Writable: true,
			CanLock:  true,
			Capacity: 2046,
			NdefType: "org.nfcforum.ndef.type4",
		},
	}
	tt.tag = &Tag{
		ID:     id,
		NfcA:   &NfcA{Handle: tt.nfcA, Atqa: []byte{0x44, 0x03}, Sak: 0x20},
		IsoDep: &IsoDep{Handle: tt.isoDep, HistoricalBytes: []byte{0x80, 0x73, 0xC0, 0x21}},
		Ndef:   tt.ndef,
	}
	return tt
}

func newTestSession() (*Session, *MockAdapter, *clockwork.FakeClock) {
	adapter := NewMockAdapter(Available)
	clock := clockwork.NewFakeClock()
	return NewSession(adapter, WithClock(clock)), adapter, clock
}

type pollReturn struct {
	result *PollResult
	err    error
}

func startPoll(ctx context.Context, s *Session, timeout time.Duration, mask TechMask) <-chan pollReturn {
	ch := make(chan pollReturn, 1)
	go func() {
		r, err := s.Poll(ctx, timeout, mask)
		ch <- pollReturn{result: r, err: err}
	}()
	return ch
}

// pollTag runs a poll that discovers tag.
func pollTag(t *testing.T, s *Session, adapter *MockAdapter, tag *Tag) *PollResult {
	t.Helper()

	ch := startPoll(context.Background(), s, 5*time.Second, AllTechnologies)
	adapter.WaitReaderMode()
	adapter.Discover(tag)

	out := <-ch
	require.NoError(t, out.err)
	require.NotNil(t, out.result)
	return out.result
}

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, GetErrorCode(err), "unexpected error: %v", err)
}

func TestSession_InitialState(t *testing.T) {
	s, _, _ := newTestSession()

	assert.Equal(t, StateEmpty, s.State())
	assert.Equal(t, Available, s.Availability())

	_, _, ok := s.Descriptor()
	assert.False(t, ok)
}

func TestSession_TransceiveWithoutPoll(t *testing.T) {
	s, _, _ := newTestSession()

	_, err := s.Transceive(context.Background(), []byte{0x00, 0xA4, 0x04, 0x0C}, 0)

	requireCode(t, err, ErrCodeNoTagPolled)
	assert.True(t, errors.Is(err, ErrNoTagPolled))
	assert.Equal(t, "406", GetErrorCode(err).Status())
}

func TestSession_Transceive(t *testing.T) {
	s, adapter, _ := newTestSession()
	tt := newTestTag([]byte{0x04, 0xA1, 0xB2, 0xC3})
	pollTag(t, s, adapter, tt.tag)

	assert.Equal(t, StatePolled, s.State())

	resp, err := s.Transceive(context.Background(), []byte{0x00, 0xA4, 0x04, 0x0C}, 250*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x90, 0x00}, resp)
	assert.Equal(t, StatePrimaryActive, s.State())
	assert.True(t, tt.isoDep.IsConnected())
	assert.False(t, tt.nfcA.IsConnected(), "ISO-DEP is the primary handle")
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, tt.isoDep.Timeouts())
	assert.Equal(t, [][]byte{{0x00, 0xA4, 0x04, 0x0C}}, tt.isoDep.Sent())
}

func TestSession_TransceiveWithoutTimeoutLeavesTimeoutAlone(t *testing.T) {
	s, adapter, _ := newTestSession()
	tt := newTestTag([]byte{0x01})
	pollTag(t, s, adapter, tt.tag)

	_, err := s.Transceive(context.Background(), []byte{0x60}, 0)
	require.NoError(t, err)
	assert.Empty(t, tt.isoDep.Timeouts())
}

func TestSession_TransceiveWithoutTimeoutSupport(t *testing.T) {
	s, adapter, _ := newTestSession()
	nfcB := &MockTransceiver{TransceiveResponse: []byte{0x01}}
	pollTag(t, s, adapter, &Tag{ID: []byte{0x02}, NfcB: &NfcB{Handle: nfcB}})

	resp, err := s.Transceive(context.Background(), []byte{0x05}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, resp)
}

func TestSession_TransceiveUnsupported(t *testing.T) {
	s, adapter, _ := newTestSession()
	pollTag(t, s, adapter, &Tag{
		ID:            []byte{0x01, 0x02, 0x03, 0x04},
		NfcA:          &NfcA{Handle: &MockTech{}},
		MifareClassic: &MockTech{},
	})

	_, err := s.Transceive(context.Background(), []byte{0x30, 0x04}, 0)
	requireCode(t, err, ErrCodeTransceiveUnsupported)
	assert.Equal(t, "405", GetErrorCode(err).Status())
}

func TestSession_UnknownTagHasNoPrimary(t *testing.T) {
	s, adapter, _ := newTestSession()
	result := pollTag(t, s, adapter, &Tag{ID: []byte{0x0A}})

	assert.Equal(t, "unknown", result.Type)
	assert.Equal(t, "unknown", result.Standard)

	_, err := s.Transceive(context.Background(), []byte{0x00}, 0)
	requireCode(t, err, ErrCodeNoTagPolled)

	_, err = s.ReadNDEF(context.Background(), false)
	requireCode(t, err, ErrCodeNdefUnsupported)
}

func TestSession_CommunicationErrorKeepsHandles(t *testing.T) {
	s, adapter, _ := newTestSession()
	tt := newTestTag([]byte{0x04})
	pollTag(t, s, adapter, tt.tag)

	tt.isoDep.TransceiveError = errors.New("tag was lost")
	_, err := s.Transceive(context.Background(), []byte{0x00}, 0)
	requireCode(t, err, ErrCodeCommunication)

	var nfcErr *NFCError
	require.True(t, errors.As(err, &nfcErr))
	assert.Equal(t, "tag was lost", nfcErr.Details())
	assert.Equal(t, StatePrimaryActive, s.State())

	tt.isoDep.TransceiveError = nil
	resp, err := s.Transceive(context.Background(), []byte{0x00}, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x00}, resp)
}

func TestSession_ConnectFailureLeavesNothingConnected(t *testing.T) {
	s, adapter, _ := newTestSession()
	tt := newTestTag([]byte{0x04})
	pollTag(t, s, adapter, tt.tag)

	_, err := s.Transceive(context.Background(), []byte{0x00}, 0)
	require.NoError(t, err)

	tt.ndef.ConnectError = errors.New("tag connection lost")
	_, err = s.ReadNDEF(context.Background(), false)
	requireCode(t, err, ErrCodeCommunication)

	assert.Equal(t, 0, tt.tracker.Connected())
	assert.Equal(t, StatePolled, s.State())
}

func TestSession_SwitchingKeepsOneConnection(t *testing.T) {
	s, adapter, _ := newTestSession()
	tt := newTestTag([]byte{0x04})
	tt.ndef.Message = []byte{0xD1, 0x01, 0x01, 'T', 0x00}
	pollTag(t, s, adapter, tt.tag)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Transceive(ctx, []byte{0x00}, 0)
		require.NoError(t, err)
		assert.Equal(t, StatePrimaryActive, s.State())
		assert.Equal(t, 1, tt.tracker.Connected())

		_, err = s.ReadNDEF(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, StateNdefActive, s.State())
		assert.Equal(t, 1, tt.tracker.Connected())
	}

	// Repeated operations on the connected handle do not reconnect.
	_, err := s.ReadNDEF(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, 1, tt.tracker.MaxConnected())
	assert.False(t, tt.isoDep.IsConnected())
}

func TestSession_ReadNDEFErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing polled", func(t *testing.T) {
		s, _, _ := newTestSession()
		_, err := s.ReadNDEF(ctx, true)
		requireCode(t, err, ErrCodeNoTagPolled)
	})

	t.Run("tag without NDEF", func(t *testing.T) {
		s, adapter, _ := newTestSession()
		pollTag(t, s, adapter, &Tag{ID: []byte{0x01}, NfcA: &NfcA{Handle: &MockTransceiver{}}})
		_, err := s.ReadNDEF(ctx, true)
		requireCode(t, err, ErrCodeNdefUnsupported)
	})

	t.Run("malformed message", func(t *testing.T) {
		s, adapter, _ := newTestSession()
		tt := newTestTag([]byte{0x01})
		tt.ndef.Message = []byte{0xD1, 0x01, 0x09, 'T'}
		pollTag(t, s, adapter, tt.tag)

		_, err := s.ReadNDEF(ctx, false)
		requireCode(t, err, ErrCodeNdefFormat)
	})

	t.Run("read failure", func(t *testing.T) {
		s, adapter, _ := newTestSession()
		tt := newTestTag([]byte{0x01})
		tt.ndef.ReadError = errors.New("transceive failed")
		pollTag(t, s, adapter, tt.tag)

		_, err := s.ReadNDEF(ctx, false)
		requireCode(t, err, ErrCodeCommunication)
	})
}

func TestSession_ReadNDEFCachedEmptyTag(t *testing.T) {
	s, adapter, _ := newTestSession()
	tt := newTestTag([]byte{0x01})
	pollTag(t, s, adapter, tt.tag)

	msg, err := s.ReadNDEF(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, msg)

	records, err := DecodeMessage(nil)
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestSession_ReadNDEF(t *testing.T) {
	s, adapter, _ := newTestSession()
	tt := newTestTag([]byte{0x01})
	tt.ndef.Message = []byte{0xD1, 0x01, 0x04, 'T', 0x02, 'e', 'n', 'x'}
	pollTag(t, s, adapter, tt.tag)

	msg, err := s.ReadNDEF(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, msg, 1)
	assert.Equal(t, TNFWellKnown, msg[0].TNF)
	assert.Equal(t, []byte("T"), msg[0].Type)
	assert.Equal(t, []byte{0x02, 'e', 'n', 'x'}, msg[0].Payload)
}

func TestSession_WriteNDEFNotWritable(t *testing.T) {
	s, adapter, _ := newTestSession()
	tt := newTestTag([]byte{0x01})
	tt.ndef.Writable = false
	pollTag(t, s, adapter, tt.tag)

	err := s.WriteNDEF(context.Background(), Message{{TNF: TNFWellKnown, Type: []byte("T"), Payload: []byte{0x00}}})
	requireCode(t, err, ErrCodeNotWritable)
	assert.Equal(t, "405", GetErrorCode(err).Status())

	assert.Equal(t, 0, tt.ndef.Writes())
	assert.NotContains(t, tt.ndef.Calls(), "Connect")
	assert.NotContains(t, tt.ndef.Calls(), "WriteMessage")
}

func TestSession_WriteNDEF(t *testing.T) {
	s, adapter, _ := newTestSession()
	tt := newTestTag([]byte{0x01})
	pollTag(t, s, adapter, tt.tag)

	msg := Message{{TNF: TNFWellKnown, Type: []byte("U"), Payload: []byte{0x04, 'a', '.', 'b'}}}
	require.NoError(t, s.WriteNDEF(context.Background(), msg))

	assert.Equal(t, 1, tt.ndef.Writes())
	assert.Equal(t, []byte{0xD1, 0x01, 0x04, 'U', 0x04, 'a', '.', 'b'}, tt.ndef.Message)
	assert.Equal(t, StateNdefActive, s.State())
}

func TestSession_WriteEmptyNDEF(t *testing.T) {
	s, adapter, _ := newTestSession()
	tt := newTestTag([]byte{0x01})
	pollTag(t, s, adapter, tt.tag)

	require.NoError(t, s.WriteNDEF(context.Background(), Message{}))
	assert.Equal(t, []byte{0xD0, 0x00, 0x00}, tt.ndef.Message)
}

func TestSession_WriteNDEFWithoutPoll(t *testing.T) {
	s, _, _ := newTestSession()
	err := s.WriteNDEF(context.Background(), Message{})
	requireCode(t, err, ErrCodeNoTagPolled)
}

func TestSession_MakeReadOnly(t *testing.T) {
	ctx := context.Background()

	t.Run("locked", func(t *testing.T) {
		s, adapter, _ := newTestSession()
		tt := newTestTag([]byte{0x01})
		tt.ndef.LockReturns = true
		pollTag(t, s, adapter, tt.tag)

		require.NoError(t, s.MakeReadOnly(ctx))
		assert.False(t, tt.ndef.IsWritable())
	})

	t.Run("lock refused", func(t *testing.T) {
		s, adapter, _ := newTestSession()
		tt := newTestTag([]byte{0x01})
		pollTag(t, s, adapter, tt.tag)

		err := s.MakeReadOnly(ctx)
		requireCode(t, err, ErrCodeLockFailed)
		assert.Equal(t, "Failed to lock NDEF tag", err.(*NFCError).Message)
	})

	t.Run("lock I/O failure", func(t *testing.T) {
		s, adapter, _ := newTestSession()
		tt := newTestTag([]byte{0x01})
		tt.ndef.LockError = errors.New("write failed")
		pollTag(t, s, adapter, tt.tag)

		err := s.MakeReadOnly(ctx)
		requireCode(t, err, ErrCodeCommunication)
	})

	t.Run("not writable", func(t *testing.T) {
		s, adapter, _ := newTestSession()
		tt := newTestTag([]byte{0x01})
		tt.ndef.Writable = false
		pollTag(t, s, adapter, tt.tag)

		err := s.MakeReadOnly(ctx)
		requireCode(t, err, ErrCodeNotWritable)
		assert.Equal(t, 0, tt.ndef.LockAttempts())
	})
}

func TestSession_FinishTwice(t *testing.T) {
	s, adapter, _ := newTestSession()
	tt := newTestTag([]byte{0x01})
	pollTag(t, s, adapter, tt.tag)

	_, err := s.Transceive(context.Background(), []byte{0x00}, 0)
	require.NoError(t, err)

	s.Finish()
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, tt.tracker.Connected())

	s.Finish()
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 2+1, adapter.DisableCount(), "one disable from the poll, one per finish")

	_, err = s.Transceive(context.Background(), []byte{0x00}, 0)
	requireCode(t, err, ErrCodeNoTagPolled)
}

func TestSession_FinishSwallowsCloseErrors(t *testing.T) {
	s, adapter, _ := newTestSession()
	tt := newTestTag([]byte{0x01})
	tt.isoDep.CloseError = errors.New("close failed")
	pollTag(t, s, adapter, tt.tag)

	_, err := s.Transceive(context.Background(), []byte{0x00}, 0)
	require.NoError(t, err)

	assert.NotPanics(t, s.Finish)
	enabled, _ := adapter.ReaderModeEnabled()
	assert.False(t, enabled)
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_PollReleasesPreviousTag(t *testing.T) {
	s, adapter, _ := newTestSession()
	first := newTestTag([]byte{0x01})
	pollTag(t, s, adapter, first.tag)

	_, err := s.Transceive(context.Background(), []byte{0x00}, 0)
	require.NoError(t, err)
	require.True(t, first.isoDep.IsConnected())

	second := newTestTag([]byte{0x02})
	result := pollTag(t, s, adapter, second.tag)

	assert.Equal(t, "02", result.ID)
	assert.False(t, first.isoDep.IsConnected())
	assert.Equal(t, StatePolled, s.State())

	desc, _, ok := s.Descriptor()
	require.True(t, ok)
	assert.Equal(t, []byte{0x02}, desc.ID)
}

func TestSession_CancelledContext(t *testing.T) {
	s, adapter, _ := newTestSession()
	tt := newTestTag([]byte{0x01})
	pollTag(t, s, adapter, tt.tag)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Transceive(ctx, []byte{0x00}, 0)
	requireCode(t, err, ErrCodeCommunication)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, tt.isoDep.Sent())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "empty", StateEmpty.String())
	assert.Equal(t, "ndef_active", StateNdefActive.String())
	assert.Equal(t, "State(42)", State(42).String())
}
