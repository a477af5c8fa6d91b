package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nedpals/nfc-bridge/nfc"
	"github.com/nedpals/nfc-bridge/nfc/simulated"
	"github.com/nedpals/nfc-bridge/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	adapter *simulated.Adapter
	session *nfc.Session
	server  *Server
	ts      *httptest.Server
}

func newHarness(t *testing.T, cfg Config, simCfg simulated.Config) *harness {
	t.Helper()

	adapter := simulated.New(simCfg)
	session := nfc.NewSession(adapter)
	srv, err := New(cfg, session)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Stop(ctx))
		ts.Close()
		assert.NoError(t, adapter.Close())
	})
	return &harness{adapter: adapter, session: session, server: srv, ts: ts}
}

func (h *harness) dial(query string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + RouteWebSocket + query
	return websocket.DefaultDialer.Dial(url, nil)
}

func (h *harness) connect(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := h.dial("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func invoke(t *testing.T, conn *websocket.Conn, method string, args map[string]any) protocol.MethodResponse {
	t.Helper()
	id := fmt.Sprintf("%s-%d", method, time.Now().UnixNano())
	require.NoError(t, conn.WriteJSON(protocol.MethodCall{ID: id, Method: method, Arguments: args}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var resp protocol.MethodResponse
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, id, resp.ID)
	require.Equal(t, method, resp.Method)
	return resp
}

func requireError(t *testing.T, resp protocol.MethodResponse, code string) {
	t.Helper()
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error, "expected error %s", code)
	assert.Equal(t, code, resp.Error.Code)
}

func isoDepTag() *simulated.Tag {
	return simulated.NewTag(simulated.Spec{
		ID:              []byte{0x04, 0xA1, 0xB2, 0xC3},
		Technologies:    []string{simulated.TechNfcA, simulated.TechIsoDep, simulated.TechNdef},
		Atqa:            []byte{0x44, 0x03},
		Sak:             0x20,
		HistoricalBytes: []byte{0x80, 0x73},
		Writable:        true,
	})
}

func pollArgs() map[string]any {
	return map[string]any{
		protocol.ArgTimeout:      5000,
		protocol.ArgTechnologies: int(nfc.AllTechnologies),
	}
}

func TestHealthCheck(t *testing.T) {
	h := newHarness(t, Config{}, simulated.Config{})

	resp, err := h.ts.Client().Get(h.ts.URL + RouteHealth)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "available", body["availability"])
	assert.Equal(t, "empty", body["state"])
	assert.Equal(t, false, body["clientActive"])
	assert.NotEmpty(t, body["version"])
}

func TestMethodsEndpoint(t *testing.T) {
	h := newHarness(t, Config{}, simulated.Config{})

	resp, err := h.ts.Client().Get(h.ts.URL + RouteMethods)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Methods []string `json:"methods"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, protocol.Methods, body.Methods)
}

func TestCACertEndpoint(t *testing.T) {
	h := newHarness(t, Config{}, simulated.Config{})
	resp, err := h.ts.Client().Get(h.ts.URL + RouteCACert)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "route is absent without a CA")

	pem := []byte("-----BEGIN CERTIFICATE-----\n")
	h = newHarness(t, Config{CACert: func() ([]byte, error) { return pem, nil }}, simulated.Config{})
	resp, err = h.ts.Client().Get(h.ts.URL + RouteCACert)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-pem-file", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, pem, body)
}

func TestWebSocket_TagRoundTrip(t *testing.T) {
	h := newHarness(t, Config{}, simulated.Config{Tags: []*simulated.Tag{isoDepTag()}})
	conn := h.connect(t)

	resp := invoke(t, conn, protocol.MethodGetNFCAvailability, nil)
	require.True(t, resp.Success)
	assert.Equal(t, "available", resp.Result)

	resp = invoke(t, conn, protocol.MethodPoll, pollArgs())
	require.True(t, resp.Success, "poll failed: %+v", resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "iso7816", result["type"])
	assert.Equal(t, "ISO 14443-4 (Type A)", result["standard"])
	assert.Equal(t, "04a1b2c3", result["id"])
	assert.Equal(t, "", result["systemCode"])
	assert.Equal(t, true, result["ndefAvailable"])

	t.Run("hex transceive answers hex", func(t *testing.T) {
		resp := invoke(t, conn, protocol.MethodTransceive, map[string]any{
			protocol.ArgData: "00A4040007D2760000850101",
		})
		require.True(t, resp.Success)
		assert.Equal(t, "9000", resp.Result)
	})

	t.Run("byte transceive answers bytes", func(t *testing.T) {
		resp := invoke(t, conn, protocol.MethodTransceive, map[string]any{
			protocol.ArgData:    protocol.ByteArray{0x00, 0xA4, 0x04, 0x00, 0x07, 0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01},
			protocol.ArgTimeout: 300,
		})
		require.True(t, resp.Success)
		assert.Equal(t, []any{float64(0x90), float64(0x00)}, resp.Result)
	})

	t.Run("cached read of empty tag", func(t *testing.T) {
		resp := invoke(t, conn, protocol.MethodReadNDEF, map[string]any{protocol.ArgCached: true})
		require.True(t, resp.Success)
		assert.Equal(t, "[]", resp.Result)
	})

	records := []nfc.RecordJSON{{
		Identifier:     "",
		Payload:        "02656e6869",
		Type:           "54",
		TypeNameFormat: nfc.TNFNameWellKnown,
	}}
	data, err := json.Marshal(records)
	require.NoError(t, err)

	t.Run("write then read", func(t *testing.T) {
		resp := invoke(t, conn, protocol.MethodWriteNDEF, map[string]any{protocol.ArgData: string(data)})
		require.True(t, resp.Success, "write failed: %+v", resp.Error)
		assert.Equal(t, "", resp.Result)

		resp = invoke(t, conn, protocol.MethodReadNDEF, map[string]any{protocol.ArgCached: false})
		require.True(t, resp.Success)
		raw, ok := resp.Result.(string)
		require.True(t, ok)
		var got []nfc.RecordJSON
		require.NoError(t, json.Unmarshal([]byte(raw), &got))
		assert.Equal(t, records, got)
	})

	t.Run("lock", func(t *testing.T) {
		resp := invoke(t, conn, protocol.MethodMakeNdefReadOnly, nil)
		require.True(t, resp.Success, "lock failed: %+v", resp.Error)

		resp = invoke(t, conn, protocol.MethodWriteNDEF, map[string]any{protocol.ArgData: string(data)})
		requireError(t, resp, "405")
	})

	resp = invoke(t, conn, protocol.MethodFinish, nil)
	require.True(t, resp.Success)
	assert.Equal(t, "", resp.Result)
	assert.Equal(t, nfc.StateClosed, h.session.State())

	resp = invoke(t, conn, protocol.MethodTransceive, map[string]any{protocol.ArgData: "00"})
	requireError(t, resp, "406")
}

func TestWebSocket_Errors(t *testing.T) {
	h := newHarness(t, Config{}, simulated.Config{})
	conn := h.connect(t)

	tests := []struct {
		name   string
		method string
		args   map[string]any
		code   string
	}{
		{"poll without timeout", protocol.MethodPoll, map[string]any{protocol.ArgTechnologies: 1}, "400"},
		{"poll with string timeout", protocol.MethodPoll, map[string]any{protocol.ArgTimeout: "5s", protocol.ArgTechnologies: 1}, "400"},
		{"poll with zero timeout", protocol.MethodPoll, map[string]any{protocol.ArgTimeout: 0, protocol.ArgTechnologies: 1}, "400"},
		{"transceive without data", protocol.MethodTransceive, nil, "400"},
		{"transceive with object data", protocol.MethodTransceive, map[string]any{protocol.ArgData: map[string]any{}}, "400"},
		{"transceive with bad hex", protocol.MethodTransceive, map[string]any{protocol.ArgData: "zz"}, "400"},
		{"transceive before poll", protocol.MethodTransceive, map[string]any{protocol.ArgData: "00a4"}, "406"},
		{"read without cached", protocol.MethodReadNDEF, nil, "400"},
		{"read before poll", protocol.MethodReadNDEF, map[string]any{protocol.ArgCached: true}, "406"},
		{"write with malformed records", protocol.MethodWriteNDEF, map[string]any{protocol.ArgData: `[{"type":"54"}]`}, "400"},
		{"lock before poll", protocol.MethodMakeNdefReadOnly, nil, "406"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := invoke(t, conn, tt.method, tt.args)
			requireError(t, resp, tt.code)
		})
	}

	t.Run("unknown method", func(t *testing.T) {
		resp := invoke(t, conn, "scan", nil)
		assert.True(t, resp.NotImplemented)
		assert.False(t, resp.Success)
		assert.Nil(t, resp.Error)
	})

	t.Run("malformed frame", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
		var resp protocol.MethodResponse
		require.NoError(t, conn.ReadJSON(&resp))
		requireError(t, resp, "400")
	})
}

func TestWebSocket_PollTimeout(t *testing.T) {
	h := newHarness(t, Config{}, simulated.Config{})
	conn := h.connect(t)

	resp := invoke(t, conn, protocol.MethodPoll, map[string]any{
		protocol.ArgTimeout:      50,
		protocol.ArgTechnologies: int(nfc.AllTechnologies),
	})
	requireError(t, resp, "408")
	assert.Equal(t, "Polling tag timeout", resp.Error.Message)
}

func TestWebSocket_RadioUnavailable(t *testing.T) {
	h := newHarness(t, Config{}, simulated.Config{Availability: nfc.Disabled})
	conn := h.connect(t)

	resp := invoke(t, conn, protocol.MethodGetNFCAvailability, nil)
	require.True(t, resp.Success)
	assert.Equal(t, "disabled", resp.Result)

	for _, method := range protocol.Methods[1:] {
		resp := invoke(t, conn, method, pollArgs())
		requireError(t, resp, "404")
		assert.Equal(t, "NFC not available", resp.Error.Message)
	}
}

func TestWebSocket_ConcurrentCallsAnswered(t *testing.T) {
	h := newHarness(t, Config{}, simulated.Config{Tags: []*simulated.Tag{isoDepTag()}})
	conn := h.connect(t)

	ids := map[string]bool{}
	for i := range 8 {
		call := protocol.MethodCall{ID: fmt.Sprint(i), Method: protocol.MethodGetNFCAvailability}
		if i%2 == 1 {
			call.Method = protocol.MethodPoll
			call.Arguments = pollArgs()
		}
		require.NoError(t, conn.WriteJSON(call))
		ids[call.ID] = true
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	for len(ids) > 0 {
		var resp protocol.MethodResponse
		require.NoError(t, conn.ReadJSON(&resp))
		assert.True(t, ids[resp.ID], "unexpected or duplicate response %s", resp.ID)
		delete(ids, resp.ID)
	}
}

func TestWebSocket_SingleClient(t *testing.T) {
	h := newHarness(t, Config{}, simulated.Config{})
	h.connect(t)

	_, resp, err := h.dial("")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWebSocket_APISecret(t *testing.T) {
	h := newHarness(t, Config{APISecret: "s3cret"}, simulated.Config{})

	_, resp, err := h.dial("?secret=wrong")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := h.dial("?secret=s3cret")
	require.NoError(t, err)
	defer conn.Close()
	assert.True(t, h.server.sessions.Active())
}

func TestWebSocket_DisconnectFinishesSession(t *testing.T) {
	h := newHarness(t, Config{}, simulated.Config{Tags: []*simulated.Tag{isoDepTag()}})
	conn, _, err := h.dial("")
	require.NoError(t, err)

	resp := invoke(t, conn, protocol.MethodPoll, pollArgs())
	require.True(t, resp.Success)
	assert.Equal(t, nfc.StatePolled, h.session.State())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return h.session.State() == nfc.StateClosed && !h.server.sessions.Active()
	}, 5*time.Second, 10*time.Millisecond)

	// The lease is free for the next client.
	next := h.connect(t)
	resp = invoke(t, next, protocol.MethodGetNFCAvailability, nil)
	assert.True(t, resp.Success)
}

func TestWebSocket_DisconnectCancelsPoll(t *testing.T) {
	h := newHarness(t, Config{}, simulated.Config{})
	conn, _, err := h.dial("")
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(protocol.MethodCall{ID: "1", Method: protocol.MethodPoll, Arguments: map[string]any{
		protocol.ArgTimeout:      60000,
		protocol.ArgTechnologies: int(nfc.AllTechnologies),
	}}))
	require.Eventually(t, func() bool {
		_, on := h.adapter.ReaderMode()
		return on
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		_, on := h.adapter.ReaderMode()
		return !on && h.session.State() == nfc.StateClosed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocket_IdleTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := newHarness(t, Config{LeaseTimeout: time.Minute, Clock: clock}, simulated.Config{Tags: []*simulated.Tag{isoDepTag()}})
	conn := h.connect(t)

	resp := invoke(t, conn, protocol.MethodPoll, pollArgs())
	require.True(t, resp.Success)

	clock.Advance(time.Minute)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected read error: %v", err)

	require.Eventually(t, func() bool {
		return h.session.State() == nfc.StateClosed && !h.server.sessions.Active()
	}, 5*time.Second, 10*time.Millisecond)
}
