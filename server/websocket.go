package server

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nedpals/nfc-bridge/internal/syncutil"
	"github.com/nedpals/nfc-bridge/nfc"
	"github.com/nedpals/nfc-bridge/protocol"
)

const writeWait = 10 * time.Second

// clientConn is the websocket of the lease holder. Results settle from
// operation goroutines, so writes are serialized.
type clientConn struct {
	conn  *websocket.Conn
	token string

	mu syncutil.Mutex
}

func (c *clientConn) send(resp protocol.MethodResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(resp)
}

func (c *clientConn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// responseSink delivers the outcome of one call to the client.
type responseSink struct {
	client *clientConn
	call   protocol.MethodCall
}

var _ nfc.ResultSink = responseSink{}

func (s responseSink) Success(result any) {
	s.write(protocol.SuccessResponse(s.call, result))
}

func (s responseSink) Error(code, message string, details any) {
	s.write(protocol.ErrorResponse(s.call, code, message, details))
}

func (s responseSink) NotImplemented() {
	s.write(protocol.NotImplementedResponse(s.call))
}

func (s responseSink) write(resp protocol.MethodResponse) {
	if err := s.client.send(resp); err != nil {
		log.Warn().Err(err).Str("method", s.call.Method).Str("id", s.call.ID).Msg("failed to send response")
	}
}
