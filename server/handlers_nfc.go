package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nedpals/nfc-bridge/nfc"
	"github.com/nedpals/nfc-bridge/protocol"
)

// NFCHandler answers the tag methods on top of a session. Tag operations
// run in their own goroutine and settle the result from there; argument
// errors are reported before any goroutine starts.
type NFCHandler struct {
	session *nfc.Session
	ops     sync.WaitGroup
}

// NewNFCHandler creates a new NFC handler.
func NewNFCHandler(session *nfc.Session) *NFCHandler {
	return &NFCHandler{session: session}
}

// Register implements MethodHandler.
func (h *NFCHandler) Register(r MethodRegistrar) error {
	methods := []struct {
		name    string
		handler HandlerFunc
	}{
		{protocol.MethodGetNFCAvailability, h.handleAvailability},
		{protocol.MethodPoll, h.requireRadio(h.handlePoll)},
		{protocol.MethodTransceive, h.requireRadio(h.handleTransceive)},
		{protocol.MethodReadNDEF, h.requireRadio(h.handleReadNDEF)},
		{protocol.MethodWriteNDEF, h.requireRadio(h.handleWriteNDEF)},
		{protocol.MethodMakeNdefReadOnly, h.requireRadio(h.handleMakeReadOnly)},
		{protocol.MethodFinish, h.requireRadio(h.handleFinish)},
	}
	for _, m := range methods {
		if err := r.Handle(m.name, m.handler); err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until every running tag operation has settled its result.
func (h *NFCHandler) Wait() {
	h.ops.Wait()
}

func (h *NFCHandler) requireRadio(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, call protocol.MethodCall, result *nfc.Result) {
		if av := h.session.Availability(); av != nfc.Available {
			log.Debug().Str("method", call.Method).Str("availability", string(av)).Msg("radio unavailable")
			result.Fail(nfc.NewError(nfc.ErrCodeRadioUnavailable, call.Method, nil))
			return
		}
		next(ctx, call, result)
	}
}

// run executes op on its own goroutine and settles result with its outcome.
func (h *NFCHandler) run(ctx context.Context, result *nfc.Result, op func(ctx context.Context) (any, error)) {
	h.ops.Add(1)
	go func() {
		defer h.ops.Done()
		value, err := op(ctx)
		if err != nil {
			result.Fail(err)
			return
		}
		result.Succeed(value)
	}()
}

var errNonPositiveTimeout = errors.New("timeout must be positive")

func badArgument(method string, err error) error {
	return nfc.NewError(nfc.ErrCodeBadArgument, method, err)
}

func (h *NFCHandler) handleAvailability(_ context.Context, _ protocol.MethodCall, result *nfc.Result) {
	result.Succeed(string(h.session.Availability()))
}

func (h *NFCHandler) handlePoll(ctx context.Context, call protocol.MethodCall, result *nfc.Result) {
	timeout, err := protocol.Int(call.Arguments, protocol.ArgTimeout)
	if err != nil {
		result.Fail(badArgument(call.Method, err))
		return
	}
	technologies, err := protocol.Int(call.Arguments, protocol.ArgTechnologies)
	if err != nil {
		result.Fail(badArgument(call.Method, err))
		return
	}
	if timeout <= 0 {
		result.Fail(badArgument(call.Method, errNonPositiveTimeout))
		return
	}

	h.run(ctx, result, func(ctx context.Context) (any, error) {
		return h.session.Poll(ctx, time.Duration(timeout)*time.Millisecond, nfc.TechMask(technologies))
	})
}

func (h *NFCHandler) handleTransceive(ctx context.Context, call protocol.MethodCall, result *nfc.Result) {
	payload, err := protocol.Data(call.Arguments, protocol.ArgData)
	if err != nil {
		result.Fail(badArgument(call.Method, err))
		return
	}
	timeout, _, err := protocol.OptionalInt(call.Arguments, protocol.ArgTimeout)
	if err != nil {
		result.Fail(badArgument(call.Method, err))
		return
	}

	data := payload.Bytes
	if payload.IsHex {
		if data, err = nfc.HexToBytes(payload.Hex); err != nil {
			result.Fail(err)
			return
		}
	}

	h.run(ctx, result, func(ctx context.Context) (any, error) {
		resp, err := h.session.Transceive(ctx, data, time.Duration(timeout)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		// Answer in the form of the request.
		if payload.IsHex {
			return nfc.BytesToHex(resp), nil
		}
		return protocol.ByteArray(resp), nil
	})
}

func (h *NFCHandler) handleReadNDEF(ctx context.Context, call protocol.MethodCall, result *nfc.Result) {
	cached, err := protocol.Bool(call.Arguments, protocol.ArgCached)
	if err != nil {
		result.Fail(badArgument(call.Method, err))
		return
	}

	h.run(ctx, result, func(ctx context.Context) (any, error) {
		msg, err := h.session.ReadNDEF(ctx, cached)
		if err != nil {
			return nil, err
		}
		records, err := json.Marshal(msg.ToJSON())
		if err != nil {
			return nil, nfc.NewNdefFormatError(call.Method, err)
		}
		return string(records), nil
	})
}

func (h *NFCHandler) handleWriteNDEF(ctx context.Context, call protocol.MethodCall, result *nfc.Result) {
	data, err := protocol.String(call.Arguments, protocol.ArgData)
	if err != nil {
		result.Fail(badArgument(call.Method, err))
		return
	}
	msg, err := nfc.MessageFromJSON([]byte(data))
	if err != nil {
		result.Fail(err)
		return
	}

	h.run(ctx, result, func(ctx context.Context) (any, error) {
		return "", h.session.WriteNDEF(ctx, msg)
	})
}

func (h *NFCHandler) handleMakeReadOnly(ctx context.Context, _ protocol.MethodCall, result *nfc.Result) {
	h.run(ctx, result, func(ctx context.Context) (any, error) {
		return "", h.session.MakeReadOnly(ctx)
	})
}

func (h *NFCHandler) handleFinish(ctx context.Context, _ protocol.MethodCall, result *nfc.Result) {
	h.run(ctx, result, func(context.Context) (any, error) {
		h.session.Finish()
		return "", nil
	})
}
