package nfc

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ResultSink receives the outcome of one method call. Implementations are
// called at most once per Result, from whichever goroutine finished the call.
type ResultSink interface {
	Success(result any)
	Error(code, message string, details any)
	NotImplemented()
}

// Result is a single-use dispatcher in front of a ResultSink. The first of
// Succeed, Fail or NotSupported is delivered; later calls are logged and
// dropped. It is safe to settle a Result from any goroutine.
type Result struct {
	sink    ResultSink
	method  string
	settled atomic.Bool
}

// NewResult creates a Result for a call of method.
func NewResult(sink ResultSink, method string) *Result {
	return &Result{sink: sink, method: method}
}

// Method returns the method name the result belongs to.
func (r *Result) Method() string {
	return r.method
}

// Settled reports whether an outcome has already been delivered.
func (r *Result) Settled() bool {
	return r.settled.Load()
}

func (r *Result) Succeed(value any) {
	r.deliver("success", func() {
		r.sink.Success(value)
	})
}

// Fail reports err. NFCErrors keep their status, message and details; other
// errors are reported as communication errors.
func (r *Result) Fail(err error) {
	if err == nil {
		err = NewCommunicationError(r.method, nil)
	}
	nfcErr := AsNFCError(r.method, err)

	r.deliver("error", func() {
		log.Error().
			Err(err).
			Str("method", r.method).
			Str("code", nfcErr.Code.Status()).
			Msg(nfcErr.Message)
		r.sink.Error(nfcErr.Code.Status(), nfcErr.Message, nfcErr.Details())
	})
}

func (r *Result) NotSupported() {
	r.deliver("not_implemented", func() {
		r.sink.NotImplemented()
	})
}

func (r *Result) deliver(outcome string, fn func()) {
	if !r.settled.CompareAndSwap(false, true) {
		log.Warn().
			Str("method", r.method).
			Str("outcome", outcome).
			Msg("result already submitted, dropping")
		return
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("method", r.method).
				Interface("panic", p).
				Msg("result sink panicked")
		}
	}()
	fn()
}
