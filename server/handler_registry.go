package server

import (
	"context"
	"fmt"

	"github.com/nedpals/nfc-bridge/internal/syncutil"
	"github.com/nedpals/nfc-bridge/nfc"
	"github.com/nedpals/nfc-bridge/protocol"
)

// HandlerFunc handles one method call. It settles result exactly once,
// either before returning or later from another goroutine.
type HandlerFunc func(ctx context.Context, call protocol.MethodCall, result *nfc.Result)

// MethodRegistrar is implemented by the server. Handlers call Handle from
// their Register method to set up the methods they answer.
type MethodRegistrar interface {
	Handle(method string, handler HandlerFunc) error
}

// MethodHandler is the interface that method handler groups implement.
type MethodHandler interface {
	Register(r MethodRegistrar) error
}

// HandlerRegistry maps method names to handler functions. It is safe for
// concurrent use.
type HandlerRegistry struct {
	handlers map[string]HandlerFunc
	order    []string
	mu       syncutil.RWMutex
}

// NewHandlerRegistry creates a new handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers handler for method.
// Returns an error if a handler for the same method is already registered.
func (r *HandlerRegistry) Handle(method string, handler HandlerFunc) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	if method == "" {
		return fmt.Errorf("method name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[method]; exists {
		return fmt.Errorf("handler for method '%s' already registered", method)
	}

	r.handlers[method] = handler
	r.order = append(r.order, method)
	return nil
}

// Get retrieves the handler of method.
func (r *HandlerRegistry) Get(method string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[method]
	return handler, ok
}

// Has checks if a handler exists for method.
func (r *HandlerRegistry) Has(method string) bool {
	_, ok := r.Get(method)
	return ok
}

// Methods returns the registered methods in registration order.
func (r *HandlerRegistry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Dispatch runs the handler of call.Method. Unknown methods are answered
// with notImplemented.
func (r *HandlerRegistry) Dispatch(ctx context.Context, call protocol.MethodCall, result *nfc.Result) {
	handler, ok := r.Get(call.Method)
	if !ok {
		result.NotSupported()
		return
	}
	handler(ctx, call, result)
}
