package protocol

import (
	"context"

	"github.com/grocermate/fanout/pkg/domain"
)

// connIDKey is the context key carrying the originating connection id
type connIDKey struct{}

// WithConnectionID stores the originating connection id in the context
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey{}, id)
}

// ConnectionID extracts the originating connection id from the context
func ConnectionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(connIDKey{}).(string)
	return id, ok
}

// Handler defines the interface for handling inbound client frames
type Handler interface {
	// Handle processes a message and returns an optional response frame
	Handle(ctx context.Context, msg *Message) (*Message, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// HandlerRegistry manages message handlers
type HandlerRegistry interface {
	// Register registers a handler for a message type
	Register(messageType MessageType, handler Handler)

	// Get retrieves a handler for a message type
	Get(messageType MessageType) (Handler, bool)

	// Handle routes a message to the appropriate handler
	Handle(ctx context.Context, msg *Message) (*Message, error)
}

// DefaultHandlerRegistry is the default implementation of HandlerRegistry
type DefaultHandlerRegistry struct {
	handlers map[MessageType]Handler
}

// NewHandlerRegistry creates a new handler registry
func NewHandlerRegistry() *DefaultHandlerRegistry {
	return &DefaultHandlerRegistry{
		handlers: make(map[MessageType]Handler),
	}
}

// Register implements HandlerRegistry
func (r *DefaultHandlerRegistry) Register(messageType MessageType, handler Handler) {
	r.handlers[messageType] = handler
}

// Get implements HandlerRegistry
func (r *DefaultHandlerRegistry) Get(messageType MessageType) (Handler, bool) {
	handler, ok := r.handlers[messageType]
	return handler, ok
}

// Handle implements HandlerRegistry
func (r *DefaultHandlerRegistry) Handle(ctx context.Context, msg *Message) (*Message, error) {
	handler, ok := r.Get(msg.Type)
	if !ok {
		return nil, domain.NewDomainError(
			domain.ErrCodeNotFound,
			"no handler found for message type",
			nil,
		)
	}

	return handler.Handle(ctx, msg)
}
