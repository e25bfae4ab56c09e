package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/grocermate/fanout/internal/logging"
	"github.com/grocermate/fanout/pkg/domain"
	"github.com/grocermate/fanout/pkg/errors"
	"github.com/grocermate/fanout/pkg/transport/protocol"
)

// timeoutForNotify bounds the courtesy write to a connection about to
// be closed.
const timeoutForNotify = 2 * time.Second

// NewHandlerRegistry wires the reserved inbound frame types to their
// handlers
func NewHandlerRegistry(registry *Registry, logger *logging.Logger) *protocol.DefaultHandlerRegistry {
	r := protocol.NewHandlerRegistry()
	r.Register(protocol.MessageTypeSubscribe, NewSubscribeHandler(registry, logger))
	r.Register(protocol.MessageTypeUnsubscribe, NewUnsubscribeHandler(registry, logger))
	r.Register(protocol.MessageTypeAuthenticate, NewAuthenticateHandler(registry, logger))
	r.Register(protocol.MessageTypePing, NewPingHandler())
	return r
}

// SubscribeHandler handles subscribe frames
type SubscribeHandler struct {
	registry *Registry
	logger   *logging.Logger
}

// NewSubscribeHandler creates a new subscribe handler
func NewSubscribeHandler(registry *Registry, logger *logging.Logger) *SubscribeHandler {
	return &SubscribeHandler{registry: registry, logger: logger}
}

// Handle implements protocol.Handler
func (h *SubscribeHandler) Handle(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req protocol.SubscribeRequest
	if err := msg.Decode(&req); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "INVALID_SUBSCRIBE", "failed to unmarshal subscribe request")
	}

	connID, ok := protocol.ConnectionID(ctx)
	if !ok {
		return nil, errors.New(errors.ErrorTypeInternal, "NO_CONNECTION", "no connection id in context")
	}

	if err := h.registry.Subscribe(connID, req.Events...); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "SUBSCRIBE_FAILED", "failed to subscribe")
	}

	h.logger.Debug("connection subscribed",
		"connection_id", connID,
		"topics", req.Events,
	)

	resp, err := protocol.NewMessage(protocol.MessageTypeSubscribed, protocol.SubscribeResponse{Events: req.Events})
	if err != nil {
		return nil, err
	}
	resp.CorrelationID = msg.CorrelationID
	return resp, nil
}

// UnsubscribeHandler handles unsubscribe frames
type UnsubscribeHandler struct {
	registry *Registry
	logger   *logging.Logger
}

// NewUnsubscribeHandler creates a new unsubscribe handler
func NewUnsubscribeHandler(registry *Registry, logger *logging.Logger) *UnsubscribeHandler {
	return &UnsubscribeHandler{registry: registry, logger: logger}
}

// Handle implements protocol.Handler
func (h *UnsubscribeHandler) Handle(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req protocol.SubscribeRequest
	if err := msg.Decode(&req); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "INVALID_UNSUBSCRIBE", "failed to unmarshal unsubscribe request")
	}

	connID, ok := protocol.ConnectionID(ctx)
	if !ok {
		return nil, errors.New(errors.ErrorTypeInternal, "NO_CONNECTION", "no connection id in context")
	}

	if err := h.registry.Unsubscribe(connID, req.Events...); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "UNSUBSCRIBE_FAILED", "failed to unsubscribe")
	}

	resp, err := protocol.NewMessage(protocol.MessageTypeUnsubscribed, protocol.SubscribeResponse{Events: req.Events})
	if err != nil {
		return nil, err
	}
	resp.CorrelationID = msg.CorrelationID
	return resp, nil
}

// AuthenticateHandler handles authenticate frames. Token validation is a
// pre-check performed by a collaborator; this handler only binds the
// user id and enforces the per-user connection cap.
type AuthenticateHandler struct {
	registry *Registry
	logger   *logging.Logger
}

// NewAuthenticateHandler creates a new authenticate handler
func NewAuthenticateHandler(registry *Registry, logger *logging.Logger) *AuthenticateHandler {
	return &AuthenticateHandler{registry: registry, logger: logger}
}

// Handle implements protocol.Handler
func (h *AuthenticateHandler) Handle(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var req protocol.AuthenticateRequest
	if err := msg.Decode(&req); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "INVALID_AUTHENTICATE", "failed to unmarshal authenticate request")
	}
	if req.UserID == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "INVALID_AUTHENTICATE", "userId is required")
	}

	connID, ok := protocol.ConnectionID(ctx)
	if !ok {
		return nil, errors.New(errors.ErrorTypeInternal, "NO_CONNECTION", "no connection id in context")
	}

	evicted, err := h.registry.Authenticate(connID, req.UserID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "AUTHENTICATE_FAILED", "failed to authenticate")
	}

	if evicted != nil {
		h.notifyEvicted(evicted)
	}

	h.logger.Info("connection authenticated",
		"connection_id", connID,
		"user_id", req.UserID,
	)

	resp, err := protocol.NewMessage(protocol.MessageTypeAuthenticated, protocol.AuthenticateResponse{UserID: req.UserID})
	if err != nil {
		return nil, err
	}
	resp.CorrelationID = msg.CorrelationID
	return resp, nil
}

// notifyEvicted tells the replaced connection why it is going away, then
// closes it
func (h *AuthenticateHandler) notifyEvicted(conn domain.Conn) {
	frame, err := protocol.NewMessage(protocol.MessageTypeError, protocol.ErrorPayload{
		Code:    "CONNECTION_REPLACED",
		Message: "connection limit reached, replaced by a newer connection",
	})
	if err == nil {
		if data, err := frame.Marshal(); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeoutForNotify)
			_ = conn.Send(ctx, data)
			cancel()
		}
	}

	if err := conn.Close(domain.CloseReplaced, "connection replaced"); err != nil {
		h.logger.Debug("error closing replaced connection", "connection_id", conn.ID(), "error", err)
	}
}

// PingHandler answers ping frames with pong
type PingHandler struct{}

// NewPingHandler creates a new ping handler
func NewPingHandler() *PingHandler {
	return &PingHandler{}
}

// Handle implements protocol.Handler
func (h *PingHandler) Handle(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	resp, err := protocol.NewMessage(protocol.MessageTypePong, json.RawMessage(`{}`))
	if err != nil {
		return nil, err
	}
	resp.CorrelationID = msg.CorrelationID
	return resp, nil
}
