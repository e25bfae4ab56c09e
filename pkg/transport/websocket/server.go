package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"github.com/grocermate/fanout/internal/logging"
	"github.com/grocermate/fanout/pkg/domain"
	"github.com/grocermate/fanout/pkg/errors"
	"github.com/grocermate/fanout/pkg/transport/protocol"
)

// responseTimeout bounds one outbound response write
const responseTimeout = 5 * time.Second

// ConnectionRegistry is the registry surface the server needs
type ConnectionRegistry interface {
	Register(conn domain.Conn, meta domain.ConnMeta) string
	Deregister(id string)
	Touch(id string)
}

// LivenessTracker is the liveness surface the server needs
type LivenessTracker interface {
	Track(id string)
	MarkPong(id string)
}

// ServerOptions represents websocket server options
type ServerOptions struct {
	NodeID      string
	CheckOrigin func(r *http.Request) bool
	ConnOptions ConnOptions
	Registry    ConnectionRegistry
	Liveness    LivenessTracker
	Router      protocol.HandlerRegistry
	Logger      *logging.Logger
}

// ServerOption is a function that configures ServerOptions
type ServerOption func(*ServerOptions)

// WithNodeID sets the node id announced in welcome frames
func WithNodeID(nodeID string) ServerOption {
	return func(o *ServerOptions) {
		o.NodeID = nodeID
	}
}

// WithRegistry sets the connection registry
func WithRegistry(registry ConnectionRegistry) ServerOption {
	return func(o *ServerOptions) {
		o.Registry = registry
	}
}

// WithLiveness sets the liveness tracker
func WithLiveness(liveness LivenessTracker) ServerOption {
	return func(o *ServerOptions) {
		o.Liveness = liveness
	}
}

// WithRouter sets the inbound frame router
func WithRouter(router protocol.HandlerRegistry) ServerOption {
	return func(o *ServerOptions) {
		o.Router = router
	}
}

// WithLogger sets the logger for the server
func WithLogger(logger *logging.Logger) ServerOption {
	return func(o *ServerOptions) {
		o.Logger = logger
	}
}

// WithConnOptions sets per-connection options
func WithConnOptions(options ConnOptions) ServerOption {
	return func(o *ServerOptions) {
		o.ConnOptions = options
	}
}

// WithCheckOrigin sets the check origin function
func WithCheckOrigin(checkOrigin func(r *http.Request) bool) ServerOption {
	return func(o *ServerOptions) {
		o.CheckOrigin = checkOrigin
	}
}

// Server upgrades HTTP requests to websocket connections and runs each
// connection's lifecycle: register, welcome, pump frames through the
// router, deregister on disconnect.
type Server struct {
	upgrader websocket.Upgrader
	options  ServerOptions
	logger   *logging.Logger
}

// NewServer creates a new websocket server
func NewServer(opts ...ServerOption) *Server {
	options := ServerOptions{
		ConnOptions: DefaultConnOptions(),
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins by default (configure for production)
		},
	}

	for _, opt := range opts {
		opt(&options)
	}

	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  options.ConnOptions.ReadBufferSize,
			WriteBufferSize: options.ConnOptions.WriteBufferSize,
			CheckOrigin:     options.CheckOrigin,
		},
		options: options,
		logger:  options.Logger,
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade error",
			"error", err,
			"remote_addr", r.RemoteAddr,
		)
		return
	}

	connID := xid.New().String()
	conn := NewConn(connID, ws, s.logger, s.options.ConnOptions)

	conn.Receive(func(message []byte) error {
		return s.handleMessage(conn, message)
	})
	if s.options.Liveness != nil {
		conn.OnPong(func() {
			s.options.Liveness.MarkPong(connID)
		})
	}

	s.options.Registry.Register(conn, domain.ConnMeta{RemoteAddr: r.RemoteAddr})
	if s.options.Liveness != nil {
		s.options.Liveness.Track(connID)
	}

	conn.Start()
	s.sendWelcome(conn)

	s.logger.Info("connection opened",
		"connection_id", connID,
		"remote_addr", r.RemoteAddr,
	)

	// Block until the connection dies, then tear down registry state.
	<-conn.Context().Done()

	s.options.Registry.Deregister(connID)

	s.logger.Info("connection closed", "connection_id", connID)
}

// sendWelcome pushes the one-time welcome frame carrying the assigned
// connection id
func (s *Server) sendWelcome(conn *Conn) {
	frame, err := protocol.NewMessage(protocol.MessageTypeWelcome, protocol.WelcomePayload{
		ConnectionID: conn.ID(),
		NodeID:       s.options.NodeID,
	})
	if err != nil {
		s.logger.Error("failed to build welcome frame", "error", err)
		return
	}

	data, err := frame.Marshal()
	if err != nil {
		s.logger.Error("failed to marshal welcome frame", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), responseTimeout)
	defer cancel()
	if err := conn.Send(ctx, data); err != nil {
		s.logger.Debug("failed to send welcome frame", "connection_id", conn.ID(), "error", err)
	}
}

// handleMessage parses an inbound frame and routes it. A malformed or
// rejected frame produces an error frame back to this connection only;
// it never disturbs other connections.
func (s *Server) handleMessage(conn *Conn, message []byte) error {
	s.options.Registry.Touch(conn.ID())

	msg, err := protocol.Unmarshal(message)
	if err != nil {
		s.logger.Warn("discarding malformed frame",
			"connection_id", conn.ID(),
			"error", err,
		)
		s.sendError(conn, "", "INVALID_FRAME", "failed to parse message")
		return nil
	}

	if s.options.Router == nil {
		s.logger.Warn("no router configured")
		return nil
	}

	ctx := protocol.WithConnectionID(context.Background(), conn.ID())
	response, err := s.options.Router.Handle(ctx, msg)
	if err != nil {
		s.logger.Error("handler error",
			"connection_id", conn.ID(),
			"message_type", msg.Type,
			"error", err,
		)
		code := "HANDLER_ERROR"
		if derr, ok := err.(*errors.Error); ok {
			code = derr.Code
		}
		s.sendError(conn, msg.CorrelationID, code, err.Error())
		return nil
	}

	if response == nil {
		return nil
	}

	data, err := response.Marshal()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "MARSHAL_ERROR", "failed to marshal response")
	}

	ctx, cancel := context.WithTimeout(context.Background(), responseTimeout)
	defer cancel()
	return conn.Send(ctx, data)
}

// sendError sends an error frame to one connection
func (s *Server) sendError(conn *Conn, correlationID, code, message string) {
	frame, err := protocol.NewMessage(protocol.MessageTypeError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	frame.CorrelationID = correlationID

	data, err := frame.Marshal()
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), responseTimeout)
	defer cancel()
	_ = conn.Send(ctx, data)
}
