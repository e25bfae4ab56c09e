package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/grocermate/fanout/internal/logging"
	"github.com/grocermate/fanout/pkg/domain"
	"github.com/grocermate/fanout/pkg/errors"
	"github.com/grocermate/fanout/pkg/transport/protocol"
)

// maxRateViolations is how many throttled frames a connection may send
// before it is closed for policy violation
const maxRateViolations = 10

// ConnOptions represents websocket connection options
type ConnOptions struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	SendBufferSize  int
	InboundRate     float64
	InboundBurst    int
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultConnOptions returns default connection options
func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  512 * 1024, // 512KB
		SendBufferSize:  256,
		InboundRate:     20,
		InboundBurst:    40,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// Conn implements domain.Conn over a websocket. Writes go through a
// buffered send channel drained by a single write pump, so Send never
// blocks on the socket. The read pump enforces an inbound rate limit
// and reports pongs to the liveness monitor through the onPong hook.
type Conn struct {
	id         string
	conn       *websocket.Conn
	ctx        context.Context
	cancel     context.CancelFunc
	logger     *logging.Logger
	options    ConnOptions
	sendChan   chan []byte
	handler    domain.MessageHandler
	onPong     func()
	limiter    *rate.Limiter
	violations int
	mu         sync.RWMutex
	closed     bool
	wg         sync.WaitGroup
}

// NewConn creates a new websocket connection
func NewConn(id string, conn *websocket.Conn, logger *logging.Logger, options ConnOptions) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if options.InboundRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(options.InboundRate), options.InboundBurst)
	}

	return &Conn{
		id:       id,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.WithFields(map[string]any{"connection_id": id}),
		options:  options,
		sendChan: make(chan []byte, options.SendBufferSize),
		limiter:  limiter,
	}
}

// ID implements domain.Conn
func (c *Conn) ID() string {
	return c.id
}

// Send implements domain.Conn. The read lock is held across the channel
// send so Close cannot close sendChan underneath it; the select never
// blocks because of the default case.
func (c *Conn) Send(ctx context.Context, message []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return domain.ErrConnectionClosed
	}

	select {
	case c.sendChan <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return domain.ErrConnectionClosed
	default:
		return errors.New(errors.ErrorTypeTransport, "SEND_BUFFER_FULL", "send buffer is full")
	}
}

// Close implements domain.Conn. A close control frame carrying the code
// and reason is written on a best-effort basis before the socket is
// torn down.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	// Closing the channel under the lock keeps it ordered after any
	// in-flight Send holding the read lock.
	close(c.sendChan)
	c.mu.Unlock()

	c.logger.Info("closing connection", "code", code, "reason", reason)

	deadline := time.Now().Add(c.options.WriteTimeout)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		c.logger.Debug("error writing close frame", "error", err)
	}

	c.cancel()

	if err := c.conn.Close(); err != nil {
		c.logger.Debug("error closing websocket", "error", err)
	}

	c.wg.Wait()
	return nil
}

// RemoteAddr implements domain.Conn
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Context implements domain.Conn
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Receive sets the inbound frame handler; must be called before Start
func (c *Conn) Receive(handler domain.MessageHandler) {
	c.handler = handler
}

// OnPong sets the pong callback; must be called before Start
func (c *Conn) OnPong(fn func()) {
	c.onPong = fn
}

// Start starts the read and write pumps
func (c *Conn) Start() {
	c.wg.Add(2)
	go c.readPump()
	go c.writePump()
}

// readPump pumps frames from the websocket connection
func (c *Conn) readPump() {
	defer c.wg.Done()
	defer func() {
		c.logger.Debug("read pump stopped")
		c.cancel()
	}()

	c.conn.SetReadLimit(c.options.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
		if c.onPong != nil {
			c.onPong()
		}
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			messageType, message, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					c.logger.Error("websocket read error", "error", err)
				}
				return
			}

			if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
				continue
			}

			if !c.admit() {
				return
			}

			if c.handler != nil {
				if err := c.handler(message); err != nil {
					c.logger.Error("message handler error", "error", err)
				}
			}
		}
	}
}

// admit applies the inbound rate limit. Throttled frames get an error
// frame back; a connection that keeps pushing past the limit is closed
// for policy violation. Returns false when the connection was closed.
func (c *Conn) admit() bool {
	if c.limiter == nil || c.limiter.Allow() {
		return true
	}

	c.violations++
	c.logger.Warn("inbound rate limit exceeded", "violations", c.violations)

	if c.violations >= maxRateViolations {
		go c.Close(domain.ClosePolicyViolation, "inbound rate limit exceeded")
		return false
	}

	frame, err := protocol.NewMessage(protocol.MessageTypeError, protocol.ErrorPayload{
		Code:    "RATE_LIMITED",
		Message: "too many messages, slow down",
	})
	if err == nil {
		if data, err := frame.Marshal(); err == nil {
			ctx, cancel := context.WithTimeout(c.ctx, c.options.WriteTimeout)
			_ = c.Send(ctx, data)
			cancel()
		}
	}
	return true
}

// writePump pumps frames to the websocket connection and keeps the
// ping ticker running
func (c *Conn) writePump() {
	defer c.wg.Done()
	defer func() {
		c.logger.Debug("write pump stopped")
	}()

	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case message, ok := <-c.sendChan:
			c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))

			if !ok {
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("websocket write error", "error", err)
				return
			}

			// Drain any queued messages
			n := len(c.sendChan)
			for i := 0; i < n; i++ {
				select {
				case msg := <-c.sendChan:
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						c.logger.Error("websocket write error", "error", err)
						return
					}
				default:
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error("websocket ping error", "error", err)
				return
			}
		}
	}
}
