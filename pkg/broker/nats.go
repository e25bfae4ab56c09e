package broker

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/grocermate/fanout/internal/logging"
	"github.com/grocermate/fanout/pkg/errors"
)

// NATSOptions represents NATS broker options
type NATSOptions struct {
	URL            string
	Name           string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

// DefaultNATSOptions returns default NATS options
func DefaultNATSOptions(url string) NATSOptions {
	return NATSOptions{
		URL:            url,
		Name:           "fanout",
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
}

// NATSBroker implements Broker on a NATS connection
type NATSBroker struct {
	conn   *nats.Conn
	logger *logging.Logger
}

// NewNATSBroker connects to NATS and returns a broker
func NewNATSBroker(opts NATSOptions, logger *logging.Logger) (*NATSBroker, error) {
	conn, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.Timeout(opts.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("broker disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("broker reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBroker, "BROKER_CONNECT", "failed to connect to broker")
	}

	return &NATSBroker{
		conn:   conn,
		logger: logger,
	}, nil
}

// Publish implements Broker
func (b *NATSBroker) Publish(ctx context.Context, subject string, data []byte) error {
	if subject == "" {
		return ErrSubjectEmpty
	}
	if b.conn.IsClosed() {
		return ErrBrokerClosed
	}

	if err := b.conn.Publish(subject, data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeBroker, "BROKER_PUBLISH", "failed to publish message")
	}

	// Flush with the caller's deadline so a dead broker surfaces as an
	// error here instead of silently buffering.
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := b.conn.FlushTimeout(time.Until(deadline)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeBroker, "BROKER_FLUSH", "failed to flush publish")
	}

	return nil
}

// Subscribe implements Broker
func (b *NATSBroker) Subscribe(subject string, handler MsgHandler) (Subscription, error) {
	if subject == "" {
		return nil, ErrSubjectEmpty
	}

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBroker, "BROKER_SUBSCRIBE", "failed to subscribe")
	}

	return sub, nil
}

// Close implements Broker
func (b *NATSBroker) Close() error {
	b.conn.Close()
	return nil
}
