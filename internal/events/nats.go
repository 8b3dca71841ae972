package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"
)

// ErrNotConnected is returned when publishing on a closed connection.
var ErrNotConnected = errors.New("events: nats not connected")

// NATS publishes events as JSON messages.
type NATS struct {
	nc     *nats.Conn
	prefix string
	closed atomic.Bool
}

// NewNATS connects to url. Reconnection is retried forever in the
// background once the first connection succeeded.
func NewNATS(url, prefix string, logger *log.Logger) (*NATS, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	opts := []nats.Option{
		nats.Name("devtray"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATS{nc: nc, prefix: prefix}, nil
}

// Publish implements Publisher.
func (n *NATS) Publish(_ context.Context, e Event) error {
	if n.closed.Load() || n.nc.IsClosed() {
		return ErrNotConnected
	}
	data, err := e.Payload()
	if err != nil {
		return err
	}
	return n.nc.Publish(e.Subject(n.prefix), data)
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() error {
	if n.closed.Swap(true) || n.nc.IsClosed() {
		return nil
	}
	return n.nc.Drain()
}
