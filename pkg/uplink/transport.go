package uplink

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/vango-dev/uplink/pkg/protocol"
)

// run keeps a connection alive until Close. Each reconnect cycle starts a
// fresh exponential backoff, so a long-lived connection that drops is
// retried quickly.
func (c *Client) run() {
	defer close(c.done)
	for c.ctx.Err() == nil {
		err := retry.Do(c.ctx, c.backoff(), func(ctx context.Context) error {
			conn, err := c.connectOnce(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, ErrClosed) {
					return err
				}
				c.logger.Debug("connect failed", "error", err)
				return retry.RetryableError(err)
			}
			c.readLoop(conn)
			return nil
		})
		if err != nil {
			return
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.config.ReconnectBase):
		}
	}
}

func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.config.ReconnectBase)
	b = retry.WithJitterPercent(20, b)
	return retry.WithCappedDuration(c.config.ReconnectMax, b)
}

// connectOnce dials, sends the handshake and waits for its ack. Both the
// dial and the wait are bounded by HandshakeTimeout.
func (c *Client) connectOnce(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	conn, _, err := c.config.Dialer.DialContext(dialCtx, c.wsURL, nil)
	if err != nil {
		return nil, &TransportError{Op: "dial", URL: c.wsURL, Err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	c.conn = conn
	c.setStateLocked(StateHandshakeSent)
	c.mu.Unlock()

	if err := c.write(conn, &protocol.Handshake{Guid: c.guid}); err != nil {
		c.dropped(conn)
		return nil, &TransportError{Op: "handshake", URL: c.wsURL, Err: err}
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropped(conn)
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, ErrHandshakeTimeout
			}
			return nil, &TransportError{Op: "handshake", URL: c.wsURL, Err: err}
		}
		msg, _, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("undecodable frame", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.HandshakeAck:
			_ = conn.SetReadDeadline(time.Time{})
			if err := c.handshakeAcked(conn, m); err != nil {
				c.dropped(conn)
				return nil, err
			}
			return conn, nil
		case *protocol.ErrorMessage:
			c.dropped(conn)
			return nil, m
		default:
			c.handleMessage(msg)
		}
	}
}

// readLoop dispatches frames until the transport fails.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Info("connection lost", "error", err)
			}
			c.dropped(conn)
			return
		}
		msg, flags, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("undecodable frame", "error", err)
			continue
		}
		if flags.Has(protocol.FlagReplay) {
			c.logger.Debug("replayed frame", "type", msg.FrameType().String())
		}
		c.handleMessage(msg)
	}
}

// dropped closes conn and, if it is the current transport, re-arms the
// readiness gate.
func (c *Client) dropped(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		if c.state == StateReady {
			c.ready = make(chan struct{})
		}
		if !c.closed {
			c.setStateLocked(StateConnecting)
		}
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) write(conn *websocket.Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, data)
}
