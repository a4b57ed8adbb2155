package gateway

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/mngfx/market-feed/cmd/gateway/internal/session"
)

// ClientAdapter binds a market session to an upgraded websocket connection.
// readPump is the only reader and writePump the only writer.
type ClientAdapter struct {
	conn    net.Conn
	session *session.Session
	logger  *zap.Logger

	// ping payloads waiting for a pong from writePump
	pongs chan []byte

	maxMessageSize int64
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
}

func NewClient(conn net.Conn, sess *session.Session, logger *zap.Logger, opts Options) *ClientAdapter {
	return &ClientAdapter{
		conn:           conn,
		session:        sess,
		logger:         logger.With(zap.String("session_id", sess.ID()), zap.String("remote", conn.RemoteAddr().String())),
		pongs:          make(chan []byte, 1),
		maxMessageSize: opts.MaxMessageSize,
		writeWait:      opts.WriteWait,
		pongWait:       opts.PongWait,
		pingPeriod:     opts.PingPeriod,
	}
}

// Start opens the session and launches the pumps. On error the connection is closed.
func (c *ClientAdapter) Start(ctx context.Context) error {
	if err := c.session.Open(ctx); err != nil {
		c.conn.Close()
		return err
	}
	go c.writePump()
	go c.readPump()
	return nil
}

func (c *ClientAdapter) ID() string { return c.session.ID() }

// Close ends the session; writePump then sends a close frame and drops the conn.
func (c *ClientAdapter) Close() { c.session.Close(context.Background()) }

func (c *ClientAdapter) readPump() {
	defer func() {
		c.session.Close(context.Background())
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

	for {
		header, err := ws.ReadHeader(c.conn)
		if err != nil {
			c.logger.Debug("Read ended", zap.Error(err))
			return
		}

		if header.Length > c.maxMessageSize {
			c.logger.Warn("Msg too big", zap.Int64("size", header.Length))
			return
		}

		if !header.Fin {
			c.logger.Warn("Client sent fragmented message (not supported)")
			return
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return
		}

		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

		switch header.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			select {
			case c.pongs <- payload:
			default:
				// a pong is already pending; one answer covers both
			}
		case ws.OpText:
			c.session.HandleMessage(payload)
		case ws.OpBinary:
			// same command grammar; anything unparsable becomes an error frame
			c.session.HandleMessage(payload)
		}
	}
}

func (c *ClientAdapter) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.session.Ready():
			if !c.flush() {
				return
			}
			if c.session.Ended() {
				// frames queued right before the close still go out
				if c.flush() {
					c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
					c.conn.Write(ws.CompiledClose)
				}
				return
			}

		case payload := <-c.pongs:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPong, payload); err != nil {
				return
			}

		case <-c.session.Overflow():
			c.logger.Warn("Send buffer overflow, disconnecting")
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			c.conn.Write(ws.MustCompileFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusPolicyViolation, "send buffer overflow"))))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// flush writes every queued frame in order. It reports false on a write error.
func (c *ClientAdapter) flush() bool {
	for {
		msg, ok := c.session.Pop()
		if !ok {
			return true
		}
		c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
		if err := wsutil.WriteServerText(c.conn, msg); err != nil {
			c.logger.Debug("Write failed", zap.Error(err))
			return false
		}
	}
}
