// Package wsutil adapts browser websockets to the byte streams the LXD
// console and exec APIs expect.
package wsutil

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"

	"nhooyr.io/websocket"
)

// Subprotocols lists what Accept offers: raw binary frames, or base64
// encoded text frames for clients that cannot send binary.
var Subprotocols = []string{"binary", "base64"}

// Conn is an io.ReadWriteCloser over one websocket connection.
type Conn struct {
	ctx     context.Context
	ws      *websocket.Conn
	base64  bool
	onClose func() error

	buf       bytes.Buffer
	closeOnce sync.Once
	closeErr  error
}

// New wraps ws. onClose runs once before the websocket is closed.
func New(ctx context.Context, ws *websocket.Conn, onClose func() error) *Conn {
	return &Conn{
		ctx:     ctx,
		ws:      ws,
		base64:  ws.Subprotocol() == "base64",
		onClose: onClose,
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	for c.buf.Len() == 0 {
		_, msg, err := c.ws.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			return 0, err
		}
		if c.base64 {
			msg, err = base64.StdEncoding.DecodeString(string(msg))
			if err != nil {
				return 0, err
			}
		}
		c.buf.Write(msg)
	}
	return c.buf.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	typ, msg := websocket.MessageBinary, p
	if c.base64 {
		typ, msg = websocket.MessageText, []byte(base64.StdEncoding.EncodeToString(p))
	}
	if err := c.ws.Write(c.ctx, typ, msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.onClose != nil {
			if err := c.onClose(); err != nil {
				c.closeErr = err
				return
			}
		}
		c.closeErr = c.ws.Close(websocket.StatusNormalClosure, "bye")
	})
	return c.closeErr
}
