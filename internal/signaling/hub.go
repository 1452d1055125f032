// Package signaling implements the websocket control channel: upgrading
// HTTP connections to websockets, decoding control frames, and routing them
// into the registry and HTTP tunnel correlator.
package signaling

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/relaymesh/relayd/internal/registry"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingPeriod   = (pongTimeout * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Router is notified of every decoded control frame and of channel closure.
// The httpapi package wires registry and tunnel operations into it.
type Router interface {
	RegisterWaf(ch *Conn, f *RegisterWaf)
	RegisterClient(ch *Conn, f *RegisterClient)
	UpdateReflexive(f *UpdateReflexive)
	UpdateConnection(f *UpdateConnection)
	HTTPResponse(f *HTTPResponse)
	Closed(ch *Conn)
}

// Conn wraps a single upgraded websocket connection as a registry.Channel,
// serializing writes (gorilla connections are not safe for concurrent
// writers) and pumping reads into a Router.
type Conn struct {
	log    *zap.Logger
	ws     *websocket.Conn
	router Router

	writeMu sync.Mutex
	closed  bool
}

// Upgrade promotes an HTTP request to a websocket control channel and
// starts its read pump in a new goroutine. The returned Conn implements
// registry.Channel.
func Upgrade(log *zap.Logger, w http.ResponseWriter, r *http.Request, router Router) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "upgrade websocket")
	}
	c := &Conn{log: log, ws: ws, router: router}
	ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go c.readPump()
	go c.pingPump()
	return c, nil
}

// Send implements registry.Channel.
func (c *Conn) Send(v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal control frame")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return errors.New("signaling: channel closed")
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, body)
}

// Close implements registry.Channel.
func (c *Conn) Close(code int, reason string) error {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.ws.WriteMessage(websocket.CloseMessage, msg) //nolint:errcheck
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *Conn) readPump() {
	defer func() {
		c.Close(1000, "")
		c.router.Closed(c)
	}()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := Decode(raw)
		if err != nil {
			c.log.Debug("dropping malformed control frame", zap.Error(err))
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Conn) dispatch(frame interface{}) {
	switch f := frame.(type) {
	case *RegisterWaf:
		c.router.RegisterWaf(c, f)
	case *RegisterClient:
		c.router.RegisterClient(c, f)
	case *UpdateReflexive:
		c.router.UpdateReflexive(f)
	case *UpdateConnection:
		c.router.UpdateConnection(f)
	case *HTTPResponse:
		c.router.HTTPResponse(f)
	}
}

func (c *Conn) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		c.writeMu.Lock()
		if c.closed {
			c.writeMu.Unlock()
			return
		}
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := c.ws.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

var _ registry.Channel = (*Conn)(nil)
