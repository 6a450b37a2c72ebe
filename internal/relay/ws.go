package relay

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/laserpointoman-commits/talebEdu-sub005/internal/call"
)

// wsFrame is the client→server envelope: deliver Msg to user To.
type wsFrame struct {
	To  string       `json:"to"`
	Msg call.Message `json:"msg"`
}

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)

// wsHandshakeWait bounds the relay dial when the caller's context carries no
// deadline of its own, matching the signaling send contract.
var wsHandshakeWait = 8 * time.Second

// Client is the websocket signaling transport for terminals that can only
// reach the relay daemon over HTTP. The connection is bound to one user at
// dial time; Subscribe must be called with the same user id.
type Client struct {
	userID string
	conn   *websocket.Conn

	writeMu sync.Mutex

	subOnce sync.Once
	out     chan call.Message

	closeOnce sync.Once
}

// DialRelay connects to a relay Server at baseURL (http:// or ws://) and
// registers as userID. The returned client is ready to send immediately.
func DialRelay(ctx context.Context, baseURL, userID string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = url.Values{"user": {userID}}.Encode()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wsHandshakeWait)
		defer cancel()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", u.String(), err)
	}

	c := &Client{
		userID: userID,
		conn:   conn,
		out:    make(chan call.Message, 64),
	}
	go c.pingLoop()
	return c, nil
}

// Send writes the signal frame. The relay routes it to the recipient.
func (c *Client) Send(ctx context.Context, toUserID string, msg call.Message) error {
	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(wsFrame{To: toUserID, Msg: msg}); err != nil {
		return fmt.Errorf("send to relay: %w", err)
	}
	return nil
}

// Subscribe starts the read pump. The websocket is already bound to the
// user chosen at dial time, so userID must match it.
func (c *Client) Subscribe(userID string) (<-chan call.Message, func(), error) {
	if userID != c.userID {
		return nil, nil, fmt.Errorf("connection is bound to %s, not %s", c.userID, userID)
	}
	c.subOnce.Do(func() { go c.readLoop() })
	return c.out, c.Close, nil
}

func (c *Client) readLoop() {
	defer close(c.out)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		var msg call.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("RELAY: connection lost: %v", err)
			}
			return
		}
		select {
		case c.out <- msg:
		default:
			log.Printf("RELAY: subscriber %s lagging, signal dropped", c.userID)
		}
	}
}

func (c *Client) pingLoop() {
	t := time.NewTicker(wsPingEvery)
	defer t.Stop()
	for range t.C {
		c.writeMu.Lock()
		err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}
