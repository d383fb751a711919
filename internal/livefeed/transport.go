package livefeed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Dialer opens one live connection to a feed.
type Dialer interface {
	Dial(ctx context.Context, feed FeedID, token string) (Conn, error)
}

// Conn is a duplex frame stream. ReadFrame is only called from one
// goroutine; WriteFrame and Close may be called concurrently with it.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteFrame(f Frame) error
	Close() error
}

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// readWait is how long the client tolerates silence; the server pings
	// more often than this.
	readWait = 60 * time.Second
)

// WSDialer dials the websocket endpoint {BaseURL}{PathFunc(feed)} and
// authenticates with an Authorization bearer header.
type WSDialer struct {
	baseURL  string
	pathFunc func(FeedID) string
	dialer   *websocket.Dialer
}

// WSDialerOpts holds parameters for creating a WSDialer.
type WSDialerOpts struct {
	BaseURL string // http(s) or ws(s) base URL
	// PathFunc maps a feed to its live endpoint path. Defaults to
	// /feeds/{feed}/live.
	PathFunc func(FeedID) string
	Dialer   *websocket.Dialer // defaults to websocket.DefaultDialer
}

// FeedLivePath is the default live endpoint path for a feed.
func FeedLivePath(feed FeedID) string {
	return "/feeds/" + url.PathEscape(string(feed)) + "/live"
}

// NewWSDialer creates a WSDialer.
func NewWSDialer(opts WSDialerOpts) (*WSDialer, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("livefeed: dialer: base url is required")
	}
	base, err := wsBase(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	d := &WSDialer{
		baseURL:  base,
		pathFunc: opts.PathFunc,
		dialer:   opts.Dialer,
	}
	if d.pathFunc == nil {
		d.pathFunc = FeedLivePath
	}
	if d.dialer == nil {
		d.dialer = websocket.DefaultDialer
	}
	return d, nil
}

// wsBase rewrites an http(s) base URL to the matching ws(s) scheme.
func wsBase(raw string) (string, error) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return "", fmt.Errorf("livefeed: dialer: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("livefeed: dialer: unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Dial opens the websocket for feed.
func (d *WSDialer) Dial(ctx context.Context, feed FeedID, token string) (Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := d.dialer.DialContext(ctx, d.baseURL+d.pathFunc(feed), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("livefeed: dial %s: status %d: %w", feed, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("livefeed: dial %s: %w", feed, err)
	}
	ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(readWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	return &wsConn{ws: ws}, nil
}

// wsConn adapts *websocket.Conn to Conn. gorilla allows one concurrent
// writer, so writes are serialized.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func (c *wsConn) ReadFrame() (Frame, error) {
	var f Frame
	if err := c.ws.ReadJSON(&f); err != nil {
		return Frame{}, err
	}
	c.ws.SetReadDeadline(time.Now().Add(readWait))
	return f, nil
}

func (c *wsConn) WriteFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(f)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
