package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/civichall/agora/internal/livefeed"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a client may stay silent before it is dropped.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxFrameSize caps an inbound frame in bytes.
	maxFrameSize = 8 << 10
	// sendBuffer is the per-client outbound queue length.
	sendBuffer = 64
)

// room is the set of clients connected to one feed.
type room struct {
	hub  *Hub
	feed livefeed.FeedID

	mu      sync.Mutex
	clients map[*client]bool
}

func newRoom(h *Hub, feed livefeed.FeedID) *room {
	return &room{hub: h, feed: feed, clients: make(map[*client]bool)}
}

func (r *room) add(c *client) {
	r.mu.Lock()
	r.clients[c] = true
	r.mu.Unlock()
}

func (r *room) remove(c *client) {
	r.mu.Lock()
	delete(r.clients, c)
	r.mu.Unlock()
}

// size returns the number of connected clients.
func (r *room) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// broadcast queues f for every client. A client whose queue is full is
// disconnected rather than allowed to stall the room.
func (r *room) broadcast(f livefeed.Frame) {
	r.mu.Lock()
	var slow []*client
	for c := range r.clients {
		if !c.enqueue(f) {
			slow = append(slow, c)
		}
	}
	r.mu.Unlock()

	for _, c := range slow {
		log.Warn().Str("feed", string(r.feed)).Str("author", c.author.Name).Msg("hub: dropping slow client")
		r.hub.metrics.dropped.Inc()
		c.close()
	}
}

func (r *room) closeAll() {
	r.mu.Lock()
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// client is one websocket connection. Only writePump writes data frames.
type client struct {
	room    *room
	author  livefeed.Author
	ws      *websocket.Conn
	send    chan livefeed.Frame
	limiter *rate.Limiter

	once sync.Once
	done chan struct{}
}

func newClient(r *room, author livefeed.Author, ws *websocket.Conn, limiter *rate.Limiter) *client {
	return &client{
		room:    r,
		author:  author,
		ws:      ws,
		send:    make(chan livefeed.Frame, sendBuffer),
		limiter: limiter,
		done:    make(chan struct{}),
	}
}

// enqueue queues f without blocking. It reports false when the queue is full.
func (c *client) enqueue(f livefeed.Frame) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// serve runs the connection until either side goes away.
func (c *client) serve(onFrame func(*client, livefeed.Frame)) {
	h := c.room.hub
	label := channelLabel(c.room.feed == livefeed.TopicsFeed)
	h.metrics.connections.WithLabelValues(label).Inc()
	defer h.metrics.connections.WithLabelValues(label).Dec()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(h.pingPeriod)
	}()

	c.readPump(onFrame)
	c.close()
	<-writerDone
	h.leave(c)
}

func (c *client) readPump(onFrame func(*client, livefeed.Frame)) {
	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var f livefeed.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("feed", string(c.room.feed)).Msg("hub: read")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		onFrame(c, f)
	}
}

func (c *client) writePump(period time.Duration) {
	ticker := time.NewTicker(period)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case f := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}
