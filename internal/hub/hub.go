// Package hub is the live discussion server: per-feed websocket rooms, the
// history and topic REST endpoints, and the topic broadcast channel.
package hub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/civichall/agora/internal/config"
	"github.com/civichall/agora/internal/livefeed"
	"github.com/civichall/agora/internal/store"
)

// Defaults applied when HubOpts leaves a limit unset.
const (
	DefaultSendRate   = 1.0
	DefaultSendBurst  = 5
	DefaultMaxContent = 500

	// storeTimeout bounds one persistence call made on behalf of a client.
	storeTimeout = 5 * time.Second
)

// Store is the persistence the hub needs. *store.Store satisfies it.
type Store interface {
	AppendMessage(ctx context.Context, m store.NewMessage) (livefeed.Message, error)
	FindByNonce(ctx context.Context, feed livefeed.FeedID, author livefeed.Author, nonce string) (livefeed.Message, bool, error)
	RecentMessages(ctx context.Context, feed livefeed.FeedID, limit int) ([]livefeed.Message, error)
	CreateTopic(ctx context.Context, title string, feed livefeed.FeedID, author livefeed.Author) (livefeed.Topic, error)
	RecentTopics(ctx context.Context, limit int) ([]livefeed.Topic, error)
}

// Publisher receives every stored message for relaying elsewhere.
// *relay.Fanout satisfies it.
type Publisher interface {
	Publish(feed livefeed.FeedID, msg livefeed.Message) bool
}

// Hub serves live feeds.
type Hub struct {
	store        Store
	tokens       *TokenTable
	relay        Publisher
	metrics      *metrics
	registry     *prometheus.Registry
	sendRate     rate.Limit
	sendBurst    int
	maxContent   int
	historyLimit int
	pingPeriod   time.Duration
	upgrader     websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	rooms  map[livefeed.FeedID]*room
	topics *room
	closed bool
}

// HubOpts holds parameters for creating a Hub.
type HubOpts struct {
	Store        Store
	Tokens       []config.TokenConfig
	Relay        Publisher // optional
	SendRate     float64   // messages per second per connection
	SendBurst    int
	MaxContent   int // characters
	HistoryLimit int // cap for the history endpoint, defaults to store.DefaultMaxHistory
	// Registry receives the hub's metrics. A private registry is created
	// when nil.
	Registry *prometheus.Registry
	// For testing: override the keepalive ping interval.
	PingPeriod time.Duration
}

// New creates a Hub.
func New(opts HubOpts) (*Hub, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("hub: store is required")
	}
	tokens, err := NewTokenTable(opts.Tokens)
	if err != nil {
		return nil, fmt.Errorf("hub: %w", err)
	}

	h := &Hub{
		store:        opts.Store,
		tokens:       tokens,
		relay:        opts.Relay,
		registry:     opts.Registry,
		sendRate:     rate.Limit(opts.SendRate),
		sendBurst:    opts.SendBurst,
		maxContent:   opts.MaxContent,
		historyLimit: opts.HistoryLimit,
		pingPeriod:   opts.PingPeriod,
		rooms:        make(map[livefeed.FeedID]*room),
	}
	if opts.SendRate <= 0 {
		h.sendRate = rate.Limit(DefaultSendRate)
	}
	if h.sendBurst <= 0 {
		h.sendBurst = DefaultSendBurst
	}
	if h.maxContent <= 0 {
		h.maxContent = DefaultMaxContent
	}
	if h.historyLimit <= 0 {
		h.historyLimit = store.DefaultMaxHistory
	}
	if h.pingPeriod <= 0 {
		h.pingPeriod = pingPeriod
	}
	if h.registry == nil {
		h.registry = prometheus.NewRegistry()
	}
	h.metrics, err = newMetrics(h.registry)
	if err != nil {
		return nil, fmt.Errorf("hub: %w", err)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Clients authenticate with bearer tokens, not cookies.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	h.topics = newRoom(h, livefeed.TopicsFeed)
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h, nil
}

// Handler returns the hub's HTTP routes.
func (h *Hub) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, h)
	return router
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully
// and disconnects every live client.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: h.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("hub: listening")
	err := srv.ListenAndServe()
	h.Close()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("hub: %w", err)
	}
	return nil
}

// Close disconnects all clients and waits for their goroutines. New
// connections are refused afterwards. Safe to call more than once.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.wg.Wait()
		return
	}
	h.closed = true
	rooms := make([]*room, 0, len(h.rooms)+1)
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	rooms = append(rooms, h.topics)
	h.mu.Unlock()

	h.cancel()
	for _, r := range rooms {
		r.closeAll()
	}
	h.wg.Wait()
}

// join adds a client for author to the room of feed, creating the room on
// first use. It returns nil once the hub is closed.
func (h *Hub) join(feed livefeed.FeedID, author livefeed.Author, ws *websocket.Conn) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	r := h.topics
	if feed != livefeed.TopicsFeed {
		var ok bool
		if r, ok = h.rooms[feed]; !ok {
			r = newRoom(h, feed)
			h.rooms[feed] = r
		}
	}
	cl := newClient(r, author, ws, h.newLimiter())
	r.add(cl)
	return cl
}

// leave removes cl from its room and forgets the room once it is empty.
func (h *Hub) leave(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := cl.room
	r.remove(cl)
	if r != h.topics && r.size() == 0 && h.rooms[r.feed] == r {
		delete(h.rooms, r.feed)
	}
}

// existingRoom returns the room for feed without creating it.
func (h *Hub) existingRoom(feed livefeed.FeedID) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[feed]
}

// newLimiter returns the per-connection send throttle.
func (h *Hub) newLimiter() *rate.Limiter {
	return rate.NewLimiter(h.sendRate, h.sendBurst)
}
