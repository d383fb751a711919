package hub

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/civichall/agora/internal/livefeed"
	"github.com/civichall/agora/internal/store"
)

// Rejection reasons sent back in error frames.
const (
	reasonEmpty   = "empty message"
	reasonTooLong = "message too long"
	reasonLimited = "rate limited"
	reasonStore   = "message could not be stored"
)

// registerRoutes sets up all hub routes on the Gin router.
func registerRoutes(router *gin.Engine, h *Hub) {
	router.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})))

	authed := router.Group("/", requireAuth(h.tokens))
	authed.GET("/feeds/:feed/messages", h.handleHistory)
	authed.GET("/feeds/:feed/live", h.handleFeedLive)
	authed.POST("/feeds/:feed/announce", h.handleAnnounce)
	authed.GET("/topics", h.handleTopicList)
	authed.POST("/topics", h.handleTopicCreate)
	authed.GET("/topics/live", h.handleTopicsLive)
}

// queryLimit parses ?limit=, falling back to max for missing, invalid or
// out-of-range values.
func queryLimit(c *gin.Context, max int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 || n > max {
		return max
	}
	return n
}

func (h *Hub) handleHistory(c *gin.Context) {
	feed := livefeed.FeedID(c.Param("feed"))
	msgs, err := h.store.RecentMessages(c.Request.Context(), feed, queryLimit(c, h.historyLimit))
	if err != nil {
		log.Error().Err(err).Str("feed", string(feed)).Msg("hub: history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	if msgs == nil {
		msgs = []livefeed.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

type announceBody struct {
	Content string `json:"content" binding:"required"`
}

// handleAnnounce posts a system message. Only moderators may announce.
func (h *Hub) handleAnnounce(c *gin.Context) {
	if authorFrom(c).Role != RoleModerator {
		c.JSON(http.StatusForbidden, gin.H{"error": "moderator role required"})
		return
	}
	var body announceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	feed := livefeed.FeedID(c.Param("feed"))
	msg, err := h.Broadcast(c.Request.Context(), feed, strings.TrimSpace(body.Content))
	if err != nil {
		log.Error().Err(err).Str("feed", string(feed)).Msg("hub: announce")
		c.JSON(http.StatusBadRequest, gin.H{"error": "announcement could not be stored"})
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Hub) handleTopicList(c *gin.Context) {
	topics, err := h.store.RecentTopics(c.Request.Context(), queryLimit(c, h.historyLimit))
	if err != nil {
		log.Error().Err(err).Msg("hub: topics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "topics unavailable"})
		return
	}
	if topics == nil {
		topics = []livefeed.Topic{}
	}
	c.JSON(http.StatusOK, topics)
}

type createTopicBody struct {
	Title  string `json:"title" binding:"required,max=256"`
	FeedID string `json:"feedId" binding:"required"`
}

func (h *Hub) handleTopicCreate(c *gin.Context) {
	var body createTopicBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	title := strings.TrimSpace(body.Title)
	if title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}

	topic, err := h.store.CreateTopic(c.Request.Context(), title, livefeed.FeedID(body.FeedID), authorFrom(c))
	if err != nil {
		log.Error().Err(err).Msg("hub: create topic")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "topic could not be stored"})
		return
	}
	h.metrics.topics.Inc()
	h.topics.broadcast(livefeed.Frame{Type: livefeed.FrameTopic, Topic: &topic})
	c.JSON(http.StatusCreated, topic)
}

func (h *Hub) handleFeedLive(c *gin.Context) {
	feed := livefeed.FeedID(c.Param("feed"))
	if feed == livefeed.TopicsFeed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reserved feed name"})
		return
	}
	h.serveLive(c, feed, h.handleInbound)
}

func (h *Hub) handleTopicsLive(c *gin.Context) {
	// Topic subscribers only listen.
	h.serveLive(c, livefeed.TopicsFeed, func(*client, livefeed.Frame) {})
}

// serveLive upgrades the request and runs the client in its room.
func (h *Hub) serveLive(c *gin.Context, feed livefeed.FeedID, onFrame func(*client, livefeed.Frame)) {
	h.mu.Lock()
	closed := h.closed
	if !closed {
		h.wg.Add(1)
	}
	h.mu.Unlock()
	if closed {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}
	defer h.wg.Done()

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Debug().Err(err).Str("feed", string(feed)).Msg("hub: upgrade")
		return
	}
	cl := h.join(feed, authorFrom(c), ws)
	if cl == nil {
		ws.Close()
		return
	}
	log.Debug().Str("feed", string(feed)).Str("author", cl.author.Name).Msg("hub: client connected")
	cl.serve(onFrame)
}

// handleInbound processes one frame read from a feed client.
func (h *Hub) handleInbound(cl *client, f livefeed.Frame) {
	if f.Type != livefeed.FrameSend {
		log.Debug().Str("type", f.Type).Msg("hub: ignoring frame")
		return
	}
	feed := cl.room.feed

	content := strings.TrimSpace(f.Content)
	switch {
	case content == "":
		h.reject(cl, f.Nonce, reasonEmpty)
		return
	case utf8.RuneCountInString(content) > h.maxContent:
		h.reject(cl, f.Nonce, reasonTooLong)
		return
	case !cl.limiter.Allow():
		h.reject(cl, f.Nonce, reasonLimited)
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
	defer cancel()

	if f.Nonce != "" {
		prev, ok, err := h.store.FindByNonce(ctx, feed, cl.author, f.Nonce)
		if err != nil {
			log.Error().Err(err).Str("feed", string(feed)).Msg("hub: nonce lookup")
			h.reject(cl, f.Nonce, reasonStore)
			return
		}
		if ok {
			h.reEcho(cl, f.Nonce, prev)
			return
		}
	}

	msg, err := h.store.AppendMessage(ctx, store.NewMessage{
		Feed:    feed,
		Nonce:   f.Nonce,
		Author:  cl.author,
		Content: content,
	})
	if errors.Is(err, store.ErrDuplicateNonce) {
		// The same resend raced in on another connection.
		h.reEcho(cl, f.Nonce, msg)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("feed", string(feed)).Msg("hub: append")
		h.reject(cl, f.Nonce, reasonStore)
		return
	}

	h.metrics.messages.Inc()
	cl.room.broadcast(livefeed.Frame{Type: livefeed.FrameMessage, Nonce: f.Nonce, Message: &msg})
	if h.relay != nil && !h.relay.Publish(feed, msg) {
		log.Debug().Str("feed", string(feed)).Str("id", msg.ID).Msg("hub: relay skipped")
	}
}

// reEcho confirms a resend of something already stored to the sender only.
func (h *Hub) reEcho(cl *client, nonce string, prev livefeed.Message) {
	h.metrics.duplicates.Inc()
	cl.enqueue(livefeed.Frame{Type: livefeed.FrameMessage, Nonce: nonce, Message: &prev})
}

func (h *Hub) reject(cl *client, nonce, reason string) {
	h.metrics.rejected.WithLabelValues(reason).Inc()
	cl.enqueue(livefeed.Frame{Type: livefeed.FrameError, Nonce: nonce, Error: reason})
}

// Broadcast posts a system message to feed. It is stored like any other
// message and delivered to connected clients.
func (h *Hub) Broadcast(ctx context.Context, feed livefeed.FeedID, content string) (livefeed.Message, error) {
	msg, err := h.store.AppendMessage(ctx, store.NewMessage{
		Feed:    feed,
		Author:  livefeed.Author{Name: "agora"},
		Content: content,
		Kind:    livefeed.KindSystem,
	})
	if err != nil {
		return livefeed.Message{}, err
	}
	if r := h.existingRoom(feed); r != nil {
		r.broadcast(livefeed.Frame{Type: livefeed.FrameMessage, Message: &msg})
	}
	return msg, nil
}
