package main

import (
	"fmt"

	"github.com/civichall/agora/internal/config"
	"github.com/civichall/agora/internal/livefeed"
)

// liveClient bundles the client-side pieces built from the config.
type liveClient struct {
	cfg     config.ClientConfig
	creds   *livefeed.Credentials
	history *livefeed.HTTPHistory
	topics  *livefeed.HTTPTopics
}

// loadClient loads configPath and builds the live client from its client
// section.
func loadClient(configPath string) (*liveClient, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.RequireClient(); err != nil {
		return nil, err
	}
	return newLiveClient(cfg.Client)
}

func newLiveClient(cc config.ClientConfig) (*liveClient, error) {
	creds, err := livefeed.StaticCredentials(cc.Token, livefeed.Author{ID: cc.Viewer.ID, Name: cc.Viewer.Name})
	if err != nil {
		return nil, err
	}
	history, err := livefeed.NewHTTPHistory(livefeed.HTTPHistoryOpts{BaseURL: cc.BaseURL, Credentials: creds})
	if err != nil {
		return nil, err
	}
	topics, err := livefeed.NewHTTPTopics(livefeed.HTTPTopicsOpts{BaseURL: cc.BaseURL, Credentials: creds})
	if err != nil {
		return nil, err
	}
	return &liveClient{cfg: cc, creds: creds, history: history, topics: topics}, nil
}

// dialer returns a websocket dialer for feed endpoints, or for the topic
// broadcast channel when topics is true.
func (c *liveClient) dialer(topics bool) (*livefeed.WSDialer, error) {
	opts := livefeed.WSDialerOpts{BaseURL: c.cfg.BaseURL}
	if topics {
		opts.PathFunc = livefeed.TopicsLivePath
	}
	return livefeed.NewWSDialer(opts)
}

// sessionTemplate returns SessionOpts for a Viewer; Feed is left empty.
func (c *liveClient) sessionTemplate(onEvent func(livefeed.Event)) (livefeed.SessionOpts, error) {
	d, err := c.dialer(false)
	if err != nil {
		return livefeed.SessionOpts{}, err
	}
	return livefeed.SessionOpts{
		History:        c.history,
		Dialer:         d,
		Credentials:    c.creds,
		RetryDelay:     c.cfg.RetryDelay,
		MaxRetryDelay:  c.cfg.MaxRetryDelay,
		PendingTimeout: c.cfg.PendingTimeout,
		HistoryLimit:   c.cfg.HistoryLimit,
		OnEvent:        onEvent,
	}, nil
}
