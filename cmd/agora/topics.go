package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/civichall/agora/internal/livefeed"
	"github.com/civichall/agora/internal/notify"
)

func newTopicsCmd() *cobra.Command {
	var (
		configPath string
		limit      int
		follow     bool
		notifyCmd  string
	)

	cmd := &cobra.Command{
		Use:   "topics",
		Short: "List discussion topics",
		Long:  "Lists recent topics, newest first. With --follow, keeps running and prints topics as they are created.",
		RunE: func(cmd *cobra.Command, args []string) error {
			lc, err := loadClient(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			var n *notify.Notifier
			if notifyCmd != "" {
				n = &notify.Notifier{Command: notifyCmd}
			}
			return runTopics(ctx, cmd, lc, limit, follow, n)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "agora.yaml", "path to Agora config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of topics to list")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new topics")
	cmd.Flags().StringVar(&notifyCmd, "notify-cmd", "", "shell command run for each new topic ({{.Title}}, {{.Author}}, {{.Feed}})")
	return cmd
}

func runTopics(ctx context.Context, cmd *cobra.Command, lc *liveClient, limit int, follow bool, n *notify.Notifier) error {
	out := cmd.OutOrStdout()
	topics, err := lc.topics.List(ctx, limit)
	if err != nil {
		return err
	}
	if len(topics) == 0 && !follow {
		fmt.Fprintln(out, "No topics yet.")
		return nil
	}
	for _, t := range topics {
		fmt.Fprintln(out, formatTopic(t))
	}
	if !follow {
		return nil
	}

	d, err := lc.dialer(true)
	if err != nil {
		return err
	}
	board, err := livefeed.NewTopicBoard(livefeed.TopicBoardOpts{
		Dialer:        d,
		Credentials:   lc.creds,
		RetryDelay:    lc.cfg.RetryDelay,
		MaxRetryDelay: lc.cfg.MaxRetryDelay,
		Seed:          topics,
		Lister:        lc.topics,
		CatchUpLimit:  limit,
		OnTopic: func(t livefeed.Topic) {
			fmt.Fprintln(out, formatTopic(t))
			if n != nil {
				go n.Topic(context.Background(), t)
			}
		},
		OnState: func(st livefeed.ConnState) {
			if st == livefeed.Reconnecting {
				fmt.Fprintln(out, "-- topics: reconnecting")
			}
		},
	})
	if err != nil {
		return err
	}
	if err := board.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	board.Stop()
	board.Wait()
	return nil
}

func newTopicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topic",
		Short: "Manage discussion topics",
	}
	cmd.AddCommand(newTopicCreateCmd())
	return cmd
}

func newTopicCreateCmd() *cobra.Command {
	var (
		configPath string
		feed       string
	)

	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a discussion topic",
		Long:  "Creates a topic pointing at a feed. Everyone following topics sees it immediately.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lc, err := loadClient(configPath)
			if err != nil {
				return err
			}
			return runTopicCreate(cmd.Context(), cmd, lc, strings.Join(args, " "), feed)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "agora.yaml", "path to Agora config file")
	cmd.Flags().StringVar(&feed, "feed", "", "feed the topic discusses (required)")
	cmd.MarkFlagRequired("feed")
	return cmd
}

func runTopicCreate(ctx context.Context, cmd *cobra.Command, lc *liveClient, title, feed string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t, err := lc.topics.Create(ctx, title, livefeed.FeedID(feed))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created topic %s: %s (feed: %s)\n", shortID(t.ID), t.Title, t.FeedID)
	return nil
}
