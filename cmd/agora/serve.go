package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/civichall/agora/internal/config"
	"github.com/civichall/agora/internal/db"
	"github.com/civichall/agora/internal/hub"
	"github.com/civichall/agora/internal/relay"
	discordrelay "github.com/civichall/agora/internal/relay/discord"
	slackrelay "github.com/civichall/agora/internal/relay/slack"
	"github.com/civichall/agora/internal/retention"
	"github.com/civichall/agora/internal/store"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the discussion hub",
		Long:  "Serves live feeds, history and topics over HTTP and websockets, prunes old messages on schedule, and relays chat to Discord or Slack when configured.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, addr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "agora.yaml", "path to Agora config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath, addr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	sc := cfg.Server
	if addr == "" {
		addr = sc.Addr
	}

	gormDB, err := db.Open(sc.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	st, err := store.New(store.StoreOpts{DB: gormDB, MaxHistory: sc.HistoryLimit})
	if err != nil {
		return err
	}
	if len(sc.Tokens) == 0 {
		log.Warn().Msg("serve: no tokens configured, every request will be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pub hub.Publisher
	sinks, err := buildSinks(sc.Relay)
	if err != nil {
		return err
	}
	if len(sinks) > 0 {
		fanout, err := relay.NewFanout(relay.FanoutOpts{Sinks: sinks})
		if err != nil {
			return err
		}
		if err := fanout.Start(ctx); err != nil {
			return err
		}
		defer fanout.Close()
		pub = fanout
	}

	if sc.Retention.MaxAgeDays > 0 {
		sched, err := retention.NewScheduler(retention.SchedulerOpts{
			Pruner:   st,
			Schedule: sc.Retention.Schedule,
			MaxAge:   time.Duration(sc.Retention.MaxAgeDays) * 24 * time.Hour,
		})
		if err != nil {
			return err
		}
		go sched.Run(ctx)
	}

	h, err := hub.New(hub.HubOpts{
		Store:        st,
		Tokens:       sc.Tokens,
		Relay:        pub,
		SendRate:     sc.SendRate,
		SendBurst:    sc.SendBurst,
		MaxContent:   sc.MaxContent,
		HistoryLimit: sc.HistoryLimit,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Agora hub listening on %s (%s, %d tokens, %d relay sinks)\n",
		addr, sc.Database.Driver, len(sc.Tokens), len(sinks))
	return h.Serve(ctx, addr)
}

// buildSinks creates a relay sink for every platform with a token and at
// least one mirrored feed.
func buildSinks(rc config.RelayConfig) ([]relay.Sink, error) {
	var sinks []relay.Sink
	if rc.Discord.BotToken != "" && len(rc.Discord.Channels) > 0 {
		s, err := discordrelay.New(discordrelay.SinkOpts{
			BotToken: rc.Discord.BotToken,
			Channels: rc.Discord.Channels,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if rc.Slack.BotToken != "" && len(rc.Slack.Channels) > 0 {
		s, err := slackrelay.New(slackrelay.SinkOpts{
			BotToken: rc.Slack.BotToken,
			Channels: rc.Slack.Channels,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
