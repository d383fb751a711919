package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/civichall/agora/internal/livefeed"
	"github.com/civichall/agora/internal/notify"
)

func newWatchCmd() *cobra.Command {
	var (
		configPath string
		notifyCmd  string
		tmux       bool
	)

	cmd := &cobra.Command{
		Use:   "watch <feed>",
		Short: "Follow and join a live feed",
		Long: `Shows the feed's recent history, then streams new messages as they arrive.
Lines typed on stdin are sent to the feed. Commands:
  /switch <feed>  follow another feed
  /retry <id>     resend a message that was not delivered
  /like <id>      like a message
  /reload         reload history
  /quit           leave`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lc, err := loadClient(configPath)
			if err != nil {
				return err
			}
			n := &notify.Notifier{Command: notifyCmd, Tmux: tmux, Viewer: lc.creds.Viewer()}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd, lc, livefeed.FeedID(args[0]), n)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "agora.yaml", "path to Agora config file")
	cmd.Flags().StringVar(&notifyCmd, "notify-cmd", "", "shell command run when someone mentions you ({{.Author}}, {{.Content}}, {{.Feed}})")
	cmd.Flags().BoolVar(&tmux, "tmux", false, "also show mentions as tmux messages")
	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, lc *liveClient, feed livefeed.FeedID, n *notify.Notifier) error {
	out := cmd.OutOrStdout()
	p := newPrinter(out, n)

	template, err := lc.sessionTemplate(p.handle)
	if err != nil {
		return err
	}
	viewer, err := livefeed.NewViewer(template)
	if err != nil {
		return err
	}
	defer viewer.Close(context.Background())

	if _, err := viewer.Switch(ctx, feed); err != nil {
		return fmt.Errorf("watch %s: %w", feed, err)
	}
	fmt.Fprintf(out, "Watching %s as %s (/quit to leave)\n", feed, lc.creds.Viewer().Name)

	in := cmd.InOrStdin()
	return runPrompt(ctx, in, out, viewer, p, isTerminal(in))
}

// isTerminal reports whether r is an interactive terminal.
func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// runPrompt reads lines from in and acts on them until ctx is cancelled or
// the user quits. Without a terminal, end of input keeps the feed open
// until ctx is cancelled.
func runPrompt(ctx context.Context, in io.Reader, out io.Writer, viewer *livefeed.Viewer, p *printer, interactive bool) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if interactive {
			p.prompt()
		}
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if interactive {
					return nil
				}
				<-ctx.Done()
				return nil
			}
			quit, err := handleLine(ctx, out, viewer, p, line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// handleLine executes one prompt line.
func handleLine(ctx context.Context, out io.Writer, viewer *livefeed.Viewer, p *printer, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	s := viewer.Current()
	if s == nil {
		return false, fmt.Errorf("no feed")
	}
	if !strings.HasPrefix(line, "/") {
		if res, _ := s.ComposeAndSend(line); res != livefeed.SendAccepted {
			fmt.Fprintln(out, describeResult(res))
		}
		return false, nil
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/q":
		return true, nil
	case "/switch":
		if arg == "" {
			return false, fmt.Errorf("usage: /switch <feed>")
		}
		p.reset()
		if _, err := viewer.Switch(ctx, livefeed.FeedID(arg)); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "Watching %s\n", arg)
	case "/retry":
		id, err := resolveID(s.Snapshot(), arg)
		if err != nil {
			return false, err
		}
		res, err := s.Resend(id)
		if err != nil {
			return false, err
		}
		if res != livefeed.SendAccepted {
			fmt.Fprintln(out, describeResult(res))
		}
	case "/like":
		id, err := resolveID(s.Snapshot(), arg)
		if err != nil {
			return false, err
		}
		return false, s.Like(id)
	case "/reload":
		return false, s.ReloadHistory(ctx)
	default:
		return false, fmt.Errorf("unknown command %s", name)
	}
	return false, nil
}

// resolveID finds the message whose id starts with prefix.
func resolveID(msgs []livefeed.Message, prefix string) (string, error) {
	if prefix == "" {
		return "", fmt.Errorf("message id is required")
	}
	var match string
	for _, m := range msgs {
		if strings.HasPrefix(m.ID, prefix) {
			if match != "" && match != m.ID {
				return "", fmt.Errorf("id %q is ambiguous", prefix)
			}
			match = m.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no message with id %q", prefix)
	}
	return match, nil
}

// printer writes session events to out, printing each transcript entry once
// and again only when its delivery fails.
type printer struct {
	out    io.Writer
	notify *notify.Notifier

	mu      sync.Mutex
	printed map[string]livefeed.DeliveryState // keyed by nonce, else id
	state   livefeed.ConnState
}

func newPrinter(out io.Writer, n *notify.Notifier) *printer {
	return &printer{out: out, notify: n, printed: make(map[string]livefeed.DeliveryState)}
}

func (p *printer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printed = make(map[string]livefeed.DeliveryState)
	p.state = livefeed.Disconnected
}

func (p *printer) prompt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, "> ")
}

func (p *printer) handle(e livefeed.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch e.Type {
	case livefeed.EventState:
		if e.State != p.state {
			p.state = e.State
			fmt.Fprintf(p.out, "-- %s: %s\n", e.Feed, e.State)
		}
	case livefeed.EventHistoryUnavailable:
		fmt.Fprintf(p.out, "-- %s: history unavailable (%v), /reload to retry\n", e.Feed, e.Err)
	case livefeed.EventTranscript:
		for _, m := range e.Transcript {
			p.printLocked(e.Feed, m)
		}
	}
}

func (p *printer) printLocked(feed livefeed.FeedID, m livefeed.Message) {
	key := m.Nonce
	if key == "" {
		key = m.ID
	}
	prev, seen := p.printed[key]
	p.printed[key] = m.State
	switch {
	case !seen:
	case m.State == livefeed.StateFailed && prev != livefeed.StateFailed:
	default:
		return
	}
	fmt.Fprintln(p.out, formatMessage(m))
	if !seen && p.state == livefeed.Open && p.notify != nil && p.notify.Mentions(m) {
		go p.notify.Message(context.Background(), feed, m)
	}
}
