package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/omochice/dmsync/internal/app"
	"github.com/omochice/dmsync/internal/client"
	"github.com/omochice/dmsync/internal/conversation"
)

func newChatCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <user-id>",
		Short: "Open an interactive conversation",
		Long: `Open an interactive conversation with a user.

Each line typed is sent as a message. Commands:
  /retry  put the last failed message back and send it again
  /quit   leave the conversation`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			partnerID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return errors.Errorf("invalid user id %q", args[0])
			}
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			session, err := app.Open(ctx, cfg)
			if err != nil {
				return err
			}
			defer session.Close()

			return runChat(ctx, session, partnerID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runChat(ctx context.Context, session *app.Context, partnerID int64, in io.Reader, out io.Writer) error {
	changes := make(chan struct{}, 1)
	view, err := session.OpenViewByID(ctx, partnerID, conversation.WithOnChange(func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	}))
	if view == nil {
		return err
	}
	p := newPrinter(out, session.Self().ID)
	if err != nil {
		p.notice("could not load history: %v", err)
		view.DismissError()
	}
	p.notice("chatting with %s (/retry, /quit)", view.Partner().DisplayName())
	p.render(view.Entries())

	var connectedOnce atomic.Bool
	unsubscribe := session.Session().States().Subscribe(func(state client.State) {
		switch state {
		case client.StateConnected:
			if connectedOnce.Swap(true) {
				p.notice("back online")
			}
		case client.StateDisconnected:
			if connectedOnce.Load() {
				p.notice("offline, messages are sent over HTTP")
			}
		}
	})
	defer unsubscribe()

	resume := make(chan os.Signal, 1)
	if len(resumeSignals) > 0 {
		signal.Notify(resume, resumeSignals...)
		defer signal.Stop(resume)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-resume:
			session.Resume()
		case <-changes:
			p.render(view.Entries())
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := handleLine(ctx, view, p, strings.TrimSpace(line)); done {
				return nil
			}
		}
	}
}

// handleLine runs one input line and reports whether the user asked to quit.
func handleLine(ctx context.Context, view *conversation.View, p *printer, line string) bool {
	switch line {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/retry":
		failed, ok := lastFailed(view.Entries())
		if !ok {
			p.notice("nothing to retry")
			return false
		}
		content, err := view.Retry(failed.LocalID)
		if err != nil {
			p.notice("retry failed: %v", err)
			return false
		}
		line = content
	}
	if _, err := view.Send(ctx, line); err != nil {
		p.notice("send failed: %v (use /retry)", err)
		view.DismissError()
	}
	return false
}

func lastFailed(entries []conversation.Entry) (conversation.Entry, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Kind == conversation.Failed {
			return entries[i], true
		}
	}
	return conversation.Entry{}, false
}

// printer writes each entry once, plus a line whenever an optimistic entry
// changes state. Confirmed entries are tracked by server id so a history
// reload does not print them again.
type printer struct {
	mu         sync.Mutex
	out        io.Writer
	self       int64
	confirmed  map[int64]struct{}
	optimistic map[string]conversation.Kind
}

func newPrinter(out io.Writer, self int64) *printer {
	return &printer{
		out:        out,
		self:       self,
		confirmed:  make(map[int64]struct{}),
		optimistic: make(map[string]conversation.Kind),
	}
}

func (p *printer) notice(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "*** "+format+"\n", args...)
}

func (p *printer) render(entries []conversation.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		if e.Kind == conversation.Confirmed {
			if _, ok := p.confirmed[e.Message.ID]; ok {
				continue
			}
			p.confirmed[e.Message.ID] = struct{}{}
			if _, ok := p.optimistic[e.LocalID]; ok {
				delete(p.optimistic, e.LocalID)
				fmt.Fprintf(p.out, "    ✓ delivered (#%d)\n", e.Message.ID)
				continue
			}
			p.line(e, "")
			continue
		}
		if prev, ok := p.optimistic[e.LocalID]; ok && prev == e.Kind {
			continue
		}
		p.optimistic[e.LocalID] = e.Kind
		p.line(e, " ["+e.Kind.String()+"]")
	}
}

func (p *printer) line(e conversation.Entry, suffix string) {
	who := "them"
	if e.Message.SenderID == p.self {
		who = "me"
	} else if e.Message.Sender != nil {
		who = e.Message.Sender.DisplayName()
	}
	stamp := e.Message.CreatedAt.Local().Format("15:04")
	fmt.Fprintf(p.out, "%s %s: %s%s\n", stamp, who, e.Message.Content, suffix)
}
