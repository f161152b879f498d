package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/orchestra-mcp/chatsync/src/credentials"
	"github.com/orchestra-mcp/chatsync/src/session"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/spf13/cobra"
)

func init() {
	chatCmd.Flags().String("token", "", "bearer token (overrides client.token)")
	chatCmd.Flags().String("server", "", "REST base URL (overrides client.server_url)")
	chatCmd.Flags().String("push", "", "websocket URL (overrides client.push_url)")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive chat session",
	Long: `Reads lines from stdin and sends each as a message. Commands:
  /edit <id> <text>   replace a message
  /delete <id>        delete a message
  /older              load the previous history page
  /quit               leave`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		for flag, dst := range map[string]*string{
			"token":  &cfg.Client.Token,
			"server": &cfg.Client.ServerURL,
			"push":   &cfg.Client.PushURL,
		} {
			if v, _ := cmd.Flags().GetString(flag); v != "" {
				*dst = v
			}
		}
		if cfg.Client.Token == "" {
			return fmt.Errorf("no token: pass --token or set CHATSYNC_TOKEN")
		}
		logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)

		creds := credentials.NewStore(cfg.Client.Token, logger)
		creds.OnRevoke(func() {
			fmt.Fprintln(cmd.ErrOrStderr(), "token rejected by server; mint a new one with `chatsync token`")
		})
		s, err := session.New(cfg.Client, creds, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		if err := s.Open(ctx); err != nil {
			return err
		}
		return runChat(ctx, s, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

// chatSession is the part of session.Session the terminal loop drives.
type chatSession interface {
	OnChange(func(session.Change))
	Messages() []types.Message
	TypingUsers() []types.TypingUser
	ConnectionState() types.ConnectionState
	InputChanged(text string)
	SendMessage(ctx context.Context, content string) error
	EditMessage(ctx context.Context, id int64, content string) error
	DeleteMessage(ctx context.Context, id int64) error
	LoadOlder(ctx context.Context) (bool, error)
}

// printer writes messages the terminal has not shown yet, and edits of ones
// it has.
type printer struct {
	mu    sync.Mutex
	out   io.Writer
	shown map[int64]string
	now   func() time.Time
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, shown: make(map[int64]string), now: time.Now}
}

func (p *printer) render(msgs []types.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := make(map[int64]struct{}, len(msgs))
	for _, m := range msgs {
		live[m.ID] = struct{}{}
		prev, ok := p.shown[m.ID]
		if ok && prev == m.Content {
			continue
		}
		p.shown[m.ID] = m.Content
		fmt.Fprintln(p.out, formatMessage(m, p.now()))
	}
	for id := range p.shown {
		if _, ok := live[id]; !ok {
			delete(p.shown, id)
			fmt.Fprintf(p.out, "[#%d deleted]\n", id)
		}
	}
}

func (p *printer) line(format string, a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", a...)
}

func formatMessage(m types.Message, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[#%d] %s (%s): %s", m.ID, authorLabel(m), humanize.RelTime(m.CreatedAt, now, "ago", "from now"), m.Content)
	if m.Edited {
		b.WriteString(" (edited)")
	}
	return b.String()
}

func authorLabel(m types.Message) string {
	if m.AuthorName != "" {
		return m.AuthorName
	}
	return "user" + strconv.FormatInt(m.AuthorID, 10)
}

func typingLine(users []types.TypingUser) string {
	switch len(users) {
	case 0:
		return ""
	case 1:
		return users[0].Name + " is typing..."
	}
	names := make([]string, len(users))
	for i, u := range users {
		names[i] = u.Name
	}
	return strings.Join(names, ", ") + " are typing..."
}

// runChat renders session changes to out and turns lines from in into
// messages and commands until in is exhausted, /quit is read or ctx ends.
func runChat(ctx context.Context, s chatSession, in io.Reader, out io.Writer) error {
	p := newPrinter(out)
	var (
		mu         sync.Mutex
		lastTyping string
		lastState  types.ConnectionState
	)
	s.OnChange(func(c session.Change) {
		mu.Lock()
		defer mu.Unlock()
		switch c {
		case session.ChangeMessages:
			p.render(s.Messages())
		case session.ChangeTyping:
			if line := typingLine(s.TypingUsers()); line != "" && line != lastTyping {
				p.line("%s", line)
				lastTyping = line
			} else if line == "" {
				lastTyping = ""
			}
		case session.ChangeConnection:
			if st := s.ConnectionState(); st != lastState {
				p.line("-- %s --", st)
				lastState = st
			}
		}
	})
	p.render(s.Messages())

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
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, s, line)
			if err != nil {
				p.line("error: %v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, s chatSession, line string) (bool, error) {
	if strings.TrimSpace(line) == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		s.InputChanged(line)
		return false, s.SendMessage(ctx, line)
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true, nil
	case "/older":
		_, err := s.LoadOlder(ctx)
		return false, err
	case "/delete":
		if len(fields) != 2 {
			return false, errors.New("usage: /delete <id>")
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return false, fmt.Errorf("bad id %q", fields[1])
		}
		return false, s.DeleteMessage(ctx, id)
	case "/edit":
		idStr, content, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "/edit")), " ")
		if !ok {
			return false, errors.New("usage: /edit <id> <text>")
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return false, fmt.Errorf("bad id %q", idStr)
		}
		return false, s.EditMessage(ctx, id, content)
	}
	return false, fmt.Errorf("unknown command %s", fields[0])
}
