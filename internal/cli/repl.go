// Package cli implements the interactive terminal front-end of a session.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"chatwire/internal/chat"
	"chatwire/internal/domain"
	"chatwire/internal/session"
)

// REPL drives one chat session from a terminal.
type REPL struct {
	session *session.Session
	logger  *slog.Logger
	in      io.Reader
	out     io.Writer

	mu   sync.Mutex
	peer string // conversation currently on screen
}

type Config struct {
	Session *session.Session
	Logger  *slog.Logger
	In      io.Reader
	Out     io.Writer
}

func New(cfg Config) *REPL {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &REPL{
		session: cfg.Session,
		logger:  cfg.Logger,
		in:      cfg.In,
		out:     cfg.Out,
	}
}

// Start runs the interactive loop and blocks until context is cancelled
// or the user quits.
func (r *REPL) Start(ctx context.Context) error {
	dispose := r.session.Store.OnEvent(r.onEvent)
	defer dispose()

	stateDispose := r.session.Transport.OnStateChange(func(s domain.ConnState) {
		fmt.Fprintf(r.out, "\r\033[K[connection: %s]\n", s)
		r.prompt()
	})
	defer stateDispose()

	fmt.Fprintln(r.out, "chatwire. /chats lists conversations, /open <peer> opens one, /help for more.")
	r.prompt()

	scanner := bufio.NewScanner(r.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil // EOF
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			r.prompt()
			continue
		}

		r.session.Presence.Activity()

		if strings.HasPrefix(line, "/") {
			if quit := r.command(ctx, line); quit {
				return nil
			}
			r.prompt()
			continue
		}

		r.sendText(ctx, line)
		r.prompt()
	}
}

func (r *REPL) prompt() {
	r.mu.Lock()
	peer := r.peer
	r.mu.Unlock()
	if peer == "" {
		fmt.Fprint(r.out, "> ")
		return
	}
	fmt.Fprintf(r.out, "%s> ", peer)
}

// command handles a /-prefixed line. Returns true when the user quit.
func (r *REPL) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit", "/q":
		return true

	case "/help":
		fmt.Fprintln(r.out, "/chats            list conversations")
		fmt.Fprintln(r.out, "/open <peer>      open a conversation")
		fmt.Fprintln(r.out, "/attach <file...> send the open peer an attachment")
		fmt.Fprintln(r.out, "/who              list online peers")
		fmt.Fprintln(r.out, "/status           connection state")
		fmt.Fprintln(r.out, "/reconnect        retry after a failed connection")
		fmt.Fprintln(r.out, "/logout           clear local state and exit")
		fmt.Fprintln(r.out, "/quit             exit")

	case "/chats":
		rows := r.session.Roster.Summaries()
		if len(rows) == 0 {
			fmt.Fprintln(r.out, "(no conversations)")
		}
		for _, row := range rows {
			name := row.PeerID
			if row.DisplayName != "" {
				name = row.DisplayName
			}
			marker := " "
			if r.session.Presence.PeerTyping(row.PeerID, r.session.Self) {
				marker = "…"
			} else if _, on := r.session.Presence.PeerActive(row.PeerID); on {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %-20s %s\n", marker, name, row.LastMessage)
		}

	case "/open":
		if len(fields) < 2 {
			fmt.Fprintln(r.out, "usage: /open <peer>")
			break
		}
		r.mu.Lock()
		r.peer = fields[1]
		r.mu.Unlock()
		r.session.OpenConversation(ctx, fields[1])
		for _, m := range r.session.Store.Conversation(fields[1]) {
			r.printMessage(m)
		}

	case "/attach":
		if len(fields) < 2 {
			fmt.Fprintln(r.out, "usage: /attach <file...>")
			break
		}
		r.mu.Lock()
		peer := r.peer
		r.mu.Unlock()
		if peer == "" {
			fmt.Fprintln(r.out, "open a conversation first")
			break
		}
		r.session.Store.Send(ctx, peer, "", fields[1:], "")

	case "/who":
		for _, p := range r.session.Presence.OnlinePeers() {
			fmt.Fprintln(r.out, p)
		}

	case "/status":
		fmt.Fprintf(r.out, "connection: %s\n", r.session.Transport.State())

	case "/reconnect":
		r.session.Transport.Reconnect()

	case "/logout":
		r.session.Logout()
		return true

	default:
		fmt.Fprintf(r.out, "unknown command %s\n", fields[0])
	}
	return false
}

func (r *REPL) sendText(ctx context.Context, text string) {
	r.mu.Lock()
	peer := r.peer
	r.mu.Unlock()
	if peer == "" {
		fmt.Fprintln(r.out, "open a conversation first: /open <peer>")
		return
	}
	r.session.Presence.Keystroke(peer)
	r.session.Store.Send(ctx, peer, text, nil, "")
}

// onEvent prints store changes that concern the conversation on screen.
func (r *REPL) onEvent(ev chat.Event) {
	r.mu.Lock()
	peer := r.peer
	r.mu.Unlock()
	if ev.Peer != peer {
		return
	}

	switch ev.Kind {
	case chat.KindIncoming:
		fmt.Fprint(r.out, "\r\033[K")
		r.printMessage(ev.Message)
		r.prompt()
	case chat.KindSendFailed, chat.KindUploadFailed:
		fmt.Fprintf(r.out, "\r\033[K[send failed: %v]\n", ev.Err)
		r.prompt()
	}
}

func (r *REPL) printMessage(m domain.Message) {
	who := m.Sender
	if who == r.session.Self {
		who = "me"
	}
	status := ""
	if m.Uploading {
		status = " (uploading)"
	} else if m.Optimistic {
		status = " (sending)"
	}
	body := m.Content
	if len(m.FileURLs) > 0 {
		body = strings.TrimSpace(body + " " + strings.Join(m.FileURLs, " "))
	}
	fmt.Fprintf(r.out, "[%s] %s: %s%s\n", m.Timestamp.Format("15:04:05"), who, body, status)
}
