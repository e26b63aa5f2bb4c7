package commands

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

	"github.com/openly/messenger/internal/models"
	"github.com/openly/messenger/internal/realtime"
	"github.com/openly/messenger/internal/session"
)

const chatHelp = `Commands:
  /list              list conversations
  /open <id>         show a conversation
  /with <user>       start or open a conversation with a user
  /more              load older messages
  /read              mark the open conversation read
  /delete <msg-id>   delete one of your messages
  /typing [on|off]   send a typing indicator
  /reconnect         retry the push connection
  /status            show connection state and unread count
  /quit              leave
Any other line is sent to the open conversation.`

func chatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive session as one user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := a.requireUser()
			if err != nil {
				return err
			}
			s, err := a.newSession(userID)
			if err != nil {
				return err
			}
			defer s.Teardown()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := s.Start(ctx); err != nil {
				return err
			}
			return newConsole(s, cmd.OutOrStdout()).run(ctx, cmd.InOrStdin())
		},
	}
}

// console is a line-oriented front end over a session. Output from the
// input loop and from pushed updates is serialized.
type console struct {
	s   *session.Session
	mu  sync.Mutex
	out io.Writer
}

func newConsole(s *session.Session, out io.Writer) *console {
	return &console{s: s, out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) run(ctx context.Context, in io.Reader) error {
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

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.watch(done)
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	c.printf("Signed in as %s. Type /help for commands.", c.s.Self())
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (c *console) watch(done <-chan struct{}) {
	updates := c.s.Updates()
	for {
		select {
		case <-done:
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			switch u.Kind {
			case session.UpdateIncoming:
				if u.Message.SenderID != c.s.Self() {
					c.printf("[%s] %s: %s", u.ConversationID, u.Message.SenderID, u.Message.DisplayContent())
				}
			case session.UpdateStatus:
				c.printf("* %s", describeStatus(u.Status))
			case session.UpdateTyping:
				if u.Typing {
					c.printf("* typing in %s", u.ConversationID)
				}
			}
		}
	}
}

// handle runs one input line and reports whether the user asked to quit.
func (c *console) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := c.s.SendMessage(ctx, line); err != nil {
			c.printf("error: %v", err)
		}
		return false
	}

	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	var err error
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		c.printf("%s", chatHelp)
	case "/list":
		c.printConversations()
	case "/open":
		if arg == "" {
			c.printf("usage: /open <conversation-id>")
			return false
		}
		if err = c.s.SelectConversation(ctx, arg); err == nil {
			c.printMessages()
		}
	case "/with":
		if arg == "" {
			c.printf("usage: /with <user-id>")
			return false
		}
		var conv models.Conversation
		if conv, err = c.s.StartConversationWith(ctx, arg); err == nil {
			c.printf("Opened %s with %s", conv.ID, conv.DisplayName(c.s.Self()))
			c.printMessages()
		}
	case "/more":
		var n int
		if n, err = c.s.LoadOlderMessages(ctx); err == nil {
			c.printf("Loaded %d older messages", n)
			c.printMessages()
		}
	case "/read":
		active := c.s.Snapshot().Active
		if active == "" {
			err = session.ErrNoActiveConversation
			break
		}
		err = c.s.MarkRead(ctx, active)
	case "/delete":
		if arg == "" {
			c.printf("usage: /delete <message-id>")
			return false
		}
		if err = c.s.DeleteMessage(ctx, arg); err == nil {
			c.printf("Deleted %s", arg)
		}
	case "/typing":
		err = c.s.SendTyping(arg != "off")
	case "/reconnect":
		err = c.s.Reconnect(ctx)
	case "/status":
		var unread int
		if unread, err = c.s.UnreadCount(ctx); err == nil {
			c.printf("%s, %d unread", describeStatus(c.s.ConnectionStatus()), unread)
		}
	default:
		c.printf("unknown command %s, try /help", fields[0])
	}
	if err != nil {
		c.printf("error: %v", err)
	}
	return false
}

func (c *console) printConversations() {
	snap := c.s.Snapshot()
	if len(snap.Conversations) == 0 {
		c.printf("No conversations yet. Start one with /with <user-id>.")
		return
	}
	for _, conv := range snap.Conversations {
		marker := " "
		if conv.ID == snap.Active {
			marker = ">"
		}
		c.printf("%s %s  %-16s %3d unread  %s", marker, conv.ID, conv.DisplayName(c.s.Self()), conv.UnreadCount, conv.LastMessage)
	}
}

func (c *console) printMessages() {
	for _, m := range c.s.Snapshot().Messages {
		who := m.SenderID
		if who == c.s.Self() {
			who = "you"
		}
		c.printf("  %s %s %s: %s", m.CreatedAt.Format("15:04"), m.ID, who, m.DisplayContent())
	}
}

func describeStatus(st realtime.Status) string {
	if st.Exhausted {
		return fmt.Sprintf("disconnected after %d attempts, /reconnect to retry", st.Attempt)
	}
	if st.State == realtime.StateReconnecting {
		return fmt.Sprintf("reconnecting (attempt %d)", st.Attempt+1)
	}
	return st.State.String()
}
