package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/socialsync/internal/session"
	"github.com/rmacdonaldsmith/socialsync/pkg/eventbus"
	"github.com/rmacdonaldsmith/socialsync/pkg/social"
)

func newChatCommand() *cobra.Command {
	var send string

	cmd := &cobra.Command{
		Use:   "chat <group-id>",
		Short: "Follow a group chat",
		Long: `Join a group chat, print its history and follow new messages until
Ctrl+C. With --send the message is sent and the command exits.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, args[0], send)
		},
	}

	cmd.Flags().StringVar(&send, "send", "", "Send a message and exit")
	return cmd
}

// openGroup starts a session and opens groupID. prepare, when set, runs
// before anything connects so bus subscribers see the first events.
func openGroup(cmd *cobra.Command, groupID string, prepare func(*eventbus.Bus)) (*session.Session, *session.Group, error) {
	s, err := newSession(cmd)
	if err != nil {
		return nil, nil, err
	}
	if prepare != nil {
		prepare(s.Bus())
	}
	if err := startSession(cmd, s); err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	g, err := s.OpenGroup(ctx, groupID)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return s, g, nil
}

func runChat(cmd *cobra.Command, groupID, send string) error {
	out := cmd.OutOrStdout()

	history := make(chan struct{}, 1)
	kicked := make(chan eventbus.GroupKicked, 1)
	s, g, err := openGroup(cmd, groupID, func(bus *eventbus.Bus) {
		eventbus.On(bus, func(e eventbus.ChatHistoryLoaded) {
			if e.GroupID == groupID {
				select {
				case history <- struct{}{}:
				default:
				}
			}
		})
		eventbus.On(bus, func(e eventbus.GroupKicked) {
			if e.GroupID == groupID {
				select {
				case kicked <- e:
				default:
				}
			}
		})
		eventbus.On(bus, func(e eventbus.ConnectedUsers) {
			if e.GroupID == groupID && send == "" {
				fmt.Fprintf(out, "👥 %d online\n", len(e.Users))
			}
		})
	})
	if err != nil {
		return err
	}
	defer s.Close()

	if send != "" {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		if err := g.Chat.SendMessage(ctx, groupID, send); err != nil {
			return err
		}
		fmt.Fprintln(out, "✅ Message sent")
		return nil
	}

	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	select {
	case <-history:
	case <-time.After(timeout):
	case <-ctx.Done():
		return nil
	}

	fmt.Fprintf(out, "💬 %s. Press Ctrl+C to leave.\n", groupID)
	printed := printMessages(out, g.Chat.Messages(), 0)

	// The chat channel keeps the message list; new entries are printed as
	// they appear.
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-kicked:
			fmt.Fprintf(out, "🚫 You were removed from %s\n", e.GroupName)
			return nil
		case <-ticker.C:
			printed = printMessages(out, g.Chat.Messages(), printed)
		}
	}
}

// printMessages prints msgs[from:] and returns the new count. A history
// reload that shrinks the list is printed from the start.
func printMessages(out io.Writer, msgs []social.ChatMessage, from int) int {
	if from > len(msgs) {
		from = 0
	}
	for _, m := range msgs[from:] {
		name := m.DisplayName
		if name == "" {
			name = m.UserID
		}
		fmt.Fprintf(out, "[%s] %s: %s\n", m.SentAt.Local().Format("15:04:05"), name, m.Text)
	}
	return len(msgs)
}
