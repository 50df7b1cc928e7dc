package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/socialsync/internal/session"
	"github.com/rmacdonaldsmith/socialsync/pkg/social"
)

func newFeedCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Show the unified notification feed",
		Long: `Show notices and friend requests as one feed, newest first.
With --watch the feed is printed again after every change until Ctrl+C.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFeed(cmd, watch)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Keep printing the feed as it changes")
	return cmd
}

// openFeed starts a session and waits for both backlogs.
func openFeed(cmd *cobra.Command, onChange func([]social.UnifiedNotification)) (*session.Session, error) {
	s, err := newSession(cmd)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		changes int
	)
	s.Feed().OnChange(func(feed []social.UnifiedNotification) {
		mu.Lock()
		changes++
		mu.Unlock()
		if onChange != nil {
			onChange(feed)
		}
	})
	if err := startSession(cmd, s); err != nil {
		return nil, err
	}

	loaded := waitUntil(cmd.Context(), func() bool {
		mu.Lock()
		defer mu.Unlock()
		return changes >= 2
	})
	if !loaded {
		fmt.Fprintln(cmd.ErrOrStderr(), "⚠️  backlog not received before timeout; the feed may be incomplete")
	}
	return s, nil
}

func runFeed(cmd *cobra.Command, watch bool) error {
	out := cmd.OutOrStdout()

	var onChange func([]social.UnifiedNotification)
	ready := make(chan struct{})
	if watch {
		onChange = func(feed []social.UnifiedNotification) {
			select {
			case <-ready:
				fmt.Fprintln(out, "--- feed changed ---")
				printFeed(out, feed)
			default:
			}
		}
	}

	s, err := openFeed(cmd, onChange)
	if err != nil {
		return err
	}
	defer s.Close()

	printFeed(out, s.Feed().Notifications())
	if !watch {
		return nil
	}

	close(ready)
	ctx, stop := interruptContext(cmd.Context())
	defer stop()
	fmt.Fprintln(out, "Watching for changes. Press Ctrl+C to stop.")
	<-ctx.Done()
	return nil
}

func printFeed(out io.Writer, feed []social.UnifiedNotification) {
	unread := 0
	for _, n := range feed {
		if !n.Read {
			unread++
		}
	}
	fmt.Fprintf(out, "📬 %d notifications (%d unread)\n", len(feed), unread)
	for _, n := range feed {
		marker := "•"
		if n.Read {
			marker = " "
		}
		fmt.Fprintf(out, "%s %s  %s  %s\n", marker, n.CreatedAt.Local().Format("2006-01-02 15:04"), n.ID, n.Title)
		if n.Message != "" {
			fmt.Fprintf(out, "    %s\n", n.Message)
		}
		switch p := n.Payload.(type) {
		case social.NoticePayload:
			if p.IsGroupInvitation() {
				fmt.Fprintf(out, "    invitation to %s (accept or reject)\n", p.GroupName)
			}
		case social.FriendRequestPayload:
			fmt.Fprintf(out, "    friend request from %s (accept or reject)\n", p.FromDisplayName)
		}
	}
}

func newDecisionCommand(verb string, accept bool) *cobra.Command {
	short := "Reject a friend request or group invitation"
	if accept {
		short = "Accept a friend request or group invitation"
	}
	return &cobra.Command{
		Use:   verb + " <notification-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecision(cmd, args[0], accept)
		},
	}
}

func runDecision(cmd *cobra.Command, id string, accept bool) error {
	s, err := openFeed(cmd, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	if !inFeed(s, id) {
		return fmt.Errorf("notification %s not found", id)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if accept {
		err = s.Feed().Accept(ctx, id)
	} else {
		err = s.Feed().Reject(ctx, id)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ %s done\n", id)
	return nil
}

func newReadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "read <notification-id>",
		Short: "Mark a notification as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openFeed(cmd, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			id := args[0]
			if !inFeed(s, id) {
				return fmt.Errorf("notification %s not found", id)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := s.Feed().MarkRead(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ %s marked as read\n", id)
			return nil
		},
	}
}

func inFeed(s *session.Session, id string) bool {
	for _, n := range s.Feed().Notifications() {
		if n.ID == id {
			return true
		}
	}
	return false
}
