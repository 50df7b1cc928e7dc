package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/socialsync/internal/voting"
	"github.com/rmacdonaldsmith/socialsync/pkg/eventbus"
)

func newVotesCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "votes <group-id>",
		Short: "Show a group's voting state",
		Long: `Read the active voting session and results of a group. With --watch the
state is printed again whenever voting events change it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVotes(cmd, args[0], watch)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Follow voting updates until Ctrl+C")
	return cmd
}

func runVotes(cmd *cobra.Command, groupID string, watch bool) error {
	out := cmd.OutOrStdout()

	s, g, err := openGroup(cmd, groupID, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	refreshCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
	state, err := g.Voting.Refresh(refreshCtx, groupID)
	cancel()
	if err != nil {
		return err
	}
	printVoting(out, state)
	if !watch {
		return nil
	}

	updates := make(chan eventbus.VotingUpdated, 16)
	defer eventbus.On(s.Bus(), func(e eventbus.VotingUpdated) {
		if e.GroupID == groupID {
			select {
			case updates <- e:
			default:
			}
		}
	})()

	ctx, stop := interruptContext(cmd.Context())
	defer stop()
	fmt.Fprintln(out, "Watching votes. Press Ctrl+C to stop.")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-updates:
			if state, ok := g.Voting.State(groupID); ok {
				printVoting(out, state)
			}
		}
	}
}

func printVoting(out io.Writer, state voting.State) {
	if state.Session == nil {
		fmt.Fprintf(out, "🗳️  %s: no active voting session\n", state.GroupID)
		return
	}

	session := state.Session
	fmt.Fprintf(out, "🗳️  %s: session %s (%s, started %s)\n",
		state.GroupID, session.ID, session.Status, session.StartedAt.Local().Format("15:04:05"))
	if session.ClosesAt != nil {
		fmt.Fprintf(out, "   closes at %s\n", session.ClosesAt.Local().Format("15:04:05"))
	}

	results := state.Results
	if results == nil {
		fmt.Fprintln(out, "   no results yet")
		return
	}
	fmt.Fprintf(out, "   %d votes\n", results.TotalVotes)
	for _, t := range results.Tallies {
		marker := " "
		if t.RestaurantID == results.WinnerRestaurantID {
			marker = "🏆"
		}
		fmt.Fprintf(out, "   %s %-24s %d\n", marker, t.Name, t.Votes)
	}
	if results.Tie {
		fmt.Fprintf(out, "   tie between %v\n", results.TiedRestaurantIDs)
	}
}
