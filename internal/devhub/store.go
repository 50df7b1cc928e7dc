package devhub

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rmacdonaldsmith/socialsync/pkg/social"
)

// ErrSessionNotFound is returned for unknown voting session ids.
var ErrSessionNotFound = errors.New("voting session not found")

const schema = `
CREATE TABLE IF NOT EXISTS voting_session (
    id TEXT PRIMARY KEY,
    group_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'closed')),
    started_at INTEGER NOT NULL,
    closes_at INTEGER,
    closed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_voting_session_group ON voting_session(group_id, status);

CREATE TABLE IF NOT EXISTS vote (
    session_id TEXT NOT NULL REFERENCES voting_session(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    restaurant_id TEXT NOT NULL,
    restaurant_name TEXT NOT NULL,
    cast_at INTEGER NOT NULL,
    PRIMARY KEY (session_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_vote_session ON vote(session_id);
`

// VoteStore is the voting read side. Writes become visible only after the
// configured lag, so a hub event announcing a write can reach clients
// before the row is readable.
type VoteStore struct {
	db  *sql.DB
	lag time.Duration

	pending sync.WaitGroup
}

// OpenVoteStore opens (or creates) the SQLite database at path. An empty
// path uses a private in-memory database.
func OpenVoteStore(path string, lag time.Duration) (*VoteStore, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open vote store: %w", err)
	}
	// One connection: every ":memory:" connection is its own database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &VoteStore{db: db, lag: lag}, nil
}

// Close waits for lagged writes and closes the database.
func (s *VoteStore) Close() error {
	s.pending.Wait()
	return s.db.Close()
}

// Flush blocks until every lagged write has been applied.
func (s *VoteStore) Flush() {
	s.pending.Wait()
}

// write applies fn after the lag. The returned channel receives its result.
func (s *VoteStore) write(fn func(ctx context.Context, db *sql.DB) error) <-chan error {
	done := make(chan error, 1)
	s.pending.Add(1)
	apply := func() {
		defer s.pending.Done()
		done <- fn(context.Background(), s.db)
	}
	if s.lag <= 0 {
		apply()
	} else {
		time.AfterFunc(s.lag, apply)
	}
	return done
}

// StartSession closes any active session of groupID and opens a new one.
func (s *VoteStore) StartSession(groupID string, closesAt *time.Time) (social.VotingSession, <-chan error) {
	session := social.VotingSession{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		Status:    social.VotingStatusActive,
		StartedAt: time.Now().UTC(),
		ClosesAt:  closesAt,
	}

	done := s.write(func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			UPDATE voting_session SET status = 'closed', closed_at = ?
			WHERE group_id = ? AND status = 'active'
		`, session.StartedAt.UnixNano(), groupID); err != nil {
			return fmt.Errorf("failed to close previous session: %w", err)
		}

		var closes sql.NullInt64
		if closesAt != nil {
			closes = sql.NullInt64{Int64: closesAt.UnixNano(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO voting_session (id, group_id, status, started_at, closes_at)
			VALUES (?, ?, 'active', ?, ?)
		`, session.ID, groupID, session.StartedAt.UnixNano(), closes); err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return tx.Commit()
	})
	return session, done
}

// CastVote records or replaces userID's vote.
func (s *VoteStore) CastVote(sessionID, userID, restaurantID, restaurantName string) <-chan error {
	castAt := time.Now().UTC().UnixNano()
	return s.write(func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO vote (session_id, user_id, restaurant_id, restaurant_name, cast_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (session_id, user_id) DO UPDATE SET
				restaurant_id = excluded.restaurant_id,
				restaurant_name = excluded.restaurant_name,
				cast_at = excluded.cast_at
		`, sessionID, userID, restaurantID, restaurantName, castAt)
		if err != nil {
			return fmt.Errorf("failed to record vote: %w", err)
		}
		return nil
	})
}

// CloseSession marks a session closed.
func (s *VoteStore) CloseSession(sessionID string) <-chan error {
	closedAt := time.Now().UTC().UnixNano()
	return s.write(func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE voting_session SET status = 'closed', closed_at = ?
			WHERE id = ? AND status = 'active'
		`, closedAt, sessionID)
		if err != nil {
			return fmt.Errorf("failed to close session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

func scanSession(row *sql.Row) (social.VotingSession, error) {
	var (
		session   social.VotingSession
		startedAt int64
		closesAt  sql.NullInt64
	)
	if err := row.Scan(&session.ID, &session.GroupID, &session.Status, &startedAt, &closesAt); err != nil {
		return social.VotingSession{}, err
	}
	session.StartedAt = time.Unix(0, startedAt).UTC()
	if closesAt.Valid {
		t := time.Unix(0, closesAt.Int64).UTC()
		session.ClosesAt = &t
	}
	return session, nil
}

// ActiveSession returns the readable active session of groupID.
func (s *VoteStore) ActiveSession(ctx context.Context, groupID string) (social.VotingSession, bool, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT id, group_id, status, started_at, closes_at
		FROM voting_session
		WHERE group_id = ? AND status = 'active'
		ORDER BY started_at DESC
		LIMIT 1
	`, groupID))
	if errors.Is(err, sql.ErrNoRows) {
		return social.VotingSession{}, false, nil
	}
	if err != nil {
		return social.VotingSession{}, false, fmt.Errorf("failed to query active session: %w", err)
	}
	return session, true, nil
}

// Session returns a session by id.
func (s *VoteStore) Session(ctx context.Context, sessionID string) (social.VotingSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT id, group_id, status, started_at, closes_at
		FROM voting_session
		WHERE id = ?
	`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return social.VotingSession{}, ErrSessionNotFound
	}
	if err != nil {
		return social.VotingSession{}, fmt.Errorf("failed to query session: %w", err)
	}
	return session, nil
}

// Results tallies a session's votes. A winner is reported only once the
// session is closed without a tie.
func (s *VoteStore) Results(ctx context.Context, sessionID string) (social.VotingResults, error) {
	session, err := s.Session(ctx, sessionID)
	if err != nil {
		return social.VotingResults{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT restaurant_id, restaurant_name, COUNT(*) AS votes, MAX(cast_at)
		FROM vote
		WHERE session_id = ?
		GROUP BY restaurant_id, restaurant_name
		ORDER BY votes DESC, restaurant_id
	`, sessionID)
	if err != nil {
		return social.VotingResults{}, fmt.Errorf("failed to query votes: %w", err)
	}
	defer rows.Close()

	results := social.VotingResults{
		SessionID: sessionID,
		Tallies:   []social.RestaurantTally{},
		UpdatedAt: session.StartedAt,
	}
	for rows.Next() {
		var (
			tally  social.RestaurantTally
			castAt int64
		)
		if err := rows.Scan(&tally.RestaurantID, &tally.Name, &tally.Votes, &castAt); err != nil {
			return social.VotingResults{}, fmt.Errorf("failed to scan tally: %w", err)
		}
		results.Tallies = append(results.Tallies, tally)
		results.TotalVotes += tally.Votes
		if t := time.Unix(0, castAt).UTC(); t.After(results.UpdatedAt) {
			results.UpdatedAt = t
		}
	}
	if err := rows.Err(); err != nil {
		return social.VotingResults{}, fmt.Errorf("failed to read tallies: %w", err)
	}

	if len(results.Tallies) > 1 && results.Tallies[0].Votes == results.Tallies[1].Votes {
		results.Tie = true
		for _, t := range results.Tallies {
			if t.Votes == results.Tallies[0].Votes {
				results.TiedRestaurantIDs = append(results.TiedRestaurantIDs, t.RestaurantID)
			}
		}
	}
	if session.Status == social.VotingStatusClosed && !results.Tie && results.TotalVotes > 0 {
		results.WinnerRestaurantID = results.Tallies[0].RestaurantID
	}
	return results, nil
}
