package devhub

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/socialsync/pkg/social"
)

func chatMessage(groupID string, i int) social.ChatMessage {
	return social.ChatMessage{ID: fmt.Sprintf("m%d", i), GroupID: groupID, UserID: "alice", Text: fmt.Sprintf("hello %d", i)}
}

func TestChatLog_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	log := NewChatLog(0)

	for i := 0; i < 5; i++ {
		offset, err := log.Append(ctx, chatMessage("g1", i))
		require.NoError(t, err)
		assert.Equal(t, int64(i), offset)
	}
	_, err := log.Append(ctx, chatMessage("g2", 0))
	require.NoError(t, err)

	t.Run("offsets_are_per_group", func(t *testing.T) {
		assert.Equal(t, 5, log.Len("g1"))
		assert.Equal(t, 1, log.Len("g2"))
	})

	t.Run("read_range", func(t *testing.T) {
		msgs, err := log.Read(ctx, "g1", 1, 2)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "m1", msgs[0].ID)
		assert.Equal(t, "m2", msgs[1].ID)
	})

	t.Run("read_past_end", func(t *testing.T) {
		msgs, err := log.Read(ctx, "g1", 10, 2)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("invalid_arguments", func(t *testing.T) {
		_, err := log.Read(ctx, "g1", -1, 2)
		assert.ErrorIs(t, err, ErrNegativeOffset)
		_, err = log.Read(ctx, "g1", 0, -1)
		assert.ErrorIs(t, err, ErrNegativeMaxCount)
	})

	t.Run("cancelled_context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := log.Append(cancelled, chatMessage("g1", 9))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 5, log.Len("g1"))
	})
}

func TestChatLog_Tail(t *testing.T) {
	ctx := context.Background()

	t.Run("last_n_oldest_first", func(t *testing.T) {
		log := NewChatLog(0)
		for i := 0; i < 4; i++ {
			_, err := log.Append(ctx, chatMessage("g1", i))
			require.NoError(t, err)
		}
		msgs := log.Tail("g1", 2)
		require.Len(t, msgs, 2)
		assert.Equal(t, "m2", msgs[0].ID)
		assert.Equal(t, "m3", msgs[1].ID)
	})

	t.Run("unknown_group_is_empty_not_nil", func(t *testing.T) {
		msgs := NewChatLog(0).Tail("nope", 10)
		assert.NotNil(t, msgs)
		assert.Empty(t, msgs)
	})

	t.Run("capacity_drops_oldest", func(t *testing.T) {
		log := NewChatLog(3)
		for i := 0; i < 5; i++ {
			_, err := log.Append(ctx, chatMessage("g1", i))
			require.NoError(t, err)
		}
		msgs := log.Tail("g1", 0)
		require.Len(t, msgs, 3)
		assert.Equal(t, "m2", msgs[0].ID)
	})
}
