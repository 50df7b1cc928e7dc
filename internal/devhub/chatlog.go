package devhub

import (
	"context"
	"errors"
	"sync"

	"github.com/rmacdonaldsmith/socialsync/pkg/social"
)

var (
	// ErrNegativeOffset is returned when a negative offset is provided
	ErrNegativeOffset = errors.New("offset cannot be negative")
	// ErrNegativeMaxCount is returned when a negative max count is provided
	ErrNegativeMaxCount = errors.New("max count cannot be negative")
)

// ChatLog stores group chat messages in per-group, offset-addressed
// sequences. Each group's offsets start at 0.
// It is safe for concurrent use.
type ChatLog struct {
	mu       sync.RWMutex
	byGroup  map[string][]social.ChatMessage
	capacity int
}

// NewChatLog creates a chat log keeping at most capacity messages per group
// (0 keeps everything).
func NewChatLog(capacity int) *ChatLog {
	return &ChatLog{
		byGroup:  make(map[string][]social.ChatMessage),
		capacity: capacity,
	}
}

// Append stores msg and returns its offset among the retained messages of
// the group.
func (l *ChatLog) Append(ctx context.Context, msg social.ChatMessage) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	msgs := append(l.byGroup[msg.GroupID], msg)
	if l.capacity > 0 && len(msgs) > l.capacity {
		msgs = msgs[len(msgs)-l.capacity:]
	}
	l.byGroup[msg.GroupID] = msgs
	return int64(len(msgs) - 1), nil
}

// Read returns up to maxCount messages of groupID starting at offset.
func (l *ChatLog) Read(ctx context.Context, groupID string, offset int64, maxCount int) ([]social.ChatMessage, error) {
	if offset < 0 {
		return nil, ErrNegativeOffset
	}
	if maxCount < 0 {
		return nil, ErrNegativeMaxCount
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	msgs := l.byGroup[groupID]
	if offset >= int64(len(msgs)) || maxCount == 0 {
		return []social.ChatMessage{}, nil
	}
	end := min(int64(len(msgs)), offset+int64(maxCount))
	return append([]social.ChatMessage(nil), msgs[offset:end]...), nil
}

// Tail returns the last n messages of groupID, oldest first.
func (l *ChatLog) Tail(groupID string, n int) []social.ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()

	msgs := l.byGroup[groupID]
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]social.ChatMessage{}, msgs...)
}

// Len returns the number of stored messages of groupID.
func (l *ChatLog) Len(groupID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byGroup[groupID])
}
