package service

import (
	"sort"
	"sync"
	"time"

	"wanderlink/internal/models"
)

// MessageLog keeps the ordered history of every room, bounded per room
type MessageLog struct {
	mu     sync.RWMutex
	limit  int
	window time.Duration
	rooms  map[string][]models.Message
	ids    map[string]map[string]struct{}
}

// NewMessageLog creates a log keeping at most limit messages per room. Two
// messages with the same sender and text closer than window are treated as
// one delivery.
func NewMessageLog(limit int, window time.Duration) *MessageLog {
	return &MessageLog{
		limit:  limit,
		window: window,
		rooms:  make(map[string][]models.Message),
		ids:    make(map[string]map[string]struct{}),
	}
}

// SetWindow changes the near-duplicate window
func (l *MessageLog) SetWindow(window time.Duration) {
	l.mu.Lock()
	l.window = window
	l.mu.Unlock()
}

// Append inserts msg in timestamp order. It returns false and leaves the
// room unchanged when msg is a duplicate by id, or by sender and text
// inside the window.
func (l *MessageLog) Append(msg models.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := l.ids[msg.RoomID]
	if ids == nil {
		ids = make(map[string]struct{})
		l.ids[msg.RoomID] = ids
	}
	if _, dup := ids[msg.ID]; dup && msg.ID != "" {
		return false
	}

	list := l.rooms[msg.RoomID]
	for i := len(list) - 1; i >= 0; i-- {
		m := list[i]
		diff := msg.Timestamp.Sub(m.Timestamp)
		if diff < 0 {
			diff = -diff
		}
		if diff < l.window && m.SenderID == msg.SenderID && m.Text == msg.Text {
			return false
		}
		if msg.Timestamp.Sub(m.Timestamp) >= l.window {
			break
		}
	}

	pos := sort.Search(len(list), func(i int) bool {
		return list[i].Timestamp.After(msg.Timestamp)
	})
	list = append(list, models.Message{})
	copy(list[pos+1:], list[pos:])
	list[pos] = msg

	if l.limit > 0 && len(list) > l.limit {
		for _, dropped := range list[:len(list)-l.limit] {
			delete(ids, dropped.ID)
		}
		list = append([]models.Message(nil), list[len(list)-l.limit:]...)
	}

	if msg.ID != "" {
		ids[msg.ID] = struct{}{}
	}
	l.rooms[msg.RoomID] = list
	return true
}

// History returns the newest limit messages of room, oldest first.
// limit <= 0 returns the whole room.
func (l *MessageLog) History(roomID string, limit int) []models.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	list := l.rooms[roomID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]models.Message, len(list))
	copy(out, list)
	return out
}

// Len returns how many messages room holds
func (l *MessageLog) Len(roomID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rooms[roomID])
}

// Clear forgets the history of room
func (l *MessageLog) Clear(roomID string) {
	l.mu.Lock()
	delete(l.rooms, roomID)
	delete(l.ids, roomID)
	l.mu.Unlock()
}
