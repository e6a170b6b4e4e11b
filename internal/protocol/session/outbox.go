package session

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/flydragon/internal/protocol"
)

// PendingMessage tracks one sent message awaiting its ack.
type PendingMessage struct {
	ID     uint64
	Type   protocol.Type
	SentAt time.Time
}

// AckOutbox stores sent messages by id until acknowledged. Once full, the
// oldest entry is evicted so a silent peer cannot grow it without bound.
type AckOutbox struct {
	mu    sync.RWMutex
	items map[uint64]PendingMessage
	order []uint64
	limit int
}

func NewAckOutbox(limit int) *AckOutbox {
	return &AckOutbox{
		items: make(map[uint64]PendingMessage),
		limit: limit,
	}
}

func (o *AckOutbox) Upsert(item PendingMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.items[item.ID]; !ok {
		o.order = append(o.order, item.ID)
	}
	o.items[item.ID] = item
	for o.limit > 0 && len(o.items) > o.limit && len(o.order) > 0 {
		oldest := o.order[0]
		o.order = o.order[1:]
		delete(o.items, oldest)
	}
}

// Take removes and returns the entry for id.
func (o *AckOutbox) Take(id uint64) (PendingMessage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[id]
	if !ok {
		return PendingMessage{}, false
	}
	delete(o.items, id)
	for i, cur := range o.order {
		if cur == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	return item, true
}

func (o *AckOutbox) Get(id uint64) (PendingMessage, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[id]
	return item, ok
}

func (o *AckOutbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

func (o *AckOutbox) List() []PendingMessage {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingMessage, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// Reset drops every pending entry.
func (o *AckOutbox) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = make(map[uint64]PendingMessage)
	o.order = nil
}
