package events

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"escrowdao/core/types"
)

const defaultStreamHistoryLimit = 2048

// Update is a single sequenced event delivered to stream subscribers.
type Update struct {
	Sequence  uint64       `json:"sequence"`
	Cursor    string       `json:"cursor"`
	Event     *types.Event `json:"event"`
	Timestamp int64        `json:"timestamp"`
}

func cloneUpdate(update Update) Update {
	cloned := update
	cloned.Event = update.Event.Clone()
	return cloned
}

// Hub keeps a bounded history of ledger events and fans them out to live
// subscribers. Slow subscribers drop updates rather than blocking emitters.
type Hub struct {
	mu      sync.Mutex
	subs    map[uint64]chan Update
	nextID  uint64
	seq     uint64
	history []Update
	limit   int
	nowFn   func() time.Time
}

// NewHub constructs a hub retaining at most limit updates for replay.
func NewHub(limit int) *Hub {
	if limit <= 0 {
		limit = defaultStreamHistoryLimit
	}
	return &Hub{
		subs:  make(map[uint64]chan Update),
		limit: limit,
		nowFn: time.Now,
	}
}

// Emit implements Emitter.
func (h *Hub) Emit(evt Event) {
	if h == nil || evt == nil {
		return
	}
	payload, ok := evt.(Payload)
	if !ok || payload.Event() == nil {
		return
	}

	h.mu.Lock()
	h.seq++
	update := Update{
		Sequence:  h.seq,
		Cursor:    strconv.FormatUint(h.seq, 10),
		Event:     payload.Event().Clone(),
		Timestamp: h.nowFn().Unix(),
	}
	h.history = append(h.history, cloneUpdate(update))
	if len(h.history) > h.limit {
		excess := len(h.history) - h.limit
		trimmed := make([]Update, h.limit)
		copy(trimmed, h.history[excess:])
		h.history = trimmed
	}
	// Sends happen under h.mu so cancel cannot close a channel mid-send.
	// The default case keeps a full subscriber from blocking the emitter.
	for _, ch := range h.subs {
		select {
		case ch <- cloneUpdate(update):
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a subscriber for updates after the supplied cursor. The
// returned backlog holds retained updates newer than the cursor.
func (h *Hub) Subscribe(ctx context.Context, cursor string) (<-chan Update, func(), []Update, error) {
	if h == nil {
		return nil, nil, nil, fmt.Errorf("event hub not initialised")
	}
	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		parsed, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid cursor %q", cursor)
		}
		since = parsed
	}
	updates := make(chan Update, 32)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = updates
	history := make([]Update, len(h.history))
	copy(history, h.history)
	h.mu.Unlock()

	backlog := make([]Update, 0, len(history))
	for _, entry := range history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneUpdate(entry))
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
			h.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog, nil
}
