package api

import (
	"sync"
	"time"

	"mexc-sniper-bot/internal/events"
)

// Bounded history capacities per channel for the polling fallback.
const (
	tradesHistoryCap      = 50
	listingsHistoryCap    = 50
	alertsHistoryCap      = 100
	performanceHistoryCap = 60
	botHistoryCap         = 10
)

// HistoryEntry is one buffered event, addressable by a monotonically
// increasing sequence number so pollers can resume with ?since=.
type HistoryEntry struct {
	Seq       uint64      `json:"seq"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type ring struct {
	entries []HistoryEntry
	cap     int
}

func (r *ring) push(e HistoryEntry) {
	r.entries = append(r.entries, e)
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
}

func (r *ring) since(seq uint64) []HistoryEntry {
	for i, e := range r.entries {
		if e.Seq > seq {
			out := make([]HistoryEntry, len(r.entries)-i)
			copy(out, r.entries[i:])
			return out
		}
	}
	return nil
}

// History keeps the recent event window per channel so clients without a
// WebSocket can poll.
type History struct {
	mu      sync.RWMutex
	nextSeq uint64
	rings   map[string]*ring
}

// NewHistory creates the channel buffers.
func NewHistory() *History {
	return &History{
		rings: map[string]*ring{
			"trades":      {cap: tradesHistoryCap},
			"listings":    {cap: listingsHistoryCap},
			"alerts":      {cap: alertsHistoryCap},
			"performance": {cap: performanceHistoryCap},
			"bot":         {cap: botHistoryCap},
		},
	}
}

// Record buffers an event into its channel.
func (h *History) Record(e events.Event) {
	ch := events.Channel(e.Type)
	if ch == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSeq++
	h.rings[ch].push(HistoryEntry{
		Seq:       h.nextSeq,
		Type:      string(e.Type),
		Timestamp: e.Timestamp,
		Data:      e.Payload,
	})
}

// Since returns the entries for channel with sequence numbers above seq.
// The second return is false for an unknown channel.
func (h *History) Since(channel string, seq uint64) ([]HistoryEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rings[channel]
	if !ok {
		return nil, false
	}
	return r.since(seq), true
}
