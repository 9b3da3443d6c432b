package logring

import (
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// DefaultCapacity bounds each target's retained log lines.
const DefaultCapacity = 1000

// Ring is a bounded, line-oriented log buffer with a single sequence
// space. Appends assign strictly increasing sequence numbers; eviction
// drops the oldest lines, which readers observe as a sequence gap at the
// head, never as a reorder.
type Ring struct {
	mu      sync.RWMutex
	entries []types.LogEntry
	nextSeq int64
	cap     int
}

// New creates a ring with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		entries: make([]types.LogEntry, 0, capacity),
		cap:     capacity,
	}
}

// Append records one line and returns the stored entry with its assigned
// sequence and timestamp.
func (r *Ring) Append(level types.LogLevel, content string) types.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := types.LogEntry{
		Level:     level,
		Content:   content,
		Timestamp: time.Now().Unix(),
		Sequence:  r.nextSeq,
	}
	r.nextSeq++

	r.entries = append(r.entries, entry)
	if len(r.entries) > r.cap {
		// Shift rather than reslice so the backing array does not pin
		// evicted content.
		n := copy(r.entries, r.entries[len(r.entries)-r.cap:])
		r.entries = r.entries[:n]
	}
	return entry
}

// Tail returns up to n of the most recent entries matching the level
// filter, oldest first. n <= 0 means all retained entries; an empty
// filter matches every level.
func (r *Ring) Tail(n int, levels []string) []types.LogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var filtered []types.LogEntry
	if len(levels) == 0 {
		filtered = make([]types.LogEntry, len(r.entries))
		copy(filtered, r.entries)
	} else {
		allowed := make(map[string]struct{}, len(levels))
		for _, l := range levels {
			allowed[l] = struct{}{}
		}
		for _, e := range r.entries {
			if _, ok := allowed[string(e.Level)]; ok {
				filtered = append(filtered, e)
			}
		}
	}

	if n > 0 && len(filtered) > n {
		filtered = filtered[len(filtered)-n:]
	}
	return filtered
}

// Len returns the number of retained entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// NextSequence returns the sequence the next appended line will receive.
func (r *Ring) NextSequence() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextSeq
}
