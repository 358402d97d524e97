// Package ingesttrace tracks individual chat messages through the collection
// pipeline for debugging. Traces are only built when debug collection is
// enabled; the hot path carries nil traces.
package ingesttrace

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
)

// Stage labels one step of the collection pipeline.
type Stage string

const (
	StageSeenFromAPI    Stage = "seen_from_api"
	StageKept           Stage = "kept"
	StageWrittenToStore Stage = "written_to_store"

	StageDroppedPrefix = "dropped_"
)

// StageDropped builds a drop stage for the given reason (e.g. "duplicate").
func StageDropped(reason string) Stage {
	return Stage(StageDroppedPrefix + reason)
}

// MessageTrace captures trace metadata for one message during collection.
type MessageTrace struct {
	LiveChatID string
	Author     string
	Snippet    string
	TraceID    string

	mu       sync.Mutex
	counters map[Stage]int64
}

// NewTrace builds a trace seeded with the seen_from_api counter.
func NewTrace(liveChatID, author, snippet string) *MessageTrace {
	trace := &MessageTrace{
		LiveChatID: liveChatID,
		Author:     author,
		Snippet:    snippet,
		TraceID:    computeTraceID(liveChatID, author, snippet),
		counters:   make(map[Stage]int64),
	}
	trace.counters[StageSeenFromAPI] = 1
	return trace
}

// IncCounter increments the counter for the stage and returns the new value.
// Nil traces are tolerated so callers can pass them through unconditionally.
func (t *MessageTrace) IncCounter(stage Stage) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters[stage]++
	return t.counters[stage]
}

// LogTrace emits the trace with its stage counters.
func (t *MessageTrace) LogTrace(logger *slog.Logger, msg string) {
	if t == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info(msg,
		"trace_id", t.TraceID,
		"live_chat_id", t.LiveChatID,
		"author", t.Author,
		"snippet", t.Snippet,
		"counters", t.snapshotCounters(),
	)
}

func (t *MessageTrace) snapshotCounters() map[Stage]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Stage]int64, len(t.counters))
	for stage, count := range t.counters {
		out[stage] = count
	}
	return out
}

func computeTraceID(liveChatID, author, snippet string) string {
	digest := sha256.Sum256([]byte(liveChatID + "\x1f" + author + "\x1f" + snippet))
	return hex.EncodeToString(digest[:])
}
