package store

import (
	"context"
	"sync/atomic"

	"github.com/you/chat-raffle/internal/core"
	"github.com/you/chat-raffle/internal/ingesttrace"
)

// SessionWriter binds a store to one session so the collector's writer chain
// can stay session-agnostic. Duplicate messages are counted but not errors.
type SessionWriter struct {
	store     *SQLiteStore
	sessionID int64

	inserted atomic.Int64
	dupes    atomic.Int64
}

func (s *SQLiteStore) WriterForSession(sessionID int64) *SessionWriter {
	return &SessionWriter{store: s, sessionID: sessionID}
}

func (w *SessionWriter) Write(msg core.Message, trace *ingesttrace.MessageTrace) error {
	inserted, err := w.store.AddMessage(context.Background(), w.sessionID, msg)
	if err != nil {
		return err
	}
	if !inserted {
		w.dupes.Add(1)
		trace.IncCounter(ingesttrace.StageDropped("duplicate"))
		return nil
	}
	w.inserted.Add(1)
	trace.IncCounter(ingesttrace.StageWrittenToStore)
	return nil
}

// Inserted reports how many messages this writer actually persisted.
func (w *SessionWriter) Inserted() int64 { return w.inserted.Load() }

// Duplicates reports how many writes hit an already-stored message.
func (w *SessionWriter) Duplicates() int64 { return w.dupes.Load() }

type broadcaster interface {
	Broadcast(core.Message)
}

// WithBroadcast forwards persisted messages to live API subscribers.
type WithBroadcast struct {
	*SessionWriter
	api broadcaster
}

func WithAPI(base *SessionWriter, api broadcaster) *WithBroadcast {
	return &WithBroadcast{SessionWriter: base, api: api}
}

func (w *WithBroadcast) Write(msg core.Message, trace *ingesttrace.MessageTrace) error {
	if err := w.SessionWriter.Write(msg, trace); err != nil {
		return err
	}
	if w.api != nil {
		w.api.Broadcast(msg)
	}
	return nil
}
