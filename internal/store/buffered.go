package store

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/you/chat-raffle/internal/core"
	"github.com/you/chat-raffle/internal/ingesttrace"
)

// Writer receives one collected message at a time. The trace may be nil.
type Writer interface {
	Write(core.Message, *ingesttrace.MessageTrace) error
}

// BufferedWriter batches collected messages in front of a base writer. A
// batch drains when it reaches BatchSize, when FlushInterval elapses with
// rows pending, or on Close. Errors from a timer drain surface on the next
// call so the collector sees them.
type BufferedWriter struct {
	base          Writer
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	pending []queuedMessage
	timer   *time.Timer
	closed  bool
	lastErr error
}

type queuedMessage struct {
	msg   core.Message
	trace *ingesttrace.MessageTrace
}

type BufferedOptions struct {
	BatchSize     int
	FlushInterval time.Duration
}

func NewBufferedWriter(base Writer, opts BufferedOptions) *BufferedWriter {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 1
	}
	return &BufferedWriter{
		base:          base,
		batchSize:     batch,
		flushInterval: opts.FlushInterval,
	}
}

func (b *BufferedWriter) Write(msg core.Message, trace *ingesttrace.MessageTrace) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("store: buffered writer closed")
	}
	deferred := b.lastErr
	b.lastErr = nil

	b.pending = append(b.pending, queuedMessage{msg: msg, trace: trace})
	if len(b.pending) == 1 {
		b.armTimerLocked()
	}

	var batch []queuedMessage
	if len(b.pending) >= b.batchSize {
		batch = b.takeLocked()
	}
	b.mu.Unlock()

	if err := b.drain(batch); err != nil {
		return err
	}
	return deferred
}

// Close drains whatever is still pending. Further writes are rejected.
func (b *BufferedWriter) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	batch := b.takeLocked()
	deferred := b.lastErr
	b.lastErr = nil
	b.mu.Unlock()

	if err := b.drain(batch); err != nil {
		return err
	}
	return deferred
}

// takeLocked hands back the pending batch and disarms the flush timer.
func (b *BufferedWriter) takeLocked() []queuedMessage {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return nil
	}
	batch := append([]queuedMessage(nil), b.pending...)
	b.pending = b.pending[:0]
	return batch
}

func (b *BufferedWriter) armTimerLocked() {
	if b.flushInterval <= 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.flushInterval, b.onTimer)
}

func (b *BufferedWriter) onTimer() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	batch := b.takeLocked()
	b.mu.Unlock()

	if err := b.drain(batch); err != nil {
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
	}
}

func (b *BufferedWriter) drain(batch []queuedMessage) error {
	for i, q := range batch {
		if err := b.base.Write(q.msg, q.trace); err != nil {
			return errors.Wrapf(err, "store: drain buffered message %d of %d", i+1, len(batch))
		}
	}
	return nil
}
