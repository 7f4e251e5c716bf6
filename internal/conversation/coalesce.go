package conversation

import (
	"sync"
	"time"

	"github.com/zulandar/servicedesk/internal/clock"
	"github.com/zulandar/servicedesk/internal/telegraph"
)

// Coalescer merges attachment messages that share a correlation id and
// arrive within a grace window into one message. Other messages pass
// through immediately, after any pending batch of the same user.
type Coalescer struct {
	clock  clock.Clock
	window time.Duration
	emit   func(telegraph.InboundMessage)

	// emitMu is held from removing a batch until it has been emitted, so
	// messages leave in the order they were taken out.
	emitMu  sync.Mutex
	mu      sync.Mutex
	batches map[string]*batch
}

type batch struct {
	msg   telegraph.InboundMessage
	timer clock.Timer
}

// NewCoalescer creates a Coalescer that hands merged messages to emit.
func NewCoalescer(clk clock.Clock, window time.Duration, emit func(telegraph.InboundMessage)) *Coalescer {
	return &Coalescer{clock: clk, window: window, emit: emit, batches: make(map[string]*batch)}
}

// Add accepts one inbound message.
func (c *Coalescer) Add(msg telegraph.InboundMessage) {
	if msg.CorrelationID == "" || !msg.HasAttachments() {
		c.emitMu.Lock()
		defer c.emitMu.Unlock()
		c.flushUser(msg.UserID)
		c.emit(msg)
		return
	}

	c.mu.Lock()
	b, ok := c.batches[msg.CorrelationID]
	if ok {
		b.timer.Stop()
		b.msg.Attachments = append(b.msg.Attachments, msg.Attachments...)
		if b.msg.Text == "" {
			b.msg.Text = msg.Text
		}
	} else {
		cp := msg
		cp.Attachments = append([]telegraph.Attachment(nil), msg.Attachments...)
		b = &batch{msg: cp}
		c.batches[msg.CorrelationID] = b
	}
	key := msg.CorrelationID
	b.timer = c.clock.AfterFunc(c.window, func() { c.flush(key, b) })
	c.mu.Unlock()
}

// Flush emits every pending batch.
func (c *Coalescer) Flush() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	var out []telegraph.InboundMessage
	for key, b := range c.batches {
		b.timer.Stop()
		delete(c.batches, key)
		out = append(out, b.msg)
	}
	c.mu.Unlock()
	for _, m := range out {
		c.emit(m)
	}
}

func (c *Coalescer) flush(key string, b *batch) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	if c.batches[key] != b {
		c.mu.Unlock()
		return
	}
	delete(c.batches, key)
	c.mu.Unlock()
	c.emit(b.msg)
}

// flushUser emits userID's pending batches. The caller holds emitMu.
func (c *Coalescer) flushUser(userID string) {
	c.mu.Lock()
	var out []telegraph.InboundMessage
	for key, b := range c.batches {
		if b.msg.UserID != userID {
			continue
		}
		b.timer.Stop()
		delete(c.batches, key)
		out = append(out, b.msg)
	}
	c.mu.Unlock()
	for _, m := range out {
		c.emit(m)
	}
}
