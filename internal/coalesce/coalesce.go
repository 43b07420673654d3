package coalesce

import (
	"log"
	"sync"
	"time"

	"github.com/livecodehub/backend/internal/metrics"
)

// Store is the durable sink for flushed documents.
type Store interface {
	UpdateCode(roomID, text, editorID string) error
}

type Config struct {
	Window time.Duration
}

func DefaultConfig() Config {
	return Config{Window: 1500 * time.Millisecond}
}

// pending is the per-room edit buffer plus the flags that serialize its
// flushes. The timer deadline is fixed at arm time: later edits replace the
// buffered text but never push the deadline out, so a steady stream of edits
// cannot starve persistence.
type pending struct {
	text      string
	changedBy string
	armedAt   time.Time
	timer     *time.Timer
	armed     bool
	inflight  bool
	queued    bool
}

// Coalescer turns a high-frequency edit stream into infrequent serialized
// writes to the durable store. Broadcast of edits happens elsewhere and is
// never delayed by this component; only durability is.
type Coalescer struct {
	mu      sync.Mutex
	store   Store
	config  Config
	rooms   map[string]*pending
	onSaved func(roomID, savedBy string, at time.Time)
	onError func(roomID, message string)
}

func New(store Store, config Config) *Coalescer {
	return &Coalescer{
		store:  store,
		config: config,
		rooms:  make(map[string]*pending),
	}
}

// OnSaved registers the callback invoked after a flush is confirmed by the
// store. It runs on the flush goroutine.
func (c *Coalescer) OnSaved(fn func(roomID, savedBy string, at time.Time)) {
	c.onSaved = fn
}

// OnError registers the callback invoked when a flush fails.
func (c *Coalescer) OnError(fn func(roomID, message string)) {
	c.onError = fn
}

// Arm buffers the latest text for a room. The first arm after a flush starts
// the quiet-period timer; subsequent arms before it fires only replace the
// buffered text and author.
func (c *Coalescer) Arm(roomID, text, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.rooms[roomID]
	if !ok {
		p = &pending{}
		c.rooms[roomID] = p
	}

	p.text = text
	p.changedBy = userID

	if !p.armed {
		p.armed = true
		p.armedAt = time.Now()
		p.timer = time.AfterFunc(c.config.Window, func() {
			c.expire(roomID)
		})
	}
}

// PendingText returns the buffered text for a room if an unflushed edit
// exists. The buffer is the authoritative document while it is present.
func (c *Coalescer) PendingText(roomID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.rooms[roomID]
	if !ok {
		return "", false
	}
	return p.text, true
}

// Teardown cancels any armed timer and discards the buffer for a room. Used
// when the room itself is discarded.
func (c *Coalescer) Teardown(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.rooms[roomID]
	if !ok {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(c.rooms, roomID)
}

// Close tears down every room. Pending buffers are dropped, matching room
// teardown semantics.
func (c *Coalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for roomID, p := range c.rooms {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(c.rooms, roomID)
	}
}

// expire runs when the quiet-period timer fires. If a flush for the room is
// already in flight the new one queues behind it; a room never has two
// concurrent flushes.
func (c *Coalescer) expire(roomID string) {
	c.mu.Lock()
	p, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return
	}
	p.armed = false

	if p.inflight {
		p.queued = true
		c.mu.Unlock()
		return
	}

	p.inflight = true
	text, changedBy := p.text, p.changedBy
	c.mu.Unlock()

	go c.flush(roomID, text, changedBy)
}

func (c *Coalescer) flush(roomID, text, changedBy string) {
	err := c.store.UpdateCode(roomID, text, changedBy)
	now := time.Now()

	c.mu.Lock()
	p, ok := c.rooms[roomID]
	if !ok {
		// Room torn down while the write was in flight.
		c.mu.Unlock()
		return
	}
	p.inflight = false

	if err != nil {
		metrics.FlushesTotal.WithLabelValues("error").Inc()
		log.Printf("Flush failed for room %s: %v", roomID, err)
		c.mu.Unlock()
		if c.onError != nil {
			c.onError(roomID, "failed to save document")
		}
		c.runQueued(roomID)
		return
	}

	metrics.FlushesTotal.WithLabelValues("ok").Inc()

	// The buffer is destroyed on successful flush unless newer edits
	// re-armed the timer or a flush queued behind this one.
	if !p.armed && !p.queued {
		delete(c.rooms, roomID)
	}
	c.mu.Unlock()

	if c.onSaved != nil {
		c.onSaved(roomID, changedBy, now)
	}
	c.runQueued(roomID)
}

// runQueued starts the flush that queued behind an in-flight one, carrying
// whatever text is buffered now. Queued flushes run in arrival order and are
// never dropped.
func (c *Coalescer) runQueued(roomID string) {
	c.mu.Lock()
	p, ok := c.rooms[roomID]
	if !ok || !p.queued || p.inflight {
		c.mu.Unlock()
		return
	}
	p.queued = false
	p.inflight = true
	text, changedBy := p.text, p.changedBy
	c.mu.Unlock()

	go c.flush(roomID, text, changedBy)
}
