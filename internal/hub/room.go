package hub

import (
	"sync"

	"golang.org/x/time/rate"
)

// Room is a single named channel of messages. It owns a bounded history of
// the most recent messages (newest last) and the set of long-poll waiters
// pending on the next publish. All mutation is funneled through the hub's
// Publish/Subscribe/Cancel so that history and waiters stay linearized per
// room; independent rooms never contend.
type Room struct {
	Name string

	hub *Hub
	mut sync.RWMutex

	// Ordered message cache, oldest first, trimmed to
	// Config.MaxCachedMessages after every publish.
	history []Message

	// Pending long-poll requests. A waiter leaves the set at the instant
	// it is resolved, so membership doubles as the "not yet resolved" flag.
	waiters map[*Waiter]bool

	// Post rate limiter consulted by the message handler. nil when rate
	// limiting is disabled.
	limiter *rate.Limiter
}

func newRoom(name string, h *Hub) *Room {
	r := &Room{
		Name:    name,
		hub:     h,
		waiters: make(map[*Waiter]bool),
	}
	if h.cfg.RateLimitMessages > 0 && h.cfg.RateLimitInterval > 0 {
		r.limiter = rate.NewLimiter(
			rate.Limit(float64(h.cfg.RateLimitMessages)/h.cfg.RateLimitInterval.Seconds()),
			h.cfg.RateLimitMessages)
	}
	return r
}

// publish appends the batch to the room's history, hands exactly that batch
// to every pending waiter, clears the waiter set, and trims the history to
// the configured bound (oldest entries dropped first).
func (r *Room) publish(msgs []Message) {
	r.mut.Lock()
	defer r.mut.Unlock()

	r.history = append(r.history, msgs...)

	if len(r.waiters) > 0 {
		r.hub.log.Printf("sending %d message(s) to %d waiter(s) in room %s",
			len(msgs), len(r.waiters), r.Name)
	}
	for w := range r.waiters {
		w.resolve(msgs)
	}
	r.waiters = make(map[*Waiter]bool)

	if n := len(r.history) - r.hub.cfg.MaxCachedMessages; n > 0 {
		r.history = r.history[n:]
	}
}

// subscribe returns a waiter for the next batch of messages. When cursor is
// the id of the last message the caller has seen and newer messages are
// cached, the returned waiter is already resolved with that suffix
// (oldest first) and is never registered. A cursor that isn't found in the
// cache (it aged out of the bounded history, or never existed) replays the
// entire cached history as new, so callers catching up after a long gap get
// everything the room still remembers.
func (r *Room) subscribe(cursor string) *Waiter {
	r.mut.Lock()
	defer r.mut.Unlock()

	w := newWaiter()
	if cursor != "" {
		n := 0
		for i := len(r.history) - 1; i >= 0; i-- {
			if r.history[i].ID == cursor {
				break
			}
			n++
		}
		if n > 0 {
			out := make([]Message, n)
			copy(out, r.history[len(r.history)-n:])
			w.resolve(out)
			return w
		}
	}

	r.waiters[w] = true
	return w
}

// cancel withdraws a pending waiter and resolves it with an empty batch so
// anything blocked on it unblocks. If the waiter was already resolved (a
// publish got there first, or cancel ran twice), this is a no-op.
func (r *Room) cancel(w *Waiter) {
	r.mut.Lock()
	defer r.mut.Unlock()

	if !r.waiters[w] {
		return
	}
	delete(r.waiters, w)
	w.resolve([]Message{})
}

// History returns a snapshot copy of the room's cached messages, oldest
// first. Used by the page render; the copy keeps callers from observing
// later trims and appends mid-read.
func (r *Room) History() []Message {
	r.mut.RLock()
	defer r.mut.RUnlock()

	out := make([]Message, len(r.history))
	copy(out, r.history)
	return out
}

// AllowMessage reports whether the room's post rate limit admits another
// message right now. Always true when rate limiting is disabled.
func (r *Room) AllowMessage() bool {
	if r.limiter == nil {
		return true
	}
	return r.limiter.Allow()
}

// counts returns the cached message and pending waiter counts for stats.
func (r *Room) counts() (msgs, waiters int) {
	r.mut.RLock()
	defer r.mut.RUnlock()
	return len(r.history), len(r.waiters)
}
