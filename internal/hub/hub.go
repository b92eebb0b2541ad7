package hub

import (
	"log"
	"sync"
	"time"
)

// Hub acts as the registry of chat rooms and the single entry point for
// publishing, subscribing to, and cancelling waits on them. Rooms are created
// on first use and live for the lifetime of the process; there is no eviction,
// so a hub that has seen N distinct room names holds N rooms. The hub's lock
// guards only the room registry. Each room serializes its own state, so
// traffic on one room never blocks another.
type Hub struct {
	cfg *Config
	log *log.Logger

	rooms map[string]*Room
	mut   sync.RWMutex
}

// Config represents the app configuration.
type Config struct {
	Address string `koanf:"address"`
	RootURL string `koanf:"root_url"`
	Name    string `koanf:"name"`

	MaxCachedMessages int `koanf:"max_cached_messages"`
	MaxMessageLen     int `koanf:"max_message_length"`
	MaxRoomNameLen    int `koanf:"max_room_name_length"`

	LongpollTimeout   time.Duration `koanf:"longpoll_timeout"`
	RateLimitInterval time.Duration `koanf:"rate_limit_interval"`
	RateLimitMessages int           `koanf:"rate_limit_messages"`

	Debug bool `koanf:"debug"`
}

// Stats is a point-in-time snapshot of hub activity.
type Stats struct {
	Rooms    int
	Messages int
	Waiters  int
}

// NewHub returns a new instance of Hub.
func NewHub(cfg *Config, l *log.Logger) *Hub {
	return &Hub{
		cfg:   cfg,
		log:   l,
		rooms: make(map[string]*Room),
	}
}

// EnsureRoom fetches the room for the given name, creating it if it doesn't
// exist. Creation is idempotent: concurrent callers racing on a new name all
// end up with the same room.
func (h *Hub) EnsureRoom(name string) *Room {
	h.mut.RLock()
	r, ok := h.rooms[name]
	h.mut.RUnlock()
	if ok {
		return r
	}

	h.mut.Lock()
	defer h.mut.Unlock()

	// Re-check under the write lock in case another request created the
	// room between the two lock acquisitions.
	if r, ok := h.rooms[name]; ok {
		return r
	}

	r = newRoom(name, h)
	h.rooms[name] = r
	h.log.Printf("created room %s", name)
	return r
}

// Publish appends the batch of messages to the room's history and delivers it
// to every waiter pending on the room.
func (h *Hub) Publish(roomName string, msgs []Message) {
	h.EnsureRoom(roomName).publish(msgs)
}

// Subscribe registers interest in the room's messages after the given cursor,
// the id of the last message the caller has seen. The returned waiter resolves
// immediately when the cache already holds newer messages (or when the cursor
// is unknown, in which case the whole cached history is replayed), and
// otherwise pends until the next Publish or Cancel.
func (h *Hub) Subscribe(roomName, cursor string) *Waiter {
	return h.EnsureRoom(roomName).subscribe(cursor)
}

// Cancel withdraws a pending waiter from the room, resolving it with an empty
// batch. Cancelling a waiter that has already been resolved is a no-op.
func (h *Hub) Cancel(roomName string, w *Waiter) {
	h.EnsureRoom(roomName).cancel(w)
}

// Stats counts rooms, cached messages, and pending waiters across the hub.
func (h *Hub) Stats() Stats {
	h.mut.RLock()
	defer h.mut.RUnlock()

	s := Stats{Rooms: len(h.rooms)}
	for _, r := range h.rooms {
		m, w := r.counts()
		s.Messages += m
		s.Waiters += w
	}
	return s
}
