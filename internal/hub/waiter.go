package hub

// Waiter is the handle for one pending long-poll request on a room. It is a
// one-shot result slot, resolved exactly once: by the publish that delivers
// the next batch, by a cancel, or at subscribe time itself when a cursor
// replay is served without the waiter ever being registered. The backing
// channel is buffered so resolution never blocks the room's lock on a
// receiver.
//
// Ownership is shared: the room resolves a waiter from Publish, the HTTP
// request that created it resolves it via Cancel on timeout or disconnect.
// Whichever side removes the waiter from the set first wins; the other side's
// action is a no-op.
type Waiter struct {
	ch chan []Message
}

func newWaiter() *Waiter {
	return &Waiter{ch: make(chan []Message, 1)}
}

// Messages returns the channel on which the waiter's single result is
// delivered: the batch from the resolving Publish, or an empty batch if the
// waiter was cancelled.
func (w *Waiter) Messages() <-chan []Message {
	return w.ch
}

// resolve delivers the waiter's result. Callers must guarantee it runs at
// most once per waiter; both call sites do so by holding the room lock while
// removing (or never adding) the waiter.
func (w *Waiter) resolve(msgs []Message) {
	w.ch <- msgs
}
