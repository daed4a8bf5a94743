package peerhub

import "sync"

// registry maps identities to live channels, holding at most one channel per identity.
type registry struct {
	mu       sync.RWMutex
	channels map[Identity]*Channel
}

func newRegistry() *registry {
	return &registry{channels: make(map[Identity]*Channel)}
}

// put registers ch under its identity and returns the channel it displaced, if any.
// The caller disposes the displaced channel; it is unreachable once put returns.
func (r *registry) put(ch *Channel) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.channels[ch.identity]
	r.channels[ch.identity] = ch
	return old
}

func (r *registry) get(id Identity) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[id]
	return ch, ok
}

// remove deletes whatever channel is registered under id.
func (r *registry) remove(id Identity) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[id]
	if ok {
		delete(r.channels, id)
	}
	return ch, ok
}

// removeChannel deletes ch only if it is still the registered instance for its identity,
// so a replaced channel can never evict its successor.
func (r *registry) removeChannel(ch *Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channels[ch.identity] != ch {
		return false
	}
	delete(r.channels, ch.identity)
	return true
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.channels)
}

func (r *registry) identities() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]Identity, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	return ids
}

// drain empties the registry and returns everything it held.
func (r *registry) drain() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	chans := make([]*Channel, 0, len(r.channels))
	for id, ch := range r.channels {
		chans = append(chans, ch)
		delete(r.channels, id)
	}
	return chans
}
