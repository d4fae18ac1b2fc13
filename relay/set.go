package relay

import "sync/atomic"

// Set holds the active relay clients. A configuration reload swaps the whole
// slice at once; submissions already in flight keep the clients they started
// with.
type Set struct {
	v atomic.Pointer[[]*Client]
}

// NewSet builds a set over the given clients.
func NewSet(clients []*Client) *Set {
	s := new(Set)
	s.Swap(clients)
	return s
}

// Swap replaces the active clients.
func (s *Set) Swap(clients []*Client) {
	cp := make([]*Client, len(clients))
	copy(cp, clients)
	s.v.Store(&cp)
}

// All returns the active clients in configuration order. The returned slice
// must not be mutated.
func (s *Set) All() []*Client {
	return *s.v.Load()
}
