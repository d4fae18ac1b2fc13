package bundler

import "sync/atomic"

// Killswitch is the emergency stop. While active the service refuses new
// bundle submissions; reads and admin endpoints keep working so the operator
// can inspect state and flip it back.
type Killswitch struct {
	active atomic.Bool
}

// Set flips the switch.
func (k *Killswitch) Set(on bool) { k.active.Store(on) }

// Active reports whether submissions are currently refused.
func (k *Killswitch) Active() bool { return k.active.Load() }
