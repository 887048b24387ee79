package gatekeep

import (
	"sync"
	"time"
)

// TriggerCounter tallies occurrences of a per-key trigger inside a trailing
// window, with a cooldown between countable occurrences.
//
// Events arriving faster than the cooldown after the last counted one are
// dropped, not counted, so a rapid burst can never reach an escalation
// threshold on its own.
type TriggerCounter struct {
	cooldown time.Duration
	window   time.Duration

	mu     sync.Mutex
	events map[string][]time.Time
}

// NewTriggerCounter creates a counter with the given cooldown and window.
func NewTriggerCounter(cooldown, window time.Duration) *TriggerCounter {
	return &TriggerCounter{
		cooldown: cooldown,
		window:   window,
		events:   make(map[string][]time.Time),
	}
}

// Record registers an occurrence of key at now.
// It returns whether the occurrence was counted and the number of
// occurrences remaining inside the window.
func (c *TriggerCounter) Record(key string, now time.Time) (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.prune(key, now)

	if n := len(list); n > 0 && !list[n-1].Before(now.Add(-c.cooldown)) {
		// Inside cooldown: drop the event, list unchanged.
		c.store(key, list)
		return false, n
	}

	list = append(list, now)
	c.store(key, list)
	return true, len(list)
}

// Count returns the number of occurrences of key inside the window at now.
func (c *TriggerCounter) Count(key string, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.prune(key, now)
	c.store(key, list)
	return len(list)
}

// Reset clears all occurrences of key.
func (c *TriggerCounter) Reset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.events, key)
}

// Snapshot returns a copy of all non-empty timestamp lists for persistence.
func (c *TriggerCounter) Snapshot() map[string][]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string][]time.Time, len(c.events))
	for k, v := range c.events {
		if len(v) == 0 {
			continue
		}
		cp := make([]time.Time, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Restore replaces the counter state with a previously saved snapshot,
// dropping entries already outside the window at now.
func (c *TriggerCounter) Restore(snapshot map[string][]time.Time, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = make(map[string][]time.Time, len(snapshot))
	cutoff := now.Add(-c.window)
	for k, v := range snapshot {
		list := make([]time.Time, 0, len(v))
		for _, ts := range v {
			if ts.After(cutoff) {
				list = append(list, ts)
			}
		}
		if len(list) > 0 {
			c.events[k] = list
		}
	}
}

// prune drops entries older than the window. Caller must hold the lock.
func (c *TriggerCounter) prune(key string, now time.Time) []time.Time {
	list := c.events[key]
	cutoff := now.Add(-c.window)

	i := 0
	for ; i < len(list); i++ {
		if list[i].After(cutoff) {
			break
		}
	}
	return list[i:]
}

func (c *TriggerCounter) store(key string, list []time.Time) {
	if len(list) == 0 {
		delete(c.events, key)
		return
	}
	c.events[key] = list
}
