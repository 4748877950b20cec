// Package presence keeps ephemeral typing state per (conversation, user).
// Nothing here is persisted; a restart or reconnect starts everyone at
// "not typing".
package presence

import (
	"sync"
	"time"
)

type key struct {
	conv string
	user string
}

type entry struct {
	typing   bool
	at       time.Time // last signal received
	lastSent time.Time // last signal that was let through the throttle
}

// Tracker records the most recent typing signal of each participant. A
// participant counts as typing iff their latest signal was "typing" and it
// arrived less than window ago.
type Tracker struct {
	mu       sync.Mutex
	window   time.Duration
	throttle time.Duration
	entries  map[key]entry
}

// NewTracker creates a tracker. throttle may be zero to let every signal
// through.
func NewTracker(window, throttle time.Duration) *Tracker {
	return &Tracker{
		window:   window,
		throttle: throttle,
		entries:  make(map[key]entry),
	}
}

// Window is how long a typing signal stays live.
func (t *Tracker) Window() time.Duration {
	return t.window
}

// Record stores a signal and reports whether it should be forwarded to the
// other participant. Repeated "typing" heartbeats inside the throttle
// interval refresh the local expiry but are not forwarded. A "stopped"
// signal is always forwarded when the user was typing.
func (t *Tracker) Record(conv, user string, typing bool, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{conv, user}
	prev, ok := t.entries[k]
	wasTyping := ok && prev.typing && now.Sub(prev.at) < t.window

	if !typing {
		delete(t.entries, k)
		return wasTyping
	}

	if wasTyping && now.Sub(prev.lastSent) < t.throttle {
		prev.at = now
		t.entries[k] = prev
		return false
	}

	t.entries[k] = entry{typing: true, at: now, lastSent: now}
	return true
}

// Typing reports whether user is currently typing in conv.
func (t *Tracker) Typing(conv, user string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key{conv, user}]
	return ok && e.typing && now.Sub(e.at) < t.window
}

// Expiry returns when user's current typing state lapses. ok is false if
// the user is not typing.
func (t *Tracker) Expiry(conv, user string, now time.Time) (at time.Time, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, found := t.entries[key{conv, user}]
	if !found || !e.typing || now.Sub(e.at) >= t.window {
		return time.Time{}, false
	}
	return e.at.Add(t.window), true
}

// Forget drops every signal of user and returns the conversations in which
// the user was still typing, so callers can announce "stopped".
func (t *Tracker) Forget(user string, now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var convs []string
	for k, e := range t.entries {
		if k.user != user {
			continue
		}
		if e.typing && now.Sub(e.at) < t.window {
			convs = append(convs, k.conv)
		}
		delete(t.entries, k)
	}
	return convs
}

// Reset drops every signal recorded for conv.
func (t *Tracker) Reset(conv string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k := range t.entries {
		if k.conv == conv {
			delete(t.entries, k)
		}
	}
}

// Sweep removes expired entries and returns how many were removed.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for k, e := range t.entries {
		if !e.typing || now.Sub(e.at) >= t.window {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}
