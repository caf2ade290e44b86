package ble

import (
	"log/slog"
	"sync"
	"time"
)

// OpKind is the operation a delay bucket tracks.
type OpKind uint8

const (
	OpConnect OpKind = iota
	OpRead
	OpWrite
	OpAuth
)

func (k OpKind) String() string {
	switch k {
	case OpConnect:
		return "connect"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpAuth:
		return "auth"
	}
	return "unknown"
}

// Backoff constants.
const (
	baseDelay       = 500 * time.Millisecond
	MaxDelay        = 6 * time.Second
	maxExponent     = 3
	decayFactor     = 0.75
	snapToZeroBelow = 100 * time.Millisecond
)

// DelayState is the backoff state for one (address, kind) bucket.
type DelayState struct {
	Delay    time.Duration
	Failures int
}

type delayKey struct {
	address string
	kind    OpKind
}

// DelayTracker holds adaptive backoff per device address and operation kind.
// The delay grows exponentially with consecutive failures, capped at
// MaxDelay, and decays by a quarter on each success. Safe for concurrent use;
// buckets of different devices never interact.
type DelayTracker struct {
	mu     sync.Mutex
	states map[delayKey]*DelayState
}

// NewDelayTracker returns an empty tracker.
func NewDelayTracker() *DelayTracker {
	return &DelayTracker{states: make(map[delayKey]*DelayState)}
}

// Delay returns the current delay for the bucket, zero if none is recorded.
func (t *DelayTracker) Delay(address string, kind OpKind) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[delayKey{address, kind}]; ok {
		return st.Delay
	}
	return 0
}

// State returns a copy of the bucket state.
func (t *DelayTracker) State(address string, kind OpKind) DelayState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[delayKey{address, kind}]; ok {
		return *st
	}
	return DelayState{}
}

// OnFailure records a failure and returns the new delay:
// min(base * 2^min(failures, 3), MaxDelay).
func (t *DelayTracker) OnFailure(address string, kind OpKind) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := delayKey{address, kind}
	st, ok := t.states[key]
	if !ok {
		st = &DelayState{}
		t.states[key] = st
	}
	st.Failures++
	st.Delay = min(baseDelay<<min(st.Failures, maxExponent), MaxDelay)
	slog.Debug("[BLE] increased delay", "addr", address, "op", kind, "delay", st.Delay, "failures", st.Failures)
	return st.Delay
}

// OnSuccess decays the bucket: one failure is forgiven and the delay shrinks
// by a quarter. Once failures reach zero a delay under 100ms snaps to zero.
func (t *DelayTracker) OnSuccess(address string, kind OpKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[delayKey{address, kind}]
	if !ok {
		return
	}
	if st.Failures > 0 {
		st.Failures--
		st.Delay = time.Duration(float64(st.Delay) * decayFactor)
		slog.Debug("[BLE] decayed delay", "addr", address, "op", kind, "delay", st.Delay, "failures", st.Failures)
	}
	if st.Failures == 0 && st.Delay < snapToZeroBelow && st.Delay != 0 {
		st.Delay = 0
		slog.Debug("[BLE] reset delay", "addr", address, "op", kind)
	}
}
