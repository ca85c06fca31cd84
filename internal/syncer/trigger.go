package syncer

import "sync"

// trigger is a coalescing wake-up signal for the Run loop.
//
// The channel has a buffer of 1, so any number of notifications between two
// drains produce exactly one follow-up drain. The reasons are kept for
// logging.
type trigger struct {
	mu      sync.Mutex
	reasons []string
	signal  chan struct{}
}

func newTrigger() *trigger {
	return &trigger{signal: make(chan struct{}, 1)}
}

// notify records reason and wakes the loop without blocking.
func (t *trigger) notify(reason string) {
	t.mu.Lock()
	if len(t.reasons) < 8 {
		t.reasons = append(t.reasons, reason)
	}
	t.mu.Unlock()

	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// wait returns the channel that fires when a drain has been requested.
func (t *trigger) wait() <-chan struct{} {
	return t.signal
}

// take returns and clears the reasons collected since the last take.
func (t *trigger) take() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.reasons
	t.reasons = nil
	return r
}
