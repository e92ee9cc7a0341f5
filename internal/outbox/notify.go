package outbox

import "sync"

// EventQueueChanged is the name observers see on the dashboard wire.
const EventQueueChanged = "itsync.queueChanged"

// Notifier fans out queue-changed hints to subscribers.
//
// A notification carries no state: subscribers must re-read the summary.
// Each subscriber channel has a buffer of one, so bursts of mutations
// coalesce into a single pending signal and Notify never blocks.
//
// A nil *Notifier is valid and drops every notification.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]chan struct{}
	next int
}

// NewNotifier creates a Notifier with no subscribers.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan struct{})}
}

// Subscribe registers a subscriber. The returned cancel function
// unregisters it and closes the channel; it is safe to call more than once.
func (n *Notifier) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	if n == nil {
		close(ch)
		return ch, func() {}
	}

	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Notify signals every subscriber at least once.
func (n *Notifier) Notify() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribers returns the current number of subscribers.
func (n *Notifier) Subscribers() int {
	if n == nil {
		return 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
