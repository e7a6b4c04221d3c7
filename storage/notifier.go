package storage

import "sync"

// Notifier is a per-queue broadcast used by blocking Receive and GetGroup.
// Waiters grab the queue's current channel before checking eligibility and
// park on it; every commit that adds visibility (enqueue, lock release,
// restored claim) closes the channel, waking all of them at once. Closing
// and replacing the channel is the broadcast; no waiter is ever woken twice
// by the same event.
type Notifier struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{chans: make(map[string]chan struct{})}
}

// WaitChan returns the channel that will be closed on the next notification
// for queue. Callers must obtain it before checking for work, otherwise a
// notification can slip between check and wait.
func (n *Notifier) WaitChan(queue string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch, ok := n.chans[queue]
	if !ok {
		ch = make(chan struct{})
		n.chans[queue] = ch
	}
	return ch
}

// Notify wakes every waiter of the given queues.
func (n *Notifier) Notify(queues ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, q := range queues {
		if ch, ok := n.chans[q]; ok {
			close(ch)
			delete(n.chans, q)
		}
	}
}
