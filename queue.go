package moonbot

import "sync"

// defaultQueueBound is the per-channel queue capacity.
const defaultQueueBound = 100

// channelQueue maps a channel session id to its FIFO of task ids, with a
// parallel set marking channels that currently have a task being processed.
// FIFO order within a channel is the scheduling contract: at most one task
// per channel runs at a time, and empty queues are removed eagerly so the
// map does not accumulate dead channels.
type channelQueue struct {
	mu         sync.Mutex
	queues     map[string][]string
	processing map[string]bool
	bound      int
}

func newChannelQueue(bound int) *channelQueue {
	if bound <= 0 {
		bound = defaultQueueBound
	}
	return &channelQueue{
		queues:     make(map[string][]string),
		processing: make(map[string]bool),
		bound:      bound,
	}
}

// Enqueue appends taskID to the channel's FIFO. Returns false when the
// channel is at capacity.
func (q *channelQueue) Enqueue(channel, taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queues[channel]) >= q.bound {
		return false
	}
	q.queues[channel] = append(q.queues[channel], taskID)
	return true
}

// Peek returns the head of the channel's FIFO without removing it.
func (q *channelQueue) Peek(channel string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.queues[channel]
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

// Dequeue removes and returns the head of the channel's FIFO. The channel
// entry is deleted when this empties it.
func (q *channelQueue) Dequeue(channel string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.queues[channel]
	if len(ids) == 0 {
		return "", false
	}
	head := ids[0]
	if len(ids) == 1 {
		delete(q.queues, channel)
	} else {
		q.queues[channel] = ids[1:]
	}
	return head, true
}

// Remove deletes taskID from the channel's FIFO wherever it sits.
// Returns false when the id is not queued.
func (q *channelQueue) Remove(channel, taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.queues[channel]
	for i, id := range ids {
		if id != taskID {
			continue
		}
		ids = append(ids[:i], ids[i+1:]...)
		if len(ids) == 0 {
			delete(q.queues, channel)
		} else {
			q.queues[channel] = ids
		}
		return true
	}
	return false
}

// Len returns the number of queued tasks for the channel.
func (q *channelQueue) Len(channel string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[channel])
}

// MarkProcessing attempts to claim the channel's single processing slot.
// Returns false if the channel is already being processed.
func (q *channelQueue) MarkProcessing(channel string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.processing[channel] {
		return false
	}
	q.processing[channel] = true
	return true
}

// UnmarkProcessing releases the channel's processing slot.
func (q *channelQueue) UnmarkProcessing(channel string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, channel)
}

// Processing reports whether the channel currently holds its processing slot.
func (q *channelQueue) Processing(channel string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing[channel]
}

// Channels returns a snapshot of channel ids with queued tasks.
func (q *channelQueue) Channels() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.queues))
	for ch := range q.queues {
		out = append(out, ch)
	}
	return out
}
