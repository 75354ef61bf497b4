package matrix

import "sync"

// senderQueue runs messages from the same sender one at a time, in arrival
// order, with one worker goroutine per busy sender. Messages for which
// bypass returns true run at once on their own goroutine, so a "pause" can
// reach an action that an earlier message started.
type senderQueue struct {
	bypass func(body string) bool
	wg     *sync.WaitGroup

	mu      sync.Mutex
	waiting map[string][]func()
}

func newSenderQueue(wg *sync.WaitGroup) *senderQueue {
	return &senderQueue{wg: wg, waiting: make(map[string][]func())}
}

func (q *senderQueue) setBypass(fn func(body string) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bypass = fn
}

// submit schedules run for msg.
func (q *senderQueue) submit(msg Message, run func()) {
	q.mu.Lock()
	if q.bypass != nil && q.bypass(msg.Body) {
		q.mu.Unlock()
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			run()
		}()
		return
	}
	jobs, busy := q.waiting[msg.Sender]
	q.waiting[msg.Sender] = append(jobs, run)
	if busy {
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()
	go q.drain(msg.Sender)
}

// drain runs the sender's jobs until the queue is empty, then forgets the
// sender. A sender present in waiting always has a live worker.
func (q *senderQueue) drain(sender string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		jobs := q.waiting[sender]
		if len(jobs) == 0 {
			delete(q.waiting, sender)
			q.mu.Unlock()
			return
		}
		next := jobs[0]
		q.waiting[sender] = jobs[1:]
		q.mu.Unlock()
		next()
	}
}
