package rangeserver

import "sync"

// UpdateBarrier lets maintenance hold off new update batches while the
// batches already in flight drain.
type UpdateBarrier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	blocked  bool
	inFlight int
}

func NewUpdateBarrier() *UpdateBarrier {
	b := &UpdateBarrier{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Enter waits until updates are allowed and registers a writer.
func (b *UpdateBarrier) Enter() {
	b.mu.Lock()
	for b.blocked {
		b.cond.Wait()
	}
	b.inFlight++
	b.mu.Unlock()
}

func (b *UpdateBarrier) Exit() {
	b.mu.Lock()
	b.inFlight--
	if b.inFlight == 0 {
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}

// Block stops new writers and waits for in-flight writers to exit.
// Only one maintenance operation may hold the barrier at a time.
func (b *UpdateBarrier) Block() {
	b.mu.Lock()
	for b.blocked {
		b.cond.Wait()
	}
	b.blocked = true
	for b.inFlight > 0 {
		b.cond.Wait()
	}
	b.mu.Unlock()
}

func (b *UpdateBarrier) Unblock() {
	b.mu.Lock()
	b.blocked = false
	b.cond.Broadcast()
	b.mu.Unlock()
}
