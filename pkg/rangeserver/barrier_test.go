package rangeserver

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestUpdateBarrier_BlockWaitsForWriters(t *testing.T) {
	b := NewUpdateBarrier()
	b.Enter()

	var blocked atomic.Bool
	done := make(chan struct{})
	go func() {
		b.Block()
		blocked.Store(true)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if blocked.Load() {
		t.Fatal("Block returned while a writer was in flight")
	}
	b.Exit()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Block did not return after the writer exited")
	}

	entered := make(chan struct{})
	go func() {
		b.Enter()
		close(entered)
	}()
	select {
	case <-entered:
		t.Fatal("writer entered a blocked barrier")
	case <-time.After(20 * time.Millisecond):
	}
	b.Unblock()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("writer still waiting after Unblock")
	}
	b.Exit()
}

func TestTimestampTracker(t *testing.T) {
	tr := NewTimestampTracker()
	if _, ok := tr.Oldest(); ok {
		t.Fatal("empty tracker reported an oldest timestamp")
	}
	a := tr.Add(300)
	b := tr.Add(100)
	tr.Add(200)
	if ts, ok := tr.Oldest(); !ok || ts != 100 {
		t.Fatalf("oldest = %d, %v", ts, ok)
	}
	tr.Remove(b)
	tr.Remove(a)
	if ts, _ := tr.Oldest(); ts != 200 || tr.Len() != 1 {
		t.Fatalf("oldest = %d len = %d", ts, tr.Len())
	}
}
