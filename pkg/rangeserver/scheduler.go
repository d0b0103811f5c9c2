package rangeserver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"tabletdb/pkg/dberrors"
	"tabletdb/pkg/listener"
	"tabletdb/pkg/types"
)

type TaskKind uint8

const (
	TaskMinorCompaction TaskKind = iota
	TaskMajorCompaction
	TaskSplit
)

func (k TaskKind) String() string {
	switch k {
	case TaskMinorCompaction:
		return "minor-compaction"
	case TaskMajorCompaction:
		return "major-compaction"
	case TaskSplit:
		return "split"
	}
	return "unknown"
}

// Task is one maintenance operation on one range.
type Task struct {
	Kind   TaskKind
	Table  types.TableIdentifier
	EndRow string
}

// Scheduler sweeps the server's ranges periodically and runs the splits and
// compactions they need, one at a time.
type Scheduler struct {
	server    *Server
	interval  time.Duration
	threshold int64

	queue    chan Task
	listener *listener.Listener[Task]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ listener.Job = (*Scheduler)(nil)

// NewScheduler sweeps every interval. Ranges whose caches hold more than
// memThreshold bytes get a minor compaction.
func NewScheduler(s *Server, interval time.Duration, memThreshold int64) *Scheduler {
	sc := &Scheduler{
		server:    s,
		interval:  interval,
		threshold: memThreshold,
		queue:     make(chan Task, 64),
		cancel:    func() {},
	}
	sc.listener = listener.New("maintenance", sc.queue, sc.run)
	return sc
}

func (sc *Scheduler) Start(ctx context.Context) {
	ctx, sc.cancel = context.WithCancel(ctx)
	sc.listener.Start(ctx)
	if sc.interval <= 0 {
		return
	}
	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()
		tick := time.NewTicker(sc.interval)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				sc.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (sc *Scheduler) Stop() {
	sc.cancel()
	sc.wg.Wait()
	sc.listener.Stop()
}

// Schedule queues t unless the queue is full.
func (sc *Scheduler) Schedule(t Task) bool {
	select {
	case sc.queue <- t:
		return true
	default:
		slog.Debug("maintenance queue full", "task", t.Kind.String(), "table", t.Table.Name, "end_row", t.EndRow)
		return false
	}
}

// Sweep queues a split for every range over its soft limit and a minor
// compaction for every other range over the memory threshold.
func (sc *Scheduler) Sweep() int {
	n := 0
	for _, r := range sc.server.Ranges() {
		t := Task{Table: r.Table(), EndRow: r.Spec().EndRow}
		switch {
		case r.NeedsSplit():
			t.Kind = TaskSplit
		case r.NeedsCompaction(sc.threshold):
			t.Kind = TaskMinorCompaction
		default:
			continue
		}
		if sc.Schedule(t) {
			n++
		}
	}
	return n
}

func (sc *Scheduler) run(t Task) error {
	var err error
	switch t.Kind {
	case TaskSplit:
		err = sc.server.Split(context.Background(), t.Table, t.EndRow)
	case TaskMajorCompaction:
		err = sc.server.Compact(t.Table, t.EndRow, true)
	default:
		err = sc.server.Compact(t.Table, t.EndRow, false)
	}
	if errors.Is(err, dberrors.ErrMaintenanceBusy) {
		slog.Debug("maintenance already running", "task", t.Kind.String(), "table", t.Table.Name, "end_row", t.EndRow)
		return nil
	}
	return errors.Wrapf(err, "%s of %s end row %q", t.Kind, t.Table.Name, t.EndRow)
}
