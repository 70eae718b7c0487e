package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/notepipe/internal/note"
)

// DefaultWorkers is the number of notes processed concurrently.
const DefaultWorkers = 2

// PoolStats counts finished items.
type PoolStats struct {
	Persisted int64
	Failed    int64
	Cancelled int64
}

// Pool processes work items from a channel with bounded concurrency.
// Stages within one note run sequentially; distinct notes run in parallel.
type Pool struct {
	machine *Machine
	workers int
	logger  *slog.Logger

	persisted atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

// NewPool creates a Pool. workers <= 0 uses DefaultWorkers.
func NewPool(m *Machine, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{machine: m, workers: workers, logger: logger}
}

// Run consumes items until the channel is closed or ctx is cancelled, then
// waits for in-flight items. Receiving blocks while all workers are busy,
// which pushes back on the producer.
func (p *Pool) Run(ctx context.Context, items <-chan note.WorkItem) error {
	var g errgroup.Group
	g.SetLimit(p.workers)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case w, ok := <-items:
			if !ok {
				break loop
			}
			g.Go(func() error {
				p.handle(ctx, NewItem(w))
				return nil
			})
		}
	}
	return g.Wait()
}

// Submit processes a prepared item synchronously on the caller's goroutine.
func (p *Pool) Submit(ctx context.Context, it *Item) (note.Record, error) {
	return p.handle(ctx, it)
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Persisted: p.persisted.Load(),
		Failed:    p.failed.Load(),
		Cancelled: p.cancelled.Load(),
	}
}

// handle isolates a single item: a panic is recorded as a FAILED note and
// does not take down the pool.
func (p *Pool) handle(ctx context.Context, it *Item) (rec note.Record, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		p.logger.Error("panic while processing note", "note_id", it.NoteID, "panic", r, "stack", string(debug.Stack()))
		it.Status = note.StatusFailed
		it.LastFailure = newFailure(it.Status, ReasonInternal, false, fmt.Errorf("panic: %v", r))
		rec, err = p.machine.recordFailure(ctx, it)
		p.failed.Add(1)
	}()

	p.logger.Info("processing note", "note_id", it.NoteID, "source", it.SourcePath)
	rec, err = p.machine.Process(ctx, it)
	switch {
	case err != nil && ctx.Err() != nil:
		p.cancelled.Add(1)
		p.logger.Info("note processing cancelled", "note_id", it.NoteID)
	case err != nil:
		p.failed.Add(1)
		p.logger.Error("note processing failed", "note_id", it.NoteID, "error", err)
	case rec.Status == note.StatusPersisted:
		p.persisted.Add(1)
	default:
		p.failed.Add(1)
	}
	return rec, err
}
