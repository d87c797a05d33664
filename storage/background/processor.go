// Package background implements the single-threaded processor for
// catalog-affecting deferred work: cleanup sweeps and forced checkpoints.
// Tasks are submitted from the supervisor and the periodic triggers; each
// task carries a promise the submitter can wait on.
package background

import (
	"sync"
	"sync/atomic"

	quiver "github.com/quiverdb/quiver"
	"github.com/quiverdb/quiver/storage/catalog"
	"github.com/quiverdb/quiver/storage/txn"
	"github.com/quiverdb/quiver/storage/wal"
)

// Task is a unit of deferred background work.
type Task interface {
	// Run executes the task on the processor goroutine.
	Run(p *Processor) error

	// complete resolves the task's promise.
	complete(err error)
}

// baseTask carries the promise shared by all task types.
type baseTask struct {
	done chan struct{}
	err  error
	once sync.Once
}

func newBaseTask() baseTask {
	return baseTask{done: make(chan struct{})}
}

func (t *baseTask) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Wait blocks until the task ran (or the processor stopped) and returns the
// task's error.
func (t *baseTask) Wait() error {
	<-t.done
	return t.err
}

// ForceCheckpointTask takes a synchronous catalog checkpoint bound to a
// transaction. The supervisor submits one during writable bring-up and waits
// on it before starting the periodic trigger thread.
type ForceCheckpointTask struct {
	baseTask
	Txn  *txn.Txn
	Full bool
	Ts   uint64
}

// NewForceCheckpointTask creates a force-checkpoint task.
func NewForceCheckpointTask(t *txn.Txn, full bool, ts uint64) *ForceCheckpointTask {
	return &ForceCheckpointTask{baseTask: newBaseTask(), Txn: t, Full: full, Ts: ts}
}

// Run implements Task.
func (t *ForceCheckpointTask) Run(p *Processor) error {
	return p.walMgr.Checkpoint(t.Full, t.Ts)
}

// CleanupTask takes the catalog's pending-cleanup segment set and counts the
// segments in it; it deletes no files. Submitted by the cleanup trigger; also
// usable directly in tests.
type CleanupTask struct {
	baseTask
	VisibleTs uint64
}

// NewCleanupTask creates a cleanup task.
func NewCleanupTask(visibleTs uint64) *CleanupTask {
	return &CleanupTask{baseTask: newBaseTask(), VisibleTs: visibleTs}
}

// Run implements Task.
func (t *CleanupTask) Run(p *Processor) error {
	dropped := p.cat.TakeDroppedSegments()
	if dropped.IsEmpty() {
		return nil
	}
	p.cleaned.Add(uint64(dropped.GetCardinality()))
	p.logger.Info("cleanup swept segments",
		"count", dropped.GetCardinality(),
		"visible_ts", t.VisibleTs)
	return nil
}

// Processor is the single-consumer queue of background tasks.
type Processor struct {
	walMgr *wal.Manager
	cat    *catalog.Catalog

	taskCh  chan Task
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool

	cleaned atomic.Uint64

	logger *quiver.Logger
}

// NewProcessor creates a processor bound to the WAL manager and catalog.
func NewProcessor(walMgr *wal.Manager, cat *catalog.Catalog, logger *quiver.Logger) *Processor {
	return &Processor{
		walMgr: walMgr,
		cat:    cat,
		taskCh: make(chan Task, 128),
		stopCh: make(chan struct{}),
		logger: logger.Or().WithComponent("bg"),
	}
}

// Submit enqueues a task. Safe before Start: tasks queue until the worker
// drains them.
func (p *Processor) Submit(t Task) {
	if p.stopped.Load() {
		t.complete(quiver.NewStatus(quiver.CodeInvalidMode, "background processor is stopped"))
		return
	}
	select {
	case p.taskCh <- t:
	case <-p.stopCh:
		t.complete(quiver.NewStatus(quiver.CodeInvalidMode, "background processor is stopping"))
	}
}

// Start spawns the worker goroutine.
func (p *Processor) Start() {
	if p.started.Swap(true) {
		quiver.Unrecoverable("background processor started twice")
	}
	p.wg.Add(1)
	go p.loop()
	p.logger.Info("background processor started")
}

// Stop drains queued tasks and joins the worker.
func (p *Processor) Stop() {
	if p.stopped.Swap(true) {
		return
	}
	close(p.stopCh)
	if p.started.Load() {
		p.wg.Wait()
	}
	// Resolve anything still queued so waiters do not hang.
	for {
		select {
		case t := <-p.taskCh:
			t.complete(quiver.NewStatus(quiver.CodeInvalidMode, "background processor stopped"))
		default:
			p.logger.Info("background processor stopped", "cleaned_segments", p.cleaned.Load())
			return
		}
	}
}

// CleanedSegments returns the number of segments swept since construction.
func (p *Processor) CleanedSegments() uint64 { return p.cleaned.Load() }

func (p *Processor) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			// Drain what is already queued before exiting.
			for {
				select {
				case t := <-p.taskCh:
					t.complete(t.Run(p))
				default:
					return
				}
			}
		case t := <-p.taskCh:
			t.complete(t.Run(p))
		}
	}
}
