// Package trigger implements the periodic trigger thread: a single timer
// goroutine owning up to five (interval, action) pairs that drive
// checkpoints, compaction, index optimization, and cleanup.
package trigger

import (
	"sync"
	"sync/atomic"
	"time"

	quiver "github.com/quiverdb/quiver"
	"github.com/quiverdb/quiver/storage/background"
	"github.com/quiverdb/quiver/storage/compaction"
	"github.com/quiverdb/quiver/storage/txn"
	"github.com/quiverdb/quiver/storage/wal"
)

// Trigger is an (interval, action) pair fired by the thread. A non-positive
// interval disables the trigger.
type Trigger interface {
	// Interval returns the firing period; non-positive means disabled.
	Interval() time.Duration

	// Due reports whether the trigger wants to fire ahead of schedule.
	// Most triggers return false; the delta checkpoint consults the WAL
	// byte threshold.
	Due() bool

	// Run fires the trigger. Called sequentially on the thread goroutine.
	Run()
}

// CheckpointTrigger fires full or delta catalog checkpoints.
type CheckpointTrigger struct {
	interval time.Duration
	walMgr   *wal.Manager
	tsSource wal.TxnSource
	full     bool
	fired    atomic.Uint64
	logger   *quiver.Logger
}

// NewCheckpointTrigger creates a checkpoint trigger. full selects a full
// checkpoint; otherwise delta.
func NewCheckpointTrigger(interval time.Duration, walMgr *wal.Manager, tsSource wal.TxnSource, full bool, logger *quiver.Logger) *CheckpointTrigger {
	return &CheckpointTrigger{
		interval: interval,
		walMgr:   walMgr,
		tsSource: tsSource,
		full:     full,
		logger:   logger.Or().WithComponent("trigger"),
	}
}

// Interval implements Trigger.
func (t *CheckpointTrigger) Interval() time.Duration { return t.interval }

// Due implements Trigger: a delta checkpoint fires off-schedule when the WAL
// has accumulated past its byte threshold.
func (t *CheckpointTrigger) Due() bool {
	return !t.full && t.walMgr.DeltaCheckpointDue()
}

// Run implements Trigger.
func (t *CheckpointTrigger) Run() {
	ts := t.tsSource.CurrentTs()
	if err := t.walMgr.Checkpoint(t.full, ts); err != nil {
		t.logger.Error("periodic checkpoint failed", "full", t.full, "error", err)
		return
	}
	t.fired.Add(1)
}

// Fired returns how many times the trigger ran.
func (t *CheckpointTrigger) Fired() uint64 { return t.fired.Load() }

// CompactSegmentTrigger fires the compaction scan.
type CompactSegmentTrigger struct {
	interval time.Duration
	proc     *compaction.Processor
}

// NewCompactSegmentTrigger creates a compaction trigger.
func NewCompactSegmentTrigger(interval time.Duration, proc *compaction.Processor) *CompactSegmentTrigger {
	return &CompactSegmentTrigger{interval: interval, proc: proc}
}

// Interval implements Trigger.
func (t *CompactSegmentTrigger) Interval() time.Duration { return t.interval }

// Due implements Trigger.
func (t *CompactSegmentTrigger) Due() bool { return false }

// Run implements Trigger.
func (t *CompactSegmentTrigger) Run() { t.proc.ScanAndCompact() }

// OptimizeIndexTrigger fires the index optimization pass.
type OptimizeIndexTrigger struct {
	interval time.Duration
	proc     *compaction.Processor
}

// NewOptimizeIndexTrigger creates an index optimization trigger.
func NewOptimizeIndexTrigger(interval time.Duration, proc *compaction.Processor) *OptimizeIndexTrigger {
	return &OptimizeIndexTrigger{interval: interval, proc: proc}
}

// Interval implements Trigger.
func (t *OptimizeIndexTrigger) Interval() time.Duration { return t.interval }

// Due implements Trigger.
func (t *OptimizeIndexTrigger) Due() bool { return false }

// Run implements Trigger.
func (t *OptimizeIndexTrigger) Run() { t.proc.SubmitOptimize() }

// CleanupTrigger submits a cleanup task to the background processor.
type CleanupTrigger struct {
	interval time.Duration
	bgProc   *background.Processor
	txnMgr   *txn.Manager
	fired    atomic.Uint64
}

// NewCleanupTrigger creates a cleanup trigger.
func NewCleanupTrigger(interval time.Duration, bgProc *background.Processor, txnMgr *txn.Manager) *CleanupTrigger {
	return &CleanupTrigger{interval: interval, bgProc: bgProc, txnMgr: txnMgr}
}

// Interval implements Trigger.
func (t *CleanupTrigger) Interval() time.Duration { return t.interval }

// Due implements Trigger.
func (t *CleanupTrigger) Due() bool { return false }

// Run implements Trigger.
func (t *CleanupTrigger) Run() {
	t.bgProc.Submit(background.NewCleanupTask(t.txnMgr.CurrentTs()))
	t.fired.Add(1)
}

// Fired returns how many times the trigger ran.
func (t *CleanupTrigger) Fired() uint64 { return t.fired.Load() }

// tick is the thread's poll resolution; armed intervals shorter than this
// still fire on the next tick.
const tick = 100 * time.Millisecond

// Thread is the periodic trigger thread. Install triggers after construction
// and before Start; reinstalling requires a fresh Thread.
type Thread struct {
	// Slots, installed by the supervisor according to the target mode.
	FullCheckpoint  Trigger
	DeltaCheckpoint Trigger
	CompactSegment  Trigger
	OptimizeIndex   Trigger
	Cleanup         Trigger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool

	logger *quiver.Logger
}

// NewThread creates a trigger thread with no triggers installed.
func NewThread(logger *quiver.Logger) *Thread {
	return &Thread{logger: logger.Or().WithComponent("trigger")}
}

func (th *Thread) slots() []Trigger {
	return []Trigger{th.FullCheckpoint, th.DeltaCheckpoint, th.CompactSegment, th.OptimizeIndex, th.Cleanup}
}

// ArmedCount returns the number of installed, enabled triggers.
func (th *Thread) ArmedCount() int {
	n := 0
	for _, t := range th.slots() {
		if t != nil && t.Interval() > 0 {
			n++
		}
	}
	return n
}

// Start spawns the timer goroutine.
func (th *Thread) Start() {
	if th.started.Swap(true) {
		quiver.Unrecoverable("periodic trigger thread started twice")
	}
	th.stopCh = make(chan struct{})
	th.wg.Add(1)
	go th.loop()
	th.logger.Info("periodic trigger thread started", "armed", th.ArmedCount())
}

// Stop joins the timer goroutine. The thread cannot be restarted.
func (th *Thread) Stop() {
	if th.stopped.Swap(true) {
		return
	}
	if th.started.Load() {
		close(th.stopCh)
		th.wg.Wait()
	}
	th.logger.Info("periodic trigger thread stopped")
}

func (th *Thread) loop() {
	defer th.wg.Done()
	lastFired := make([]time.Time, 5)
	start := time.Now()
	for i := range lastFired {
		lastFired[i] = start
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-th.stopCh:
			return
		case now := <-ticker.C:
			for i, t := range th.slots() {
				if t == nil || t.Interval() <= 0 {
					continue
				}
				if now.Sub(lastFired[i]) >= t.Interval() || t.Due() {
					t.Run()
					lastFired[i] = now
				}
			}
		}
	}
}
