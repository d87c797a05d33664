package storage

import "fmt"

// Mode is the supervisor's top-level state.
type Mode int

const (
	// ModeUnInitialized is the initial and final state; no managers exist.
	ModeUnInitialized Mode = iota
	// ModeAdmin is maintenance mode: only the WAL manager is live.
	ModeAdmin
	// ModeReadable is replica mode: read-only, no compaction.
	ModeReadable
	// ModeWritable is primary mode: full transactional writes, compaction,
	// and checkpoints.
	ModeWritable
)

func (m Mode) String() string {
	switch m {
	case ModeUnInitialized:
		return "uninitialized"
	case ModeAdmin:
		return "admin"
	case ModeReadable:
		return "readable"
	case ModeWritable:
		return "writable"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// ReaderInitPhase tracks the split bring-up of a replica.
type ReaderInitPhase int

const (
	// PhaseNone means no replica bring-up is in progress.
	PhaseNone ReaderInitPhase = iota
	// Phase1 means the mode is set and the replica awaits its log stream.
	Phase1
	// Phase2 means the log is caught up and the transaction manager is up.
	Phase2
)

func (p ReaderInitPhase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case Phase1:
		return "phase1"
	case Phase2:
		return "phase2"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// legalTransitions is the data-driven transition table. Entries absent from
// the map are programming errors; requesting one is fatal. The diagonal is
// handled separately: a same-target request is a warning no-op.
var legalTransitions = map[Mode][]Mode{
	ModeUnInitialized: {ModeAdmin},
	ModeAdmin:         {ModeUnInitialized, ModeReadable, ModeWritable},
	ModeReadable:      {ModeUnInitialized, ModeAdmin, ModeWritable},
	ModeWritable:      {ModeUnInitialized, ModeAdmin, ModeReadable},
}

func transitionLegal(from, to Mode) bool {
	for _, m := range legalTransitions[from] {
		if m == to {
			return true
		}
	}
	return false
}
