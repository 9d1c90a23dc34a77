// Package dispatcher implements the two-phase trap state machine.
//
// A guard page violation inside the table captures the fault, has it
// classified, restores the live records, sets the trap flag and resumes
// so the read retires. The single-step trap that follows re-arms the
// guard. Everything else passes through to the next handler.
//
// A thread awaiting re-arm is tracked by thread ID so single-steps set
// by debuggers are not swallowed.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/frobware/go-eatguard"
	"github.com/frobware/go-eatguard/logging"
	"github.com/frobware/go-eatguard/wire"
)

// Trap is the kind of exception the dispatcher distinguishes.
type Trap int

const (
	TrapOther Trap = iota
	TrapGuard
	TrapSingleStep
)

func (t Trap) String() string {
	switch t {
	case TrapGuard:
		return "guard"
	case TrapSingleStep:
		return "single-step"
	default:
		return "other"
	}
}

// Classify maps an exception code to a Trap.
func Classify(code uint32) Trap {
	switch code {
	case wire.StatusGuardPageViolation:
		return TrapGuard
	case wire.StatusSingleStep:
		return TrapSingleStep
	default:
		return TrapOther
	}
}

// Disposition tells the OS what to do after a handler returns. The
// values are EXCEPTION_CONTINUE_EXECUTION and EXCEPTION_CONTINUE_SEARCH.
type Disposition int32

const (
	ContinueSearch    Disposition = 0
	ContinueExecution Disposition = -1
)

func (d Disposition) String() string {
	if d == ContinueExecution {
		return "continue-execution"
	}
	return "continue-search"
}

// Exception is one exception as delivered to a vectored handler. Record
// and Context point at the live structures the OS resumes from.
type Exception struct {
	Record   *wire.ExceptionRecord
	Context  *wire.Context
	ThreadID uint32
}

// Guard is the trap the dispatcher services.
type Guard interface {
	// Covers reports whether addr is inside the monitored table.
	Covers(addr uintptr) bool
	// CoversPage reports whether addr is on a page the guard protects.
	CoversPage(addr uintptr) bool
	// Rearm reapplies the trap.
	Rearm()
}

// FaultClassifier sends a captured fault to the privileged side.
type FaultClassifier interface {
	ClassifyFault(ctx context.Context, fault *eatguard.CapturedFault) (eatguard.Verdict, error)
}

// Reporter receives the outcome of every classified fault.
type Reporter interface {
	Report(ip uintptr, v eatguard.Verdict)
	Unclassified(ip uintptr, err error)
}

// Stats counts what the dispatcher has seen.
type Stats struct {
	GuardTraps      uint64
	Collateral      uint64
	SingleSteps     uint64
	PassedThrough   uint64
	Classified      uint64
	Unclassified    uint64
	AbandonedFaults uint64
}

type counters struct {
	guardTraps, collateral, singleSteps, passedThrough atomic.Uint64
	classified, unclassified, abandoned                atomic.Uint64
}

// Dispatcher handles guard and single-step traps for one table.
type Dispatcher struct {
	ctx        context.Context
	guard      Guard
	classifier FaultClassifier
	reporter   Reporter
	logger     *slog.Logger

	pending sync.Map // thread ID -> struct{}
	stats   counters
}

// New returns a Dispatcher. ctx bounds every classification round trip.
func New(ctx context.Context, g Guard, c FaultClassifier, r Reporter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		ctx:        ctx,
		guard:      g,
		classifier: c,
		reporter:   r,
		logger:     logging.For(logger, logging.ComponentDispatcher),
	}
}

// Handle services one exception and says whether it was claimed.
func (d *Dispatcher) Handle(e Exception) Disposition {
	if e.Record == nil || e.Context == nil {
		return ContinueSearch
	}
	switch Classify(e.Record.ExceptionCode) {
	case TrapGuard:
		return d.onGuard(e)
	case TrapSingleStep:
		return d.onSingleStep(e)
	default:
		return ContinueSearch
	}
}

func (d *Dispatcher) onGuard(e Exception) Disposition {
	addr, ok := e.Record.AccessAddress()
	if !ok || !d.guard.CoversPage(addr) {
		d.stats.passedThrough.Add(1)
		return ContinueSearch
	}
	d.stats.guardTraps.Add(1)

	if !d.guard.Covers(addr) {
		// Same page, not the table. Only re-arm.
		d.stats.collateral.Add(1)
		d.logger.Log(d.ctx, logging.LevelTrace.ToSlog(), "collateral guard hit", "addr", hex(addr), "tid", e.ThreadID)
		d.stepOnce(e)
		return ContinueExecution
	}

	fault, ok := capture(e)
	if !ok {
		d.stats.abandoned.Add(1)
		return ContinueExecution
	}

	ip := fault.InstructionPointer()
	d.logger.Log(d.ctx, logging.LevelTrace.ToSlog(), "table read trapped", "addr", hex(addr), "rip", hex(ip), "tid", e.ThreadID)

	verdict, err := d.classifier.ClassifyFault(d.ctx, fault)
	if err != nil {
		d.stats.unclassified.Add(1)
		d.reporter.Unclassified(ip, err)
	} else {
		d.stats.classified.Add(1)
		d.reporter.Report(ip, verdict)
	}

	// The round trip ran on this thread's stack; resume from the snapshot.
	*e.Record = fault.Record
	*e.Context = fault.Context
	d.stepOnce(e)
	return ContinueExecution
}

func (d *Dispatcher) onSingleStep(e Exception) Disposition {
	if _, ok := d.pending.LoadAndDelete(e.ThreadID); !ok {
		d.stats.passedThrough.Add(1)
		return ContinueSearch
	}
	d.stats.singleSteps.Add(1)
	d.guard.Rearm()
	e.Context.ClearTrapFlag()
	return ContinueExecution
}

func (d *Dispatcher) stepOnce(e Exception) {
	e.Context.SetTrapFlag()
	d.pending.Store(e.ThreadID, struct{}{})
}

// allocFault allocates the per-fault snapshot.
var allocFault = func() *eatguard.CapturedFault {
	return new(eatguard.CapturedFault)
}

// capture snapshots the live records into a fresh allocation. A panic
// abandons the fault.
func capture(e Exception) (fault *eatguard.CapturedFault, ok bool) {
	defer func() {
		if recover() != nil {
			fault, ok = nil, false
		}
	}()
	fault = allocFault()
	fault.Record = *e.Record
	fault.Context = *e.Context
	return fault, true
}

// AwaitingRearm reports whether tid has a single-step outstanding.
func (d *Dispatcher) AwaitingRearm(tid uint32) bool {
	_, ok := d.pending.Load(tid)
	return ok
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		GuardTraps:      d.stats.guardTraps.Load(),
		Collateral:      d.stats.collateral.Load(),
		SingleSteps:     d.stats.singleSteps.Load(),
		PassedThrough:   d.stats.passedThrough.Load(),
		Classified:      d.stats.classified.Load(),
		Unclassified:    d.stats.unclassified.Load(),
		AbandonedFaults: d.stats.abandoned.Load(),
	}
}

func hex(v uintptr) string { return fmt.Sprintf("%#x", v) }
