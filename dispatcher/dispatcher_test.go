package dispatcher_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-eatguard"
	"github.com/frobware/go-eatguard/dispatcher"
	"github.com/frobware/go-eatguard/guard"
	"github.com/frobware/go-eatguard/logging"
	"github.com/frobware/go-eatguard/procmem"
	"github.com/frobware/go-eatguard/wire"
)

func testLogger() *slog.Logger {
	if os.Getenv("EATGUARD_TEST_LOG") != "" {
		l, _ := logging.New(logging.Options{CLISpec: "trace"})
		return l
	}
	return logging.Discard()
}

// pages is a page table honouring the one-shot guard semantics.
type pages map[uintptr]procmem.Protection

func (p pages) Protect(addr, size uintptr, prot procmem.Protection) (procmem.Protection, error) {
	first := addr &^ (procmem.PageSize - 1)
	prev, ok := p[first]
	if !ok {
		return 0, errors.New("unmapped")
	}
	for a := first; a < addr+size; a += procmem.PageSize {
		p[a] = prot
	}
	return prev, nil
}

type fakeClassifier struct {
	verdict eatguard.Verdict
	err     error
	faults  []*eatguard.CapturedFault
	during  func()
}

func (f *fakeClassifier) ClassifyFault(_ context.Context, fault *eatguard.CapturedFault) (eatguard.Verdict, error) {
	f.faults = append(f.faults, fault)
	if f.during != nil {
		f.during()
	}
	return f.verdict, f.err
}

type report struct {
	ip      uintptr
	verdict eatguard.Verdict
	err     error
}

type fakeReporter struct{ reports []report }

func (r *fakeReporter) Report(ip uintptr, v eatguard.Verdict) {
	r.reports = append(r.reports, report{ip: ip, verdict: v})
}

func (r *fakeReporter) Unclassified(ip uintptr, err error) {
	r.reports = append(r.reports, report{ip: ip, err: err})
}

// cpu executes single reads on one thread and delivers the exceptions
// the hardware and OS would raise.
type cpu struct {
	t       *testing.T
	d       *dispatcher.Dispatcher
	pages   pages
	tid     uint32
	ctx     wire.Context
	handled []dispatcher.Trap
}

func (c *cpu) raise(code uint32, params ...uint64) dispatcher.Disposition {
	rec := wire.ExceptionRecord{ExceptionCode: code, ExceptionAddress: c.ctx.Rip, NumberParameters: uint32(len(params))}
	copy(rec.ExceptionInformation[:], params)
	disp := c.d.Handle(dispatcher.Exception{Record: &rec, Context: &c.ctx, ThreadID: c.tid})
	if disp == dispatcher.ContinueExecution {
		c.handled = append(c.handled, dispatcher.Classify(code))
	}
	return disp
}

// exec runs one instruction at rip that reads addr (0 for none).
func (c *cpu) exec(rip, addr uintptr) {
	c.ctx.Rip = uint64(rip)
	if addr != 0 {
		page := addr &^ (procmem.PageSize - 1)
		if prot, ok := c.pages[page]; ok && prot.IsGuard() {
			c.pages[page] = prot &^ procmem.Guard
			disp := c.raise(wire.StatusGuardPageViolation, 0, uint64(addr))
			require.Equal(c.t, dispatcher.ContinueExecution, disp, "guard trap not claimed")
		}
	}
	// The instruction retires.
	c.ctx.Rip += 4
	if c.ctx.TrapFlagSet() {
		c.raise(wire.StatusSingleStep)
	}
}

type fixture struct {
	guard      *guard.Guard
	pages      pages
	classifier *fakeClassifier
	reporter   *fakeReporter
	dispatcher *dispatcher.Dispatcher
	cpu        *cpu
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		pages:      pages{0x1000: procmem.ReadWrite, 0x2000: procmem.ReadWrite},
		classifier: &fakeClassifier{verdict: eatguard.Verdict{Outcome: eatguard.Succeeded, IsImageOrFileBacked: true}},
		reporter:   &fakeReporter{},
	}
	f.guard = guard.New(eatguard.TableDescriptor{BaseAddress: 0x1000, EntryCount: 4}, f.pages, testLogger())
	f.dispatcher = dispatcher.New(context.Background(), f.guard, f.classifier, f.reporter, testLogger())
	f.cpu = &cpu{t: t, d: f.dispatcher, pages: f.pages, tid: 7, ctx: wire.Context{EFlags: 0x202}}

	prev, err := f.guard.Arm()
	require.NoError(t, err)
	require.Equal(t, procmem.ReadWrite, prev)
	return f
}

func TestClassify(t *testing.T) {
	assert.Equal(t, dispatcher.TrapGuard, dispatcher.Classify(0x80000001))
	assert.Equal(t, dispatcher.TrapSingleStep, dispatcher.Classify(0x80000004))
	assert.Equal(t, dispatcher.TrapOther, dispatcher.Classify(0xC0000005))
	assert.Equal(t, dispatcher.TrapOther, dispatcher.Classify(0x80000003))
}

func TestScenario_SingleRead(t *testing.T) {
	f := newFixture(t)

	f.cpu.exec(0x7ffa00001000, 0x1000)

	assert.Equal(t, []dispatcher.Trap{dispatcher.TrapGuard, dispatcher.TrapSingleStep}, f.cpu.handled)
	require.Len(t, f.classifier.faults, 1)
	assert.Equal(t, uint64(0x7ffa00001000), f.classifier.faults[0].Context.Rip)
	assert.Equal(t, uintptr(0x1000), f.classifier.faults[0].AccessAddress())

	require.Len(t, f.reporter.reports, 1)
	assert.Equal(t, uintptr(0x7ffa00001000), f.reporter.reports[0].ip)
	assert.Equal(t, eatguard.Verdict{Outcome: eatguard.Succeeded, IsImageOrFileBacked: true}, f.reporter.reports[0].verdict)

	// Re-armed over the same range, trap flag cleared.
	assert.Equal(t, guard.TrapProtection, f.pages[0x1000])
	start, end := f.guard.Span()
	assert.Equal(t, uintptr(0x1000), start)
	assert.Equal(t, uintptr(0x1010), end)
	assert.False(t, f.cpu.ctx.TrapFlagSet())
	assert.False(t, f.dispatcher.AwaitingRearm(7))

	// No further single-steps.
	f.cpu.exec(0x7ffa00001004, 0)
	f.cpu.exec(0x7ffa00001008, 0)
	assert.Len(t, f.cpu.handled, 2)

	st := f.dispatcher.Stats()
	assert.Equal(t, uint64(1), st.GuardTraps)
	assert.Equal(t, uint64(1), st.SingleSteps)
	assert.Equal(t, uint64(1), st.Classified)
}

func TestRepeatedReadsEachTrap(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.cpu.exec(0x400000, 0x1008)
	}
	assert.Len(t, f.classifier.faults, 3)
	assert.Len(t, f.cpu.handled, 6)
}

func TestTransportFailureStillSteps(t *testing.T) {
	f := newFixture(t)
	f.classifier.err = errors.New("endpoint unreachable")

	f.cpu.exec(0x400000, 0x1004)

	assert.Equal(t, []dispatcher.Trap{dispatcher.TrapGuard, dispatcher.TrapSingleStep}, f.cpu.handled)
	require.Len(t, f.reporter.reports, 1)
	assert.EqualError(t, f.reporter.reports[0].err, "endpoint unreachable")
	assert.Equal(t, guard.TrapProtection, f.pages[0x1000])
	assert.Equal(t, uint64(1), f.dispatcher.Stats().Unclassified)
}

func TestLiveRecordsRestored(t *testing.T) {
	f := newFixture(t)
	f.cpu.ctx.Rax = 0x1234
	f.classifier.during = func() {
		// The round trip clobbers the live context.
		f.cpu.ctx.Rax = 0xdead
		f.cpu.ctx.Rip = 0xbad
	}

	f.cpu.ctx.Rip = 0x400000
	rec := wire.ExceptionRecord{ExceptionCode: wire.StatusGuardPageViolation, NumberParameters: 2}
	rec.ExceptionInformation[1] = 0x1000
	f.pages[0x1000] = procmem.ReadOnly

	disp := f.dispatcher.Handle(dispatcher.Exception{Record: &rec, Context: &f.cpu.ctx, ThreadID: 7})
	require.Equal(t, dispatcher.ContinueExecution, disp)
	assert.Equal(t, uint64(0x1234), f.cpu.ctx.Rax)
	assert.Equal(t, uint64(0x400000), f.cpu.ctx.Rip)
	assert.True(t, f.cpu.ctx.TrapFlagSet())
	assert.True(t, f.dispatcher.AwaitingRearm(7))
	assert.Equal(t, uint32(wire.StatusGuardPageViolation), rec.ExceptionCode)
}

func TestPassThrough(t *testing.T) {
	f := newFixture(t)

	t.Run("other exception", func(t *testing.T) {
		rec := wire.ExceptionRecord{ExceptionCode: 0xC0000005, NumberParameters: 2}
		rec.ExceptionInformation[1] = 0x1000
		ctx := wire.Context{EFlags: 0x202}
		assert.Equal(t, dispatcher.ContinueSearch, f.dispatcher.Handle(dispatcher.Exception{Record: &rec, Context: &ctx, ThreadID: 1}))
		assert.Equal(t, uint32(0x202), ctx.EFlags)
	})

	t.Run("someone else's guard page", func(t *testing.T) {
		rec := wire.ExceptionRecord{ExceptionCode: wire.StatusGuardPageViolation, NumberParameters: 2}
		rec.ExceptionInformation[1] = 0x5000
		ctx := wire.Context{EFlags: 0x202}
		assert.Equal(t, dispatcher.ContinueSearch, f.dispatcher.Handle(dispatcher.Exception{Record: &rec, Context: &ctx, ThreadID: 1}))
		assert.False(t, ctx.TrapFlagSet())
	})

	t.Run("missing access address", func(t *testing.T) {
		rec := wire.ExceptionRecord{ExceptionCode: wire.StatusGuardPageViolation}
		ctx := wire.Context{}
		assert.Equal(t, dispatcher.ContinueSearch, f.dispatcher.Handle(dispatcher.Exception{Record: &rec, Context: &ctx, ThreadID: 1}))
	})

	t.Run("foreign single-step", func(t *testing.T) {
		rec := wire.ExceptionRecord{ExceptionCode: wire.StatusSingleStep}
		ctx := wire.Context{EFlags: 0x302}
		assert.Equal(t, dispatcher.ContinueSearch, f.dispatcher.Handle(dispatcher.Exception{Record: &rec, Context: &ctx, ThreadID: 99}))
		assert.True(t, ctx.TrapFlagSet())
	})

	t.Run("nil records", func(t *testing.T) {
		assert.Equal(t, dispatcher.ContinueSearch, f.dispatcher.Handle(dispatcher.Exception{}))
	})

	assert.Empty(t, f.classifier.faults)
	assert.Equal(t, uint64(3), f.dispatcher.Stats().PassedThrough)
}

func TestCollateralHit(t *testing.T) {
	f := newFixture(t)

	// Same page as the table, past its end.
	f.cpu.exec(0x400000, 0x1800)

	assert.Empty(t, f.classifier.faults)
	assert.Empty(t, f.reporter.reports)
	assert.Equal(t, []dispatcher.Trap{dispatcher.TrapGuard, dispatcher.TrapSingleStep}, f.cpu.handled)
	assert.Equal(t, guard.TrapProtection, f.pages[0x1000])
	assert.Equal(t, uint64(1), f.dispatcher.Stats().Collateral)
}

func TestSingleStepIsPerThread(t *testing.T) {
	f := newFixture(t)
	rec := wire.ExceptionRecord{ExceptionCode: wire.StatusGuardPageViolation, NumberParameters: 2}
	rec.ExceptionInformation[1] = 0x1000
	ctxA := wire.Context{EFlags: 0x202}
	require.Equal(t, dispatcher.ContinueExecution, f.dispatcher.Handle(dispatcher.Exception{Record: &rec, Context: &ctxA, ThreadID: 1}))

	step := wire.ExceptionRecord{ExceptionCode: wire.StatusSingleStep}
	ctxB := wire.Context{EFlags: 0x302}
	assert.Equal(t, dispatcher.ContinueSearch, f.dispatcher.Handle(dispatcher.Exception{Record: &step, Context: &ctxB, ThreadID: 2}))
	assert.Equal(t, dispatcher.ContinueExecution, f.dispatcher.Handle(dispatcher.Exception{Record: &step, Context: &ctxA, ThreadID: 1}))
	assert.False(t, ctxA.TrapFlagSet())
}

func TestAbandonedCapture(t *testing.T) {
	f := newFixture(t)
	restore := dispatcher.SetAllocFault(func() *eatguard.CapturedFault { panic("out of memory") })
	defer restore()

	rec := wire.ExceptionRecord{ExceptionCode: wire.StatusGuardPageViolation, NumberParameters: 2}
	rec.ExceptionInformation[1] = 0x1000
	ctx := wire.Context{EFlags: 0x202}

	disp := f.dispatcher.Handle(dispatcher.Exception{Record: &rec, Context: &ctx, ThreadID: 3})
	assert.Equal(t, dispatcher.ContinueExecution, disp)
	assert.False(t, ctx.TrapFlagSet())
	assert.False(t, f.dispatcher.AwaitingRearm(3))
	assert.Empty(t, f.classifier.faults)
	assert.Equal(t, uint64(1), f.dispatcher.Stats().AbandonedFaults)
}

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{CLISpec: "info", Output: &buf})
	require.NoError(t, err)
	r := dispatcher.LogReporter{Logger: logger}

	r.Report(0x20000010, eatguard.Verdict{Outcome: eatguard.Succeeded, IsExecutableAndWritable: true})
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "suspicious table read")
	assert.Contains(t, buf.String(), "rip=0x20000010")

	buf.Reset()
	r.Report(0x7ffa00001000, eatguard.Verdict{Outcome: eatguard.Succeeded, IsImageOrFileBacked: true})
	assert.Contains(t, buf.String(), "level=INFO")

	buf.Reset()
	dispatcher.Reporters{r, r}.Unclassified(0x1, errors.New("boom"))
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("not classified")))
}
