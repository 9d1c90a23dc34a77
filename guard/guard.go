// Package guard arms a one-shot read trap over an export address table.
//
// The table is protected PAGE_READONLY|PAGE_GUARD. The first access
// raises a guard page violation and the OS drops the guard for that
// access; the dispatcher re-arms once the access has retired.
//
// Detection gap: the guard covers the whole table with a single
// protection state. Between a trap and its re-arm the table is
// unguarded, so reads by other threads in that window are not observed.
// Locking the table would stall legitimate resolvers, so the window is
// accepted.
package guard

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/frobware/go-eatguard"
	"github.com/frobware/go-eatguard/logging"
	"github.com/frobware/go-eatguard/procmem"
)

// TrapProtection is the protection applied by Arm.
const TrapProtection = procmem.ReadOnly | procmem.Guard

// Protector changes page protections in the current process.
type Protector interface {
	// Protect applies prot to [addr, addr+size) and returns the
	// protection of the first page before the change.
	Protect(addr, size uintptr, prot procmem.Protection) (procmem.Protection, error)
}

// ErrStopped is returned by Arm and Swap once Disarm has been called.
var ErrStopped = errors.New("guard stopped")

// Guard holds the shared descriptor of one monitored table.
//
// Disarm is terminal. A single-step still in flight when the guard is
// disarmed must not put the trap back, since the handler that would
// catch it may already be gone.
type Guard struct {
	desc      atomic.Pointer[eatguard.TableDescriptor]
	protector Protector
	logger    *slog.Logger

	// mu serialises every protection change.
	mu       sync.Mutex
	original procmem.Protection
	armed    bool
	stopped  bool
}

// New returns a Guard over desc. Nothing is protected until Arm.
func New(desc eatguard.TableDescriptor, protector Protector, logger *slog.Logger) *Guard {
	g := &Guard{protector: protector, logger: logging.For(logger, logging.ComponentGuard)}
	g.desc.Store(&desc)
	return g
}

// Descriptor returns the current descriptor.
func (g *Guard) Descriptor() eatguard.TableDescriptor {
	return *g.desc.Load()
}

// Swap moves the guard to desc and returns the old descriptor. An armed
// guard restores the old table and arms the new one; if arming the new
// table fails the guard is left on desc, disarmed.
func (g *Guard) Swap(desc eatguard.TableDescriptor) (eatguard.TableDescriptor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return g.Descriptor(), ErrStopped
	}

	wasArmed := g.armed
	if wasArmed {
		if err := g.restoreLocked(); err != nil {
			return g.Descriptor(), err
		}
	}
	old := *g.desc.Swap(&desc)
	if wasArmed {
		if _, err := g.armLocked(); err != nil {
			return old, err
		}
	}
	g.logger.Debug("descriptor swapped", "old", old.String(), "new", desc.String(), "armed", g.armed)
	return old, nil
}

// Span returns the protected byte range [start, end).
func (g *Guard) Span() (start, end uintptr) {
	d := g.desc.Load()
	return d.BaseAddress, d.End()
}

// Covers reports whether addr lies inside the table.
func (g *Guard) Covers(addr uintptr) bool {
	return g.desc.Load().Contains(addr)
}

// CoversPage reports whether addr lies on a page the guard protects.
// Accesses to the rest of such a page trap too.
func (g *Guard) CoversPage(addr uintptr) bool {
	d := g.desc.Load()
	if d.EntryCount == 0 {
		return false
	}
	first := d.BaseAddress &^ (procmem.PageSize - 1)
	last := (d.End() - 1) &^ (procmem.PageSize - 1)
	return addr >= first && addr < last+procmem.PageSize
}

// Arm applies the trap and returns the previous protection. Arming an
// armed guard reapplies the trap over the same range. A disarmed guard
// cannot be armed again.
func (g *Guard) Arm() (procmem.Protection, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return 0, ErrStopped
	}
	return g.armLocked()
}

func (g *Guard) armLocked() (procmem.Protection, error) {
	d := g.desc.Load()
	if d.EntryCount == 0 || d.BaseAddress == 0 {
		return 0, fmt.Errorf("%w: empty table %s", eatguard.ErrProtect, d)
	}
	prev, err := g.protector.Protect(d.BaseAddress, d.Size(), TrapProtection)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", eatguard.ErrProtect, d, err)
	}
	if !g.armed {
		g.original = prev.Base()
		g.armed = true
	}
	return prev, nil
}

// Rearm is Arm for the single-step path, which has nowhere to return an
// error to. Failures are logged. After Disarm it does nothing.
func (g *Guard) Rearm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		g.logger.Debug("re-arm skipped, guard stopped")
		return
	}
	if _, err := g.armLocked(); err != nil {
		g.logger.Warn("re-arm failed", "error", err)
	}
}

// Disarm restores the protection recorded by the first Arm and stops
// the guard for good. A failed restore can be retried.
func (g *Guard) Disarm() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	if !g.armed {
		return nil
	}
	return g.restoreLocked()
}

func (g *Guard) restoreLocked() error {
	d := g.desc.Load()
	if _, err := g.protector.Protect(d.BaseAddress, d.Size(), g.original); err != nil {
		return fmt.Errorf("%w: restore %s: %w", eatguard.ErrProtect, g.original, err)
	}
	g.armed = false
	return nil
}

// Armed reports whether Arm has succeeded since the last Disarm.
func (g *Guard) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.armed
}
