package vm

import (
	"sync"

	"github.com/aejsmith/kiwi/internal/defs"
	"github.com/aejsmith/kiwi/internal/mem"
)

// PTE is a simulated page-table-entry: this package's reference
// implementation of the "MMU backend" collaborator spec.md §1 treats
// as external (mmu_context_* in the source this was distilled from).
// A real port swaps MMUContext for one that programs actual hardware
// page tables; every caller in this package only depends on the
// methods below.
type PTE struct {
	Frame   mem.PFN
	Prot    defs.Prot
	Present bool
	COW     bool
	// WasCOW mirrors the teacher's PTE_WASCOW flag. No code in this
	// package sets or reads it; it carries no behavior of its own.
	WasCOW bool
}

// MMUContext is innermost lock in the locking discipline (spec §5:
// "Address-space mutex is the outer lock; amap mutex is inner;
// MMU-context lock is innermost").
type MMUContext struct {
	mu    sync.Mutex
	table map[uintptr]*PTE
}

// NewMMUContext creates an empty page table.
func NewMMUContext() *MMUContext {
	return &MMUContext{table: make(map[uintptr]*PTE)}
}

// Lock/Unlock expose the innermost lock directly to callers that must
// hold it across several MMU operations (the fault handler installs a
// page while holding both the address-space lock and this one).
func (m *MMUContext) Lock()   { m.mu.Lock() }
func (m *MMUContext) Unlock() { m.mu.Unlock() }

// mapLocked installs or replaces the mapping at va. Caller holds m.mu.
func (m *MMUContext) mapLocked(va uintptr, frame mem.PFN, prot defs.Prot, cow bool) *PTE {
	p := &PTE{Frame: frame, Prot: prot, Present: true, COW: cow}
	m.table[va] = p
	return p
}

// Map installs a new mapping, taking the lock itself. Used outside the
// fault path (e.g. kernel eager mapping, §4.3).
func (m *MMUContext) Map(va uintptr, frame mem.PFN, prot defs.Prot, cow bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapLocked(va, frame, prot, cow)
}

// Unmap removes the mapping at va, returning the frame that was
// mapped there, if any.
func (m *MMUContext) Unmap(va uintptr) (mem.PFN, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.table[va]
	if !ok {
		return 0, false
	}
	delete(m.table, va)
	return p.Frame, true
}

// Query returns the current mapping at va without modifying it.
func (m *MMUContext) Query(va uintptr) (PTE, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.table[va]
	if !ok {
		return PTE{}, false
	}
	return *p, true
}

// Protect updates the protection (and COW bit) of an existing
// mapping without touching the backing frame, used for the clone()
// write-protect step (spec §4.1 "Clone").
func (m *MMUContext) Protect(va uintptr, prot defs.Prot, cow bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.table[va]
	if !ok {
		return false
	}
	p.Prot = prot
	p.COW = cow
	return true
}
