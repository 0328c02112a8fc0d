package vm

import (
	"sync"

	"github.com/aejsmith/kiwi/internal/mem"
)

// maxRref is the saturating ceiling on Amap.rref[i] (spec §3 "Anonymous
// map (amap)": "Maximum value is saturating; exceeding it fails
// allocation").
const maxRref = 0xffff

// Amap is a fixed-size table of physical pages sized to the region it
// backs, with per-slot region reference counts (how many regions map
// each slot). The copy-on-write decision does not read these counts:
// resolveCOW uses the physical page's own reference count (spec §3
// "Anonymous map (amap)").
type Amap struct {
	mu       sync.Mutex
	refcnt   int32 // amap lifetime = longest of sharing regions
	pages    []mem.PFN
	present  []bool
	rref     []uint16
	currSize int
}

// NewAmap allocates an amap sized for npages slots (region_size /
// page_size).
func NewAmap(npages int) *Amap {
	return &Amap{
		refcnt:  1,
		pages:   make([]mem.PFN, npages),
		present: make([]bool, npages),
		rref:    make([]uint16, npages),
	}
}

func (a *Amap) Ref()   { a.mu.Lock(); a.refcnt++; a.mu.Unlock() }
func (a *Amap) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pages)
}

// Unref drops the amap's reference count, freeing every remaining
// page once the last region referencing it goes away.
func (a *Amap) Unref(alloc *mem.Allocator) {
	a.mu.Lock()
	a.refcnt--
	dead := a.refcnt == 0
	a.mu.Unlock()
	if !dead {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, present := range a.present {
		if present {
			alloc.Refdown(a.pages[i])
			a.present[i] = false
			a.currSize--
		}
	}
}

// Lookup returns the page at slot i and whether it is present.
func (a *Amap) Lookup(i int) (mem.PFN, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pages[i], a.present[i]
}

// Rref returns the region-reference count for slot i.
func (a *Amap) Rref(i int) uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rref[i]
}

// IncRref bumps the region-reference count for slot i, failing once it
// saturates (spec §3: "Maximum value is saturating; exceeding it fails
// allocation").
func (a *Amap) IncRref(i int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rref[i] >= maxRref {
		return false
	}
	a.rref[i]++
	return true
}

// DecRref drops the region-reference count for slot i.
func (a *Amap) DecRref(i int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rref[i] > 0 {
		a.rref[i]--
	}
}

// Install places page p (already refcounted by the caller on the
// amap's behalf) into slot i, releasing whatever was there.
func (a *Amap) Install(i int, p mem.PFN, alloc *mem.Allocator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.present[i] {
		alloc.Refdown(a.pages[i])
	} else {
		a.currSize++
	}
	a.pages[i] = p
	a.present[i] = true
}

// Clear removes slot i, dropping the allocator reference. Used when a
// region referencing the slot is destroyed and it was the last one
// (Rref reaches zero).
func (a *Amap) Clear(i int, alloc *mem.Allocator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.present[i] {
		alloc.Refdown(a.pages[i])
		a.present[i] = false
		a.currSize--
	}
}

// CurrSize reports the number of non-null slots, for diagnostics.
func (a *Amap) CurrSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currSize
}
