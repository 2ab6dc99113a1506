package pagetable

import (
	"galette/addr"
	"galette/config"
	"galette/mmu"
)

// cachedTranslation is one simulated-TLB entry: the outcome of a completed
// page-table walk for the 4 KiB page containing a virtual address, cached
// so a later lookup at the same page skips the walk entirely.
type cachedTranslation struct {
	wr   walkResult
	size mmu.PageSize
	e    entry
}

// tlbKey floors v to its containing 4 KiB page: every cached translation
// and every shootdown invalidation is keyed at this granularity, so a
// lookup anywhere inside a page hits the same entry a mapping/unmapping
// of that page invalidates.
func tlbKey(v addr.VirtAddr) addr.VirtAddr {
	return v.AlignDown(config.PageSize)
}

// simulatedCPU picks which of the table's per-CPU caches a page belongs
// to, standing in for the core a real TLB lookup would run on.
func simulatedCPU(v addr.VirtAddr, cpus int) int {
	if cpus <= 0 {
		return 0
	}
	return int((v.Word() / config.PageSize) % uintptr(cpus))
}

func newTLBs(cpus int) []map[addr.VirtAddr]cachedTranslation {
	if cpus <= 0 {
		cpus = 1
	}
	tlbs := make([]map[addr.VirtAddr]cachedTranslation, cpus)
	for i := range tlbs {
		tlbs[i] = make(map[addr.VirtAddr]cachedTranslation)
	}
	return tlbs
}

// tlbLookup consults the simulated per-CPU cache for v's page. Every
// caller already holds t.mu, so no further locking is needed here: a
// shootdown triggered by a concurrent mutation cannot be in flight, since
// shootdown itself runs synchronously inside the mutating call while t.mu
// is still held.
func (t *NativeTable) tlbLookup(v addr.VirtAddr) (cachedTranslation, bool) {
	cpu := simulatedCPU(v, len(t.tlbs))
	c, ok := t.tlbs[cpu][tlbKey(v)]
	return c, ok
}

func (t *NativeTable) tlbStore(v addr.VirtAddr, c cachedTranslation) {
	cpu := simulatedCPU(v, len(t.tlbs))
	t.tlbs[cpu][tlbKey(v)] = c
}

// tlbInvalidate drops cpu's cached translation for v's page, if any. A
// page's translation is only ever stored in the cache simulatedCPU picks
// for it; shootdown nonetheless asks every simulated CPU, concurrently,
// and the caches that do not hold the page are left unchanged.
func (t *NativeTable) tlbInvalidate(cpu int, v addr.VirtAddr) {
	delete(t.tlbs[cpu], tlbKey(v))
}
