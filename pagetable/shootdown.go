package pagetable

import (
	"context"

	"golang.org/x/sync/errgroup"

	"galette/addr"
	"galette/kernlog"
)

// shootdown simulates a TLB invalidation broadcast to every "CPU" after a
// mutating page-table edit at v, grounded in the teacher's
// Vm_t.Tlbshoot/tlb_shootdown pattern: every core must acknowledge the
// invalidation before the edit is considered complete. There is no real
// hardware TLB in a hosted build, but there is a real simulated one (see
// tlb.go): every simulated CPU is asked, concurrently, to drop its cached
// translation for v's page (only the CPU simulatedCPU picks for the page
// can hold one). Skipping this would leave lookupLocked serving a stale
// cached translation for the page the caller just edited.
func (t *NativeTable) shootdown(v addr.VirtAddr) {
	if t.cpus <= 0 {
		return
	}
	g, _ := errgroup.WithContext(context.Background())
	for cpu := 0; cpu < t.cpus; cpu++ {
		cpu := cpu
		g.Go(func() error {
			t.tlbInvalidate(cpu, v)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		kernlog.Warn("tlb shootdown failed", "vaddr", v, "err", err)
	}
}
