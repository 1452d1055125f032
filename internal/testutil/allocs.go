package testutil

import "testing"

// ShouldNotAllocate fails the test if calling f allocates any memory on the
// heap. Used on hot-path packet handling where allocations would show up as
// GC pressure under load.
func ShouldNotAllocate(t *testing.T, f func()) {
	t.Helper()
	if allocs := testing.AllocsPerRun(10, f); allocs > 0 {
		t.Errorf("unexpected allocations: %f", allocs)
	}
}
