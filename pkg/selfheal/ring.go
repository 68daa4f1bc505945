package selfheal

import (
	"fmt"
	"runtime"
	"sync"
)

type actionRing struct {
	mu   sync.Mutex
	buf  []Action
	pos  int
	size int
	full bool
}

func newActionRing(size int) *actionRing {
	return &actionRing{buf: make([]Action, size), size: size}
}

func (r *actionRing) add(a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.pos] = a
	r.pos = (r.pos + 1) % r.size
	if r.pos == 0 {
		r.full = true
	}
}

func (r *actionRing) all() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Action, r.pos)
		copy(out, r.buf[:r.pos])
		return out
	}
	out := make([]Action, r.size)
	copy(out, r.buf[r.pos:])
	copy(out[r.size-r.pos:], r.buf[:r.pos])
	return out
}

func currentHeapAlloc() uint64 {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return mem.HeapAlloc
}

func formatFreed(bytes uint64) string {
	return fmt.Sprintf("freed %d bytes", bytes)
}
