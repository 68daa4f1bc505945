package resilience

import "math/rand"

// randFloat is a seam for deterministic jitter in tests.
var randFloat = func() float64 { return rand.Float64() }
