package metrics

import (
	"context"
	"runtime"
	"syscall"
	"time"
)

// Sampler periodically snapshots process health into the Registry's rings
// and Prometheus gauges.
type Sampler struct {
	reg      *Registry
	interval time.Duration

	lastCPU     time.Duration
	lastSampled time.Time
}

// NewSampler constructs a Sampler. interval falls back to
// DefaultSampleInterval when zero.
func NewSampler(reg *Registry, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Sampler{reg: reg, interval: interval}
}

// Run ticks until ctx is canceled, sampling once per tick. The wall-clock
// and CPU-time baseline is taken when Run starts, so the first tick's CPU
// percent and event-loop lag are measured against that baseline.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.lastSampled = time.Now()
	s.lastCPU = cpuTime()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			s.sample(tick)
		}
	}
}

func (s *Sampler) sample(scheduledAt time.Time) {
	now := time.Now()
	wallDelta := now.Sub(s.lastSampled)
	lag := wallDelta - s.interval
	if lag < 0 {
		lag = 0
	}

	cpu := cpuTime()
	cpuDelta := cpu - s.lastCPU
	cpuPercent := 0.0
	if wallDelta > 0 {
		cpuPercent = 100 * float64(cpuDelta) / float64(wallDelta) / float64(runtime.NumCPU())
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	sample := Sample{
		At:             now,
		CPUPercent:     cpuPercent,
		HeapUsedBytes:  mem.HeapAlloc,
		HeapTotalBytes: mem.HeapSys,
		RSSBytes:       mem.Sys,
		UptimeSeconds:  now.Sub(s.reg.startedAt).Seconds(),
		EventLoopLagMS: float64(lag.Milliseconds()),
		Blocked:        lag > BlockedThreshold,
	}

	s.reg.history.add(sample)
	s.reg.cpuPercent.Set(sample.CPUPercent)
	s.reg.heapUsedBytes.Set(float64(sample.HeapUsedBytes))
	s.reg.heapTotalBytes.Set(float64(sample.HeapTotalBytes))
	s.reg.rssBytes.Set(float64(sample.RSSBytes))
	s.reg.uptimeSeconds.Set(sample.UptimeSeconds)
	s.reg.eventLoopLagMS.Set(sample.EventLoopLagMS)
	if sample.Blocked {
		s.reg.blocked.Set(1)
	} else {
		s.reg.blocked.Set(0)
	}

	s.lastSampled = now
	s.lastCPU = cpu
}

// cpuTime returns total process CPU time (user + system) consumed so far.
func cpuTime() time.Duration {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	user := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	sys := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
	return user + sys
}
