package syncer

import (
	"runtime"
	"time"
)

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

func (w *Worker) logMemory(iteration int) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	w.logf("memory after %d iterations: heap=%.1fMiB sys=%.1fMiB gc=%d goroutines=%d",
		iteration,
		float64(stats.HeapAlloc)/(1<<20),
		float64(stats.Sys)/(1<<20),
		stats.NumGC,
		runtime.NumGoroutine(),
	)
}
