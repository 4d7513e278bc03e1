package monitor

import (
	"math"
	"sync"

	"github.com/dnx-rtos/dnxcore/kernel"
)

// window names the four standard CPU-load averaging horizons.
type window int

const (
	window1s window = iota
	window1m
	window5m
	window15m
	numWindows
)

var windowSeconds = [numWindows]float64{1, 60, 300, 900}

// cpuSampler maintains one exponentially weighted moving average per
// task per window, updated on every scheduler tick the way a
// Unix-style loadavg decays a running sum: each tick is one sample of
// "was this task running", smoothed with a decay constant derived
// from the window length and the scheduler's tick period.
type cpuSampler struct {
	sched *kernel.Scheduler

	mu    sync.RWMutex
	decay [numWindows]float64
	avg   map[kernel.TaskID]*[numWindows]float64
}

func newCPUSampler(sched *kernel.Scheduler) *cpuSampler {
	c := &cpuSampler{sched: sched, avg: make(map[kernel.TaskID]*[numWindows]float64)}
	tick := sched.TickPeriod().Seconds()
	if tick <= 0 {
		tick = 0.001
	}
	for w := window(0); w < numWindows; w++ {
		// decay such that a constant occupancy of 1 converges within
		// windowSeconds[w]: alpha = 1 - exp(-tick/window).
		c.decay[w] = math.Exp(-tick / windowSeconds[w])
	}
	return c
}

func (c *cpuSampler) registerTask(id kernel.TaskID) {
	c.mu.Lock()
	c.avg[id] = &[numWindows]float64{}
	c.mu.Unlock()
}

func (c *cpuSampler) unregisterTask(id kernel.TaskID) {
	c.mu.Lock()
	delete(c.avg, id)
	c.mu.Unlock()
}

// sample is registered as a kernel.Scheduler tick callback: it charges
// one occupancy sample (1.0) to the running task and 0.0 to every
// other known task.
func (c *cpuSampler) sample(running kernel.TaskID, tick uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, avgs := range c.avg {
		occ := 0.0
		if id == running {
			occ = 1.0
		}
		for w := window(0); w < numWindows; w++ {
			d := c.decay[w]
			avgs[w] = avgs[w]*d + occ*(1-d)
		}
	}
}

func (c *cpuSampler) load(id kernel.TaskID) (load1s, load1m, load5m, load15m float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	avgs, ok := c.avg[id]
	if !ok {
		return 0, 0, 0, 0
	}
	return avgs[window1s], avgs[window1m], avgs[window5m], avgs[window15m]
}
