package store

import (
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
)

// Memory pressure thresholds as fractions of the configured budget.
const (
	pressureSingleEvict = 0.70
	pressureEvictAll    = 0.90
)

// Monitor watches resident memory against the configured budget and evicts
// projects under pressure: one LRU eviction at 70%, everything but the MRU
// at 90%.
type Monitor struct {
	store    *Store
	budget   int64
	interval time.Duration
	done     chan struct{}
}

// NewMonitor creates a monitor over a store.
func NewMonitor(store *Store, budget int64) *Monitor {
	return &Monitor{
		store:    store,
		budget:   budget,
		interval: 5 * time.Second,
		done:     make(chan struct{}),
	}
}

// Start runs the pressure loop until Stop.
func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.check()
			}
		}
	}()
}

// Stop terminates the loop.
func (m *Monitor) Stop() {
	close(m.done)
}

// Usage returns the current resident heap bytes.
func Usage() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

func (m *Monitor) check() {
	if m.budget <= 0 {
		return
	}
	used := Usage()
	frac := float64(used) / float64(m.budget)

	switch {
	case frac >= pressureEvictAll:
		log.Warn().Uint64("used", used).Int64("budget", m.budget).
			Msg("memory pressure critical, evicting all but MRU")
		m.store.EvictAllButMRU()
		runtime.GC()
	case frac >= pressureSingleEvict:
		if m.store.LoadedCount() > 1 {
			log.Info().Uint64("used", used).Int64("budget", m.budget).
				Msg("memory pressure high, evicting LRU project")
			m.store.EvictLRU()
			runtime.GC()
		}
	}
}
