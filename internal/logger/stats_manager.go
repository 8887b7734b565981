package logger

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// StatsManager periodically logs a one-line summary of registered counters
type StatsManager struct {
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	counters map[string]*atomic.Uint64
	prev     map[string]uint64
}

// NewStatsManager creates a stats manager logging every intervalSec seconds (default 30)
func NewStatsManager(intervalSec int) *StatsManager {
	if intervalSec <= 0 {
		intervalSec = 30
	}
	return &StatsManager{
		interval: time.Duration(intervalSec) * time.Second,
		stopCh:   make(chan struct{}),
		counters: make(map[string]*atomic.Uint64),
		prev:     make(map[string]uint64),
	}
}

// RegisterCounter returns the counter for name, creating it on first use.
// Callers keep the pointer and increment it directly.
func (sm *StatsManager) RegisterCounter(name string) *atomic.Uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	c, ok := sm.counters[name]
	if !ok {
		c = &atomic.Uint64{}
		sm.counters[name] = c
	}
	return c
}

// Start begins the periodic logging loop
func (sm *StatsManager) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop stops the logging loop. Safe to call more than once.
func (sm *StatsManager) Stop() {
	sm.stopOnce.Do(func() { close(sm.stopCh) })
	sm.wg.Wait()
}

func (sm *StatsManager) run() {
	defer sm.wg.Done()
	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.stopCh:
			return
		case <-ticker.C:
			if line := sm.Summary(); line != "" {
				Info("[STATS] %s", line)
			}
		}
	}
}

// Summary renders "name: total (+delta, rate/s)" for every counter, sorted by
// name, and advances the delta baseline.
func (sm *StatsManager) Summary() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	names := make([]string, 0, len(sm.counters))
	for name := range sm.counters {
		names = append(names, name)
	}
	sort.Strings(names)

	seconds := sm.interval.Seconds()
	parts := make([]string, 0, len(names))
	for _, name := range names {
		current := sm.counters[name].Load()
		diff := current - sm.prev[name]
		sm.prev[name] = current

		parts = append(parts, fmt.Sprintf("%s: %s (+%s, %.1f/s)",
			name, humanize.Comma(int64(current)), humanize.Comma(int64(diff)), float64(diff)/seconds))
	}
	return strings.Join(parts, " | ")
}
