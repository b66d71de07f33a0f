package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics counts registry operations and their latency.
type Metrics struct {
	opCount   int64
	errCount  int64
	startTime time.Time
	opStats   map[string]*OpStats
	mu        sync.RWMutex
}

type OpStats struct {
	Calls        int64
	Errors       int64
	TotalTime    int64
	LastExecTime time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
		opStats:   make(map[string]*OpStats),
	}
}

// Observe records one call of op that started at start. A nil receiver
// records nothing.
func (m *Metrics) Observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.opCount, 1)
	if err != nil {
		atomic.AddInt64(&m.errCount, 1)
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, exists := m.opStats[op]
	if !exists {
		stats = &OpStats{}
		m.opStats[op] = stats
	}
	stats.Calls++
	if err != nil {
		stats.Errors++
	}
	stats.TotalTime += now.Sub(start).Nanoseconds()
	stats.LastExecTime = now
}

func (m *Metrics) GetOpCount() int64 {
	return atomic.LoadInt64(&m.opCount)
}

func (m *Metrics) GetErrorCount() int64 {
	return atomic.LoadInt64(&m.errCount)
}

// Op returns a copy of the stats of op.
func (m *Metrics) Op(op string) (OpStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats, ok := m.opStats[op]
	if !ok {
		return OpStats{}, false
	}
	return *stats, true
}

// Ops returns the names of all observed operations, sorted.
func (m *Metrics) Ops() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ops := make([]string, 0, len(m.opStats))
	for op := range m.opStats {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func (m *Metrics) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]interface{})
	stats["uptime_in_seconds"] = int(time.Since(m.startTime).Seconds())
	stats["total_operations"] = m.GetOpCount()
	stats["total_errors"] = m.GetErrorCount()

	opStats := make(map[string]map[string]interface{})
	for op, stat := range m.opStats {
		opStats[op] = map[string]interface{}{
			"calls":          stat.Calls,
			"errors":         stat.Errors,
			"total_time_us":  stat.TotalTime / 1000,
			"avg_time_us":    stat.TotalTime / stat.Calls / 1000,
			"last_exec_time": stat.LastExecTime,
		}
	}
	stats["opstats"] = opStats

	return stats
}
