// Package monitor attaches run/phase/task context to a unit of work and
// accounts for its named timed blocks and resource usage.
//
//	mon := monitor.New(file.Context)
//	defer mon.Measure("computing rates")()
package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

// Monitor is safe for concurrent use.
type Monitor struct {
	types.TaskContext

	start    time.Time
	cpuStart time.Duration

	mu       sync.Mutex
	timings  map[string]*types.Timing
	order    []string
	received int64
}

// New starts accounting for the given context.
func New(ctx types.TaskContext) *Monitor {
	cpu, _ := processUsage()
	return &Monitor{
		TaskContext: ctx,
		start:       time.Now(),
		cpuStart:    cpu,
		timings:     make(map[string]*types.Timing),
	}
}

// Measure starts a named block and returns the function that ends it.
// Repeated blocks with the same name accumulate.
func (m *Monitor) Measure(name string) func() {
	begin := time.Now()
	return func() {
		elapsed := time.Since(begin)
		m.mu.Lock()
		defer m.mu.Unlock()
		t, ok := m.timings[name]
		if !ok {
			t = &types.Timing{Operation: name}
			m.timings[name] = t
			m.order = append(m.order, name)
		}
		t.Duration += elapsed
		t.Calls++
	}
}

// AddReceived records bytes of input the task received.
func (m *Monitor) AddReceived(n int64) {
	m.mu.Lock()
	m.received += n
	m.mu.Unlock()
}

// Timings returns the named blocks in first-use order.
func (m *Monitor) Timings() []types.Timing {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Timing, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, *m.timings[name])
	}
	return out
}

// Usage reports wall time since New, process CPU time spent since New, peak RSS
// and bytes received.
func (m *Monitor) Usage() types.Usage {
	cpu, rss := processUsage()
	m.mu.Lock()
	received := m.received
	m.mu.Unlock()
	return types.Usage{
		Wall:          time.Since(m.start),
		CPU:           cpu - m.cpuStart,
		MaxRSSKB:      rss,
		ReceivedBytes: received,
	}
}

// Performance 一個階段所有任務的彙總統計
type Performance struct {
	Tasks         int            `json:"tasks"`
	Failed        int            `json:"failed"`
	TotalWall     time.Duration  `json:"total_wall_ns"`
	MaxWall       time.Duration  `json:"max_wall_ns"`
	TotalCPU      time.Duration  `json:"total_cpu_ns"`
	MaxRSSKB      int64          `json:"max_rss_kb"`
	TotalReceived int64          `json:"total_received_bytes"`
	MaxReceived   int64          `json:"max_received_bytes"`
	Timings       []types.Timing `json:"timings"`
}

// Aggregate folds the usage carried by result messages into a Performance
// summary. Timings are merged by operation name and sorted by total duration.
func Aggregate(results []types.ResultMessage) Performance {
	var p Performance
	merged := make(map[string]*types.Timing)
	for _, r := range results {
		p.Tasks++
		if r.Failed() {
			p.Failed++
		}
		u := r.Usage
		p.TotalWall += u.Wall
		p.TotalCPU += u.CPU
		p.TotalReceived += u.ReceivedBytes
		if u.Wall > p.MaxWall {
			p.MaxWall = u.Wall
		}
		if u.MaxRSSKB > p.MaxRSSKB {
			p.MaxRSSKB = u.MaxRSSKB
		}
		if u.ReceivedBytes > p.MaxReceived {
			p.MaxReceived = u.ReceivedBytes
		}
		for _, t := range r.Timings {
			acc, ok := merged[t.Operation]
			if !ok {
				acc = &types.Timing{Operation: t.Operation}
				merged[t.Operation] = acc
			}
			acc.Duration += t.Duration
			acc.Calls += t.Calls
		}
	}
	p.Timings = make([]types.Timing, 0, len(merged))
	for _, t := range merged {
		p.Timings = append(p.Timings, *t)
	}
	sort.Slice(p.Timings, func(i, j int) bool {
		if p.Timings[i].Duration == p.Timings[j].Duration {
			return p.Timings[i].Operation < p.Timings[j].Operation
		}
		return p.Timings[i].Duration > p.Timings[j].Duration
	})
	return p
}
