// Package profiler - Per-operation timing and metric statistics.
package profiler

import (
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"
)

// Profiler records operation durations and named metric values.
//
// It is safe for concurrent use. Only the latest maxSamples values of every
// operation and metric are kept.
type Profiler struct {
	mu         sync.Mutex
	startTime  time.Time
	maxSamples int
	metrics    map[string]*MetricTracker
	operations map[string]*TimeTracker
}

// MetricTracker tracks statistics for a named metric.
type MetricTracker struct {
	values []float64
	min    float64
	max    float64
	count  int64
}

// TimeTracker tracks operation timing statistics.
type TimeTracker struct {
	durations []time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// OperationStats is a snapshot of the timings of one operation.
type OperationStats struct {
	Name  string        `json:"name" yaml:"name"`
	Count int64         `json:"count" yaml:"count"`
	Mean  time.Duration `json:"mean" yaml:"mean"`
	P50   time.Duration `json:"p50" yaml:"p50"`
	P95   time.Duration `json:"p95" yaml:"p95"`
	Min   time.Duration `json:"min" yaml:"min"`
	Max   time.Duration `json:"max" yaml:"max"`
}

// MetricStats is a snapshot of the values of one metric.
type MetricStats struct {
	Name  string  `json:"name" yaml:"name"`
	Count int64   `json:"count" yaml:"count"`
	Mean  float64 `json:"mean" yaml:"mean"`
	Std   float64 `json:"std" yaml:"std"`
	Min   float64 `json:"min" yaml:"min"`
	Max   float64 `json:"max" yaml:"max"`
}

// New creates a profiler.
//
// Arguments:
//   - maxSamples: The number of samples kept per operation or metric, 600 when zero.
//
// Returns:
//   - A profiler whose clock starts now.
func New(maxSamples int) *Profiler {
	if maxSamples <= 0 {
		maxSamples = 600
	}
	return &Profiler{
		startTime:  time.Now(),
		maxSamples: maxSamples,
		metrics:    make(map[string]*MetricTracker),
		operations: make(map[string]*TimeTracker),
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track.
//
// Returns:
//   - A function to call when the operation completes.
//
// Example:
//
//	done := p.StartOperation("match")
//	indices, err := m.Match(ctx, outputs, targets)
//	done()
func (p *Profiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		p.RecordDuration(name, time.Since(start))
	}
}

// RecordDuration records the completion time of an operation.
func (p *Profiler) RecordDuration(name string, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, exists := p.operations[name]
	if !exists {
		tracker = &TimeTracker{minTime: duration, maxTime: duration}
		p.operations[name] = tracker
	}

	tracker.durations = append(tracker.durations, duration)
	if len(tracker.durations) > p.maxSamples {
		tracker.durations = tracker.durations[1:]
	}
	tracker.count++
	tracker.minTime = min(tracker.minTime, duration)
	tracker.maxTime = max(tracker.maxTime, duration)
}

// RecordMetric records a metric value.
func (p *Profiler) RecordMetric(name string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, exists := p.metrics[name]
	if !exists {
		tracker = &MetricTracker{min: value, max: value}
		p.metrics[name] = tracker
	}

	tracker.values = append(tracker.values, value)
	if len(tracker.values) > p.maxSamples {
		tracker.values = tracker.values[1:]
	}
	tracker.count++
	tracker.min = min(tracker.min, value)
	tracker.max = max(tracker.max, value)
}

// Operations returns the timing statistics of every operation, sorted by name.
func (p *Profiler) Operations() []OperationStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := lo.Keys(p.operations)
	sort.Strings(names)

	stats := make([]OperationStats, 0, len(names))
	for _, name := range names {
		t := p.operations[name]
		seconds := lo.Map(t.durations, func(d time.Duration, _ int) float64 { return d.Seconds() })
		sort.Float64s(seconds)
		stats = append(stats, OperationStats{
			Name:  name,
			Count: t.count,
			Mean:  fromSeconds(stat.Mean(seconds, nil)),
			P50:   fromSeconds(stat.Quantile(0.5, stat.Empirical, seconds, nil)),
			P95:   fromSeconds(stat.Quantile(0.95, stat.Empirical, seconds, nil)),
			Min:   t.minTime,
			Max:   t.maxTime,
		})
	}
	return stats
}

// Metrics returns the statistics of every metric, sorted by name.
func (p *Profiler) Metrics() []MetricStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := lo.Keys(p.metrics)
	sort.Strings(names)

	stats := make([]MetricStats, 0, len(names))
	for _, name := range names {
		m := p.metrics[name]
		mean, std := stat.MeanStdDev(m.values, nil)
		if len(m.values) < 2 {
			std = 0
		}
		stats = append(stats, MetricStats{Name: name, Count: m.count, Mean: mean, Std: std, Min: m.min, Max: m.max})
	}
	return stats
}

// Report writes a status report of the process, the operations and the metrics.
func (p *Profiler) Report(w io.Writer) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	fmt.Fprintf(w, "PROFILER REPORT - %s\n", time.Now().Format("15:04:05.000"))
	fmt.Fprintf(w, "Uptime: %v\n", time.Since(p.startTime).Truncate(time.Millisecond))
	fmt.Fprintf(w, "Goroutines: %d, Heap Alloc: %s, GC Cycles: %d\n",
		runtime.NumGoroutine(), formatBytes(mem.HeapAlloc), mem.NumGC)

	if ops := p.Operations(); len(ops) > 0 {
		fmt.Fprintf(w, "\nOPERATION TIMINGS:\n")
		for _, op := range ops {
			fmt.Fprintf(w, "  %s: avg=%v, p50=%v, p95=%v, min=%v, max=%v, count=%d\n",
				op.Name,
				op.Mean.Truncate(time.Microsecond),
				op.P50.Truncate(time.Microsecond),
				op.P95.Truncate(time.Microsecond),
				op.Min.Truncate(time.Microsecond),
				op.Max.Truncate(time.Microsecond),
				op.Count)
		}
	}
	if metrics := p.Metrics(); len(metrics) > 0 {
		fmt.Fprintf(w, "\nMETRICS:\n")
		for _, m := range metrics {
			fmt.Fprintf(w, "  %s: avg=%.6g, std=%.3g, min=%.6g, max=%.6g, samples=%d\n",
				m.Name, m.Mean, m.Std, m.Min, m.Max, m.Count)
		}
	}
}

func fromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// formatBytes formats byte counts in human-readable format.
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
