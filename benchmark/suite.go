package benchmark

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/nvr-ai/go-detr/config"
	"github.com/nvr-ai/go-detr/criterion"
	"github.com/nvr-ai/go-detr/distributed"
	"github.com/nvr-ai/go-detr/matcher"
	"github.com/nvr-ai/go-detr/models/detr"
	"github.com/nvr-ai/go-detr/profiler"
)

// Suite manages and executes benchmark scenarios.
type Suite struct {
	scenarios []Scenario
	outputDir string
	profiler  *profiler.Profiler
	mu        sync.RWMutex
	results   []PerformanceMetrics
}

// NewSuite creates a new benchmark suite.
//
// Arguments:
//   - outputDir: Where SaveResults writes, empty to skip saving.
//
// Returns:
//   - *Suite: The benchmark suite.
func NewSuite(outputDir string) *Suite {
	return &Suite{
		outputDir: outputDir,
		profiler:  profiler.New(0),
		scenarios: make([]Scenario, 0),
		results:   make([]PerformanceMetrics, 0),
	}
}

// AddScenario adds a scenario to the benchmark suite.
func (bs *Suite) AddScenario(scenario Scenario) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.scenarios = append(bs.scenarios, scenario)
}

// Profiler returns the per-operation timings of every run so far.
func (bs *Suite) Profiler() *profiler.Profiler {
	return bs.profiler
}

// scenarioConfig returns the loss configuration a scenario exercises.
func scenarioConfig(s Scenario) *config.Config {
	c := config.Default()
	c.NumClasses = s.NumClasses
	c.NumQueries = s.NumQueries
	c.DecLayers = s.AuxLayers + 1
	c.AuxLoss = s.AuxLayers > 0
	c.Masks = s.MaskSize > 0
	c.Workers = s.Workers
	return c
}

// rankBatch is the synthetic input of one rank.
type rankBatch struct {
	outputs *detr.Outputs
	targets []detr.Target
}

// buildRanks returns the matcher of rank 0 and one criterion per simulated rank.
// With more than one rank the criteria share a local process group.
func buildRanks(s Scenario) (*matcher.HungarianMatcher, []*criterion.SetCriterion, error) {
	c := scenarioConfig(s)
	if s.Ranks <= 1 {
		m, crit, err := config.Build(c)
		if err != nil {
			return nil, nil, err
		}
		return m, []*criterion.SetCriterion{crit}, nil
	}

	var m *matcher.HungarianMatcher
	crits := make([]*criterion.SetCriterion, s.Ranks)
	for i, g := range distributed.NewLocalGroup(s.Ranks) {
		rm, crit, err := config.Build(c, criterion.WithGroup(g))
		if err != nil {
			return nil, nil, err
		}
		if i == 0 {
			m = rm
		}
		crits[i] = crit
	}
	return m, crits, nil
}

func synthesize(s Scenario, rng *rand.Rand, ranks int) []rankBatch {
	batches := make([]rankBatch, ranks)
	for i := range batches {
		batches[i].outputs, batches[i].targets = Synthetic(s, rng)
	}
	return batches
}

// forwardRanks runs every rank's criterion concurrently and returns the mean total
// loss. A failing rank cancels the others out of the box-count all-reduce.
func forwardRanks(ctx context.Context, crits []*criterion.SetCriterion, batches []rankBatch) (float64, error) {
	totals := make([]float64, len(crits))
	g, gctx := errgroup.WithContext(ctx)
	for i, crit := range crits {
		g.Go(func() error {
			result, err := crit.Forward(gctx, batches[i].outputs, batches[i].targets)
			if err != nil {
				return fmt.Errorf("rank %d: %w", i, err)
			}
			totals[i] = result.Total
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return lo.Sum(totals) / float64(len(totals)), nil
}

// RunScenario executes a single benchmark scenario. Every iteration matches the
// final layer of rank 0 and then runs the full criterion of every rank on fresh
// synthetic batches.
func (bs *Suite) RunScenario(ctx context.Context, scenario Scenario) (*PerformanceMetrics, error) {
	if err := scenario.Validate(); err != nil {
		return nil, err
	}
	m, crits, err := buildRanks(scenario)
	if err != nil {
		return nil, fmt.Errorf("failed to build criterion: %w", err)
	}

	rng := rand.New(rand.NewSource(scenario.Seed))
	for i := 0; i < scenario.WarmupRuns; i++ {
		if _, err := forwardRanks(ctx, crits, synthesize(scenario, rng, len(crits))); err != nil {
			return nil, fmt.Errorf("warmup failed: %w", err)
		}
	}

	metrics := &PerformanceMetrics{
		Scenario:  scenario,
		Timestamp: time.Now(),
	}

	var startMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&startMem)

	startTime := time.Now()
	errors := 0
	var totalLoss float64
	for i := 0; i < scenario.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batches := synthesize(scenario, rng, len(crits))

		matchStart := time.Now()
		indices, err := m.Match(ctx, batches[0].outputs, batches[0].targets)
		matchDuration := time.Since(matchStart)
		if err != nil {
			errors++
			continue
		}
		bs.profiler.RecordDuration(scenario.Name+"/match", matchDuration)
		metrics.MatchDuration += matchDuration
		for _, idx := range indices {
			metrics.MatchedPairs += idx.Len()
		}

		forwardStart := time.Now()
		total, err := forwardRanks(ctx, crits, batches)
		forwardDuration := time.Since(forwardStart)
		if err != nil {
			errors++
			continue
		}
		bs.profiler.RecordDuration(scenario.Name+"/forward", forwardDuration)
		bs.profiler.RecordMetric(scenario.Name+"/total_loss", total)
		metrics.ForwardDuration += forwardDuration
		totalLoss += total
	}
	totalDuration := time.Since(startTime)

	var endMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&endMem)

	metrics.TotalDuration = totalDuration
	metrics.IterationsPerSecond = float64(scenario.Iterations) / totalDuration.Seconds()
	metrics.ErrorRate = float64(errors) / float64(scenario.Iterations)
	if ok := scenario.Iterations - errors; ok > 0 {
		metrics.MeanTotalLoss = totalLoss / float64(ok)
	}
	metrics.MemoryStats = MemoryMetrics{
		AllocBytes:      endMem.Alloc,
		TotalAllocBytes: endMem.TotalAlloc - startMem.TotalAlloc,
		SysBytes:        endMem.Sys,
		NumGC:           endMem.NumGC - startMem.NumGC,
		HeapAllocBytes:  endMem.HeapAlloc,
		HeapSysBytes:    endMem.HeapSys,
	}
	metrics.CPUStats = CPUMetrics{
		NumCPU:     runtime.NumCPU(),
		GOMAXPROCS: runtime.GOMAXPROCS(0),
	}
	return metrics, nil
}

// RunAllScenarios executes all configured scenarios and saves the results. A
// failing scenario is reported and skipped.
func (bs *Suite) RunAllScenarios(ctx context.Context) error {
	bs.mu.Lock()
	scenarios := make([]Scenario, len(bs.scenarios))
	copy(scenarios, bs.scenarios)
	bs.mu.Unlock()

	for _, scenario := range scenarios {
		metrics, err := bs.RunScenario(ctx, scenario)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Printf("Scenario %s failed: %v\n", scenario.Name, err)
			continue
		}

		bs.mu.Lock()
		bs.results = append(bs.results, *metrics)
		bs.mu.Unlock()

		fmt.Printf("Scenario %s completed: %.2f it/s, mean loss %.4f\n",
			scenario.Name, metrics.IterationsPerSecond, metrics.MeanTotalLoss)
	}

	if bs.outputDir == "" {
		return nil
	}
	return bs.SaveResults()
}

// SaveResults persists benchmark results to the output directory as JSON and CSV.
func (bs *Suite) SaveResults() error {
	results := bs.Results()

	if err := os.MkdirAll(bs.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	resultsFile := filepath.Join(bs.outputDir, fmt.Sprintf("benchmark_results_%s.json", timestamp))

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := os.WriteFile(resultsFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write results file: %w", err)
	}

	summaryFile := filepath.Join(bs.outputDir, fmt.Sprintf("benchmark_summary_%s.csv", timestamp))
	if err := saveSummaryCSV(summaryFile, results); err != nil {
		return fmt.Errorf("failed to save summary CSV: %w", err)
	}

	fmt.Printf("Results saved to: %s\n", resultsFile)
	fmt.Printf("Summary saved to: %s\n", summaryFile)
	return nil
}

func saveSummaryCSV(filename string, results []PerformanceMetrics) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	header := "Scenario,Batch,Queries,Targets,Aux,Masks,Ranks,It_per_s,Match_ms,Forward_ms,Mean_Loss,Error_Rate\n"
	if _, err := file.WriteString(header); err != nil {
		return err
	}

	for _, r := range results {
		n := float64(r.Scenario.Iterations)
		line := fmt.Sprintf("%s,%d,%d,%d,%d,%d,%d,%.2f,%.3f,%.3f,%.6f,%.4f\n",
			r.Scenario.Name,
			r.Scenario.BatchSize,
			r.Scenario.NumQueries,
			r.Scenario.Targets,
			r.Scenario.AuxLayers,
			r.Scenario.MaskSize,
			max(r.Scenario.Ranks, 1),
			r.IterationsPerSecond,
			float64(r.MatchDuration.Nanoseconds())/1e6/n,
			float64(r.ForwardDuration.Nanoseconds())/1e6/n,
			r.MeanTotalLoss,
			r.ErrorRate,
		)
		if _, err := file.WriteString(line); err != nil {
			return err
		}
	}
	return nil
}

// Results returns all benchmark results.
func (bs *Suite) Results() []PerformanceMetrics {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	results := make([]PerformanceMetrics, len(bs.results))
	copy(results, bs.results)
	return results
}
