package benchmark

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines one synthetic loss workload.
type Scenario struct {
	Name       string `json:"name" yaml:"name"`
	BatchSize  int    `json:"batch_size" yaml:"batch_size"`
	NumQueries int    `json:"num_queries" yaml:"num_queries"`
	NumClasses int    `json:"num_classes" yaml:"num_classes"`
	// Targets is the number of objects per image. Images alternate between Targets
	// and Targets/2 objects so that batches are ragged.
	Targets int `json:"targets" yaml:"targets"`
	// AuxLayers is the number of auxiliary decoder layers.
	AuxLayers int `json:"aux_layers" yaml:"aux_layers"`
	// MaskSize enables the mask losses with square predicted masks of this size.
	MaskSize int `json:"mask_size" yaml:"mask_size"`
	Workers  int `json:"workers" yaml:"workers"`
	// Ranks simulates data-parallel processes. Above one, every rank runs the
	// criterion on its own batch and the box count is averaged over a local group.
	Ranks      int   `json:"ranks" yaml:"ranks"`
	Iterations int   `json:"iterations" yaml:"iterations"`
	WarmupRuns int   `json:"warmup_runs" yaml:"warmup_runs"`
	Seed       int64 `json:"seed" yaml:"seed"`
}

// ScenarioBuilder helps build scenarios with a fluent API.
type ScenarioBuilder struct {
	scenario Scenario
}

// NewScenarioBuilder creates a builder with the shapes of a COCO DETR batch.
func NewScenarioBuilder(name string) *ScenarioBuilder {
	return &ScenarioBuilder{
		scenario: Scenario{
			Name:       name,
			BatchSize:  2,
			NumQueries: 100,
			NumClasses: 91,
			Targets:    8,
			Iterations: 20,
			WarmupRuns: 2,
			Seed:       1,
		},
	}
}

// WithBatch sets the batch geometry.
func (sb *ScenarioBuilder) WithBatch(batchSize, numQueries, numClasses int) *ScenarioBuilder {
	sb.scenario.BatchSize = batchSize
	sb.scenario.NumQueries = numQueries
	sb.scenario.NumClasses = numClasses
	return sb
}

// WithTargets sets the number of objects per image.
func (sb *ScenarioBuilder) WithTargets(targets int) *ScenarioBuilder {
	sb.scenario.Targets = targets
	return sb
}

// WithAuxLayers sets the number of auxiliary decoder layers.
func (sb *ScenarioBuilder) WithAuxLayers(layers int) *ScenarioBuilder {
	sb.scenario.AuxLayers = layers
	return sb
}

// WithMasks enables the mask losses.
func (sb *ScenarioBuilder) WithMasks(size int) *ScenarioBuilder {
	sb.scenario.MaskSize = size
	return sb
}

// WithWorkers sets the matcher concurrency.
func (sb *ScenarioBuilder) WithWorkers(workers int) *ScenarioBuilder {
	sb.scenario.Workers = workers
	return sb
}

// WithRanks sets the number of simulated data-parallel processes.
func (sb *ScenarioBuilder) WithRanks(ranks int) *ScenarioBuilder {
	sb.scenario.Ranks = ranks
	return sb
}

// WithIterations sets the number of measured iterations.
func (sb *ScenarioBuilder) WithIterations(iterations int) *ScenarioBuilder {
	sb.scenario.Iterations = iterations
	return sb
}

// WithWarmupRuns sets the number of warmup runs.
func (sb *ScenarioBuilder) WithWarmupRuns(warmups int) *ScenarioBuilder {
	sb.scenario.WarmupRuns = warmups
	return sb
}

// Build returns the configured scenario.
func (sb *ScenarioBuilder) Build() Scenario {
	return sb.scenario
}

// Validate checks that a scenario can generate a batch.
func (s Scenario) Validate() error {
	switch {
	case s.BatchSize < 1:
		return fmt.Errorf("scenario %q: batch_size %d", s.Name, s.BatchSize)
	case s.NumQueries < 1:
		return fmt.Errorf("scenario %q: num_queries %d", s.Name, s.NumQueries)
	case s.NumClasses < 1:
		return fmt.Errorf("scenario %q: num_classes %d", s.Name, s.NumClasses)
	case s.Targets < 0 || s.Targets > s.NumQueries:
		return fmt.Errorf("scenario %q: targets %d outside [0, %d]", s.Name, s.Targets, s.NumQueries)
	case s.AuxLayers < 0 || s.MaskSize < 0 || s.Workers < 0 || s.Ranks < 0:
		return fmt.Errorf("scenario %q: negative aux_layers, mask_size, workers or ranks", s.Name)
	case s.Iterations < 1:
		return fmt.Errorf("scenario %q: iterations %d", s.Name, s.Iterations)
	}
	return nil
}

// ScenarioSet represents a collection of related scenarios.
type ScenarioSet struct {
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Scenarios   []Scenario `json:"scenarios" yaml:"scenarios"`
}

// QuickScenarios returns a small set that runs in seconds.
func QuickScenarios() *ScenarioSet {
	return &ScenarioSet{
		Name:        "Quick Loss Test",
		Description: "Small batches with and without deep supervision",
		Scenarios: []Scenario{
			NewScenarioBuilder("quick_final").WithBatch(2, 20, 10).WithTargets(4).WithIterations(5).WithWarmupRuns(1).Build(),
			NewScenarioBuilder("quick_aux").WithBatch(2, 20, 10).WithTargets(4).WithAuxLayers(2).WithIterations(5).WithWarmupRuns(1).Build(),
		},
	}
}

// ComprehensiveScenarios returns COCO-sized workloads across the loss features.
func ComprehensiveScenarios() *ScenarioSet {
	scenarios := make([]Scenario, 0)
	for _, batch := range []int{1, 2, 4} {
		for _, aux := range []int{0, 5} {
			scenarios = append(scenarios, NewScenarioBuilder(fmt.Sprintf("coco_b%d_aux%d", batch, aux)).
				WithBatch(batch, 100, 91).
				WithTargets(10).
				WithAuxLayers(aux).
				Build())
		}
	}
	scenarios = append(scenarios,
		NewScenarioBuilder("coco_masks").WithBatch(1, 100, 250).WithTargets(10).WithMasks(32).WithIterations(5).Build(),
		NewScenarioBuilder("coco_crowded").WithBatch(2, 100, 91).WithTargets(60).WithIterations(10).Build(),
		NewScenarioBuilder("coco_ranks4").WithBatch(2, 100, 91).WithTargets(10).WithRanks(4).WithIterations(10).Build(),
	)
	return &ScenarioSet{
		Name:        "Comprehensive Loss Test",
		Description: "COCO-sized batches across batch size, deep supervision, masks, crowd density and data parallelism",
		Scenarios:   scenarios,
	}
}

// SaveScenarioSet saves a scenario set to a JSON file.
func SaveScenarioSet(scenarioSet *ScenarioSet, filename string) error {
	data, err := json.MarshalIndent(scenarioSet, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal scenario set: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write scenario file: %w", err)
	}

	return nil
}

// LoadScenarioSet loads a scenario set from a YAML or JSON file. Missing fields
// take the defaults of NewScenarioBuilder.
func LoadScenarioSet(filename string) (*ScenarioSet, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var raw struct {
		Name        string      `yaml:"name"`
		Description string      `yaml:"description"`
		Scenarios   []yaml.Node `yaml:"scenarios"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scenario set: %w", err)
	}

	set := &ScenarioSet{Name: raw.Name, Description: raw.Description}
	for i := range raw.Scenarios {
		scenario := NewScenarioBuilder("").Build()
		if err := raw.Scenarios[i].Decode(&scenario); err != nil {
			return nil, fmt.Errorf("failed to decode scenario %d: %w", i, err)
		}
		if err := scenario.Validate(); err != nil {
			return nil, err
		}
		set.Scenarios = append(set.Scenarios, scenario)
	}
	return set, nil
}
