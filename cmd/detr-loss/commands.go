package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/nvr-ai/go-detr/benchmark"
	"github.com/nvr-ai/go-detr/config"
	"github.com/nvr-ai/go-detr/criterion"
	"github.com/nvr-ai/go-detr/inference"
	"github.com/nvr-ai/go-detr/matcher"
	"github.com/nvr-ai/go-detr/models/detr"
	"github.com/nvr-ai/go-detr/profiler"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "detr-loss",
		Short:         "Hungarian matching and DETR set-prediction losses",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newLossCommand(), newMatchCommand(), newPredictCommand(), newBenchCommand())
	return root
}

// loadInputs reads the configuration and the batch named by the --config and
// --batch flags. An empty config path uses config.Default.
func loadInputs(configPath, batchPath string) (*config.Config, *detr.Outputs, []detr.Target, error) {
	c := config.Default()
	if configPath != "" {
		var err error
		if c, err = config.Load(configPath); err != nil {
			return nil, nil, nil, err
		}
	}
	outputs, targets, err := detr.LoadBatch(batchPath)
	if err != nil {
		return nil, nil, nil, err
	}
	return c, outputs, targets, nil
}

type lossReport struct {
	Losses     criterion.Losses    `json:"losses"`
	Total      float64             `json:"total"`
	Indices    []matcher.Indices   `json:"indices"`
	AuxIndices [][]matcher.Indices `json:"aux_indices,omitempty"`
}

func newLossCommand() *cobra.Command {
	var (
		configPath string
		batchPath  string
		asJSON     bool
		profile    bool
	)
	cmd := &cobra.Command{
		Use:   "loss",
		Short: "Compute every loss term and the weighted total of a batch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, outputs, targets, err := loadInputs(configPath, batchPath)
			if err != nil {
				return err
			}
			_, crit, err := config.Build(c)
			if err != nil {
				return err
			}

			p := profiler.New(0)
			done := p.StartOperation("forward")
			result, err := crit.Forward(cmd.Context(), outputs, targets)
			done()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, lossReport{
					Losses:     result.Losses,
					Total:      result.Total,
					Indices:    result.Indices,
					AuxIndices: result.AuxIndices,
				})
			}
			printLosses(out, crit, result)
			if profile {
				p.Report(out)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "loss configuration (YAML or JSON)")
	cmd.Flags().StringVar(&batchPath, "batch", "", "predictions and targets (YAML or JSON)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	cmd.Flags().BoolVar(&profile, "profile", false, "print timing statistics")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

// printLosses writes one line per loss term, with its weight when it counts toward
// the total, and then the total.
func printLosses(out io.Writer, crit *criterion.SetCriterion, result *criterion.Result) {
	weights := crit.WeightDict()
	for _, name := range result.Losses.Names() {
		marker := ""
		if _, ok := weights[name]; ok {
			marker = fmt.Sprintf(" (x%g)", weights[name])
		}
		fmt.Fprintf(out, "%-24s %.6f%s\n", name, result.Losses[name], marker)
	}
	fmt.Fprintf(out, "%-24s %.6f\n", "total", result.Total)
}

func newMatchCommand() *cobra.Command {
	var configPath, batchPath string
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Print the optimal query-to-target matching of the final layer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, outputs, targets, err := loadInputs(configPath, batchPath)
			if err != nil {
				return err
			}
			m, _, err := config.Build(c)
			if err != nil {
				return err
			}
			if err := outputs.Validate(false); err != nil {
				return err
			}
			if err := detr.ValidateTargets(outputs, targets, false); err != nil {
				return err
			}
			final := outputs.WithoutAux()
			indices, err := m.Match(cmd.Context(), &final, targets)
			if err != nil {
				return err
			}
			classes := detr.ClassSetFor(c.DatasetFile)
			out := cmd.OutOrStdout()
			for b, idx := range indices {
				fmt.Fprintf(out, "image %d:", b)
				for k := range idx.Queries {
					fmt.Fprintf(out, " %d->%d", idx.Queries[k], idx.Targets[k])
					if name, err := classes.Name(targets[b].Labels[idx.Targets[k]]); err == nil {
						fmt.Fprintf(out, " (%s)", name)
					}
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "loss configuration (YAML or JSON)")
	cmd.Flags().StringVar(&batchPath, "batch", "", "predictions and targets (YAML or JSON)")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

func newPredictCommand() *cobra.Command {
	var (
		configPath  string
		targetsPath string
		imagePath   string
		session     inference.SessionConfig
		backend     string
		profile     bool
	)
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Run an exported DETR model on an image and score it against targets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := config.Default()
			if configPath != "" {
				var err error
				if c, err = config.Load(configPath); err != nil {
					return err
				}
			}
			_, crit, err := config.Build(c)
			if err != nil {
				return err
			}
			targets, err := detr.LoadTargets(targetsPath)
			if err != nil {
				return err
			}
			if len(targets) != 1 {
				return fmt.Errorf("%d targets for a single image: %w", len(targets), detr.ErrShape)
			}
			img, err := inference.LoadImage(imagePath)
			if err != nil {
				return err
			}

			session.Backend = inference.Backend(backend)
			session.NumQueries = c.NumQueries
			session.NumClasses = c.ResolvedNumClasses()
			s, err := inference.NewSession(session)
			if err != nil {
				return err
			}
			defer s.Close()

			p := profiler.New(0)
			done := p.StartOperation("predict")
			outputs, err := s.Predict(inference.Preprocess(img, session.Width, session.Height))
			done()
			if err != nil {
				return err
			}
			done = p.StartOperation("forward")
			result, err := crit.Forward(cmd.Context(), outputs, targets)
			done()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printLosses(out, crit, result)
			if profile {
				p.Report(out)
			}
			return nil
		},
	}
	defaults := inference.DefaultSessionConfig("")
	cmd.Flags().StringVar(&configPath, "config", "", "loss configuration (YAML or JSON)")
	cmd.Flags().StringVar(&targetsPath, "targets", "", "targets of the image (batch file, predictions ignored)")
	cmd.Flags().StringVar(&imagePath, "image", "", "PNG or JPEG image")
	cmd.Flags().StringVar(&session.ModelPath, "model", "", "exported DETR model (ONNX)")
	cmd.Flags().StringVar(&session.SharedLibPath, "lib", "", "onnxruntime shared library, defaults to $"+inference.LibraryPathEnv)
	cmd.Flags().StringVar(&backend, "backend", string(defaults.Backend), "execution provider: cpu, cuda, coreml or openvino")
	cmd.Flags().IntVar(&session.Width, "width", defaults.Width, "model input width")
	cmd.Flags().IntVar(&session.Height, "height", defaults.Height, "model input height")
	cmd.Flags().IntVar(&session.MaskHeight, "mask-height", 0, "pred_masks height, zero without a mask head")
	cmd.Flags().IntVar(&session.MaskWidth, "mask-width", 0, "pred_masks width, zero without a mask head")
	cmd.Flags().BoolVar(&profile, "profile", false, "print timing statistics")
	for _, name := range []string{"model", "image", "targets"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newBenchCommand() *cobra.Command {
	var (
		scenarioPath string
		outputDir    string
		quick        bool
		timeout      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run synthetic matcher and criterion benchmarks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var set *benchmark.ScenarioSet
			switch {
			case scenarioPath != "":
				var err error
				if set, err = benchmark.LoadScenarioSet(scenarioPath); err != nil {
					return err
				}
			case quick:
				set = benchmark.QuickScenarios()
			default:
				set = benchmark.ComprehensiveScenarios()
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
			defer cancelTimeout()

			suite := benchmark.NewSuite(outputDir)
			for _, s := range set.Scenarios {
				suite.AddScenario(s)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Running %s: %d scenarios\n", set.Name, len(set.Scenarios))
			if err := suite.RunAllScenarios(ctx); err != nil {
				return err
			}
			suite.Profiler().Report(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringVar(&scenarioPath, "scenarios", "", "scenario set (YAML or JSON)")
	cmd.Flags().StringVar(&outputDir, "output", "", "directory for JSON and CSV results")
	cmd.Flags().BoolVar(&quick, "quick", false, "run the quick scenario set")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "benchmark timeout")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
