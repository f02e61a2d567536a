package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/thesyncim/abr/internal/sim"
	"github.com/thesyncim/abr/pkg/abr"
	"github.com/thesyncim/abr/pkg/abr/ladder"
	"github.com/thesyncim/abr/pkg/abr/meter"
)

// errStallBudget is returned when a run rebuffers for longer than --max-stall.
var errStallBudget = errors.New("rebuffering exceeded the stall budget")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Simulate one playback session",
	Long: `Simulate one playback session of the ladder over the bandwidth trace.

The ladder file lists the formats and the media duration. The trace is a
list of {duration, bitrate} steps that repeats once exhausted; --bandwidth
replaces it with a constant link.

Exits with status 1 if rebuffering exceeds --max-stall.`,
	RunE: runSimulation,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.String("ladder", "", "ladder YAML file (required)")
	f.String("trace", "", "bandwidth trace YAML file")
	f.Int64("bandwidth", 0, "constant link bitrate in bps, used without --trace")
	f.String("strategy", "rate", "selection strategy (rate, buffer)")
	f.Duration("chunk", 0, "chunk duration (default: the ladder's segment duration, else 4s)")
	f.Duration("video", 0, "media duration (default: the ladder's duration)")
	f.Duration("max-buffer", 30*time.Second, "buffer level at which loading pauses")
	f.Float64("fraction", 0.75, "share of the estimate the rate-based strategy may use")
	f.String("lock", "none", "rate-based top rung lock (none, on-reach, always)")
	f.String("smoothing", "percentile", "throughput smoothing (percentile, kalman)")
	f.StringSlice("filter", nil, `ladder filter expression, e.g. "height <= 720" (repeatable)`)
	f.Duration("max-stall", 0, "fail if total rebuffering exceeds this (0 disables)")
	f.String("output", "text", "output format (text, json, yaml)")
	f.Bool("verbose", false, "print every chunk decision")

	for _, name := range []string{
		"ladder", "trace", "bandwidth", "strategy", "chunk", "video", "max-buffer", "fraction",
		"lock", "smoothing", "filter", "max-stall", "output", "verbose",
	} {
		mustBindPFlag("run."+name, f.Lookup(name))
	}
}

// runOptions are the resolved run settings.
type runOptions struct {
	ladder   *ladder.Ladder
	trace    *sim.Trace
	config   sim.Config
	maxStall time.Duration
	output   string
	verbose  bool
}

func runSimulation(cmd *cobra.Command, _ []string) error {
	opts, err := loadRunOptions()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	res, err := sim.Run(ctx, opts.config, opts.trace, abr.WithLogger(slog.Default()))
	if err != nil {
		return fmt.Errorf("simulation: %w", err)
	}
	wall := time.Since(start)

	out := cmd.OutOrStdout()
	pass := opts.maxStall <= 0 || res.Score.RebufferDuration <= opts.maxStall

	switch opts.output {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(newReport(opts, res, pass)); err != nil {
			return err
		}
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(newReport(opts, res, pass)); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
	default:
		printHeader(out, opts)
		if opts.verbose {
			printDecisions(out, res.Decisions)
		}
		printSummary(out, opts, res, wall, pass)
	}

	if !pass {
		return fmt.Errorf("%w: %v > %v", errStallBudget, res.Score.RebufferDuration, opts.maxStall)
	}
	return nil
}

// loadRunOptions resolves flags, environment and config file into options.
func loadRunOptions() (*runOptions, error) {
	path := viper.GetString("run.ladder")
	if path == "" {
		return nil, errors.New("--ladder is required")
	}
	l, err := ladder.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if filters := viper.GetStringSlice("run.filter"); len(filters) > 0 {
		if l, err = l.Filter(filters...); err != nil {
			return nil, err
		}
	}

	var trace *sim.Trace
	switch {
	case viper.GetString("run.trace") != "":
		if trace, err = sim.LoadTrace(viper.GetString("run.trace")); err != nil {
			return nil, err
		}
	case viper.GetInt64("run.bandwidth") > 0:
		trace = sim.ConstantTrace(viper.GetInt64("run.bandwidth"))
	default:
		return nil, errors.New("--trace or --bandwidth is required")
	}

	config := sim.DefaultConfig()
	config.Formats = l.Formats
	config.VideoDuration = l.Duration
	if v := viper.GetDuration("run.video"); v > 0 {
		config.VideoDuration = v
	}
	if l.SegmentDuration > 0 {
		config.ChunkDuration = l.SegmentDuration
	}
	if c := viper.GetDuration("run.chunk"); c > 0 {
		config.ChunkDuration = c
	}
	if b := viper.GetDuration("run.max-buffer"); b > 0 {
		config.MaxBuffer = b
	}

	if config.Selector.Strategy, err = abr.ParseStrategy(viper.GetString("run.strategy")); err != nil {
		return nil, err
	}
	if config.Selector.RateBased.Lock, err = abr.ParseLockMode(viper.GetString("run.lock")); err != nil {
		return nil, err
	}
	fraction := viper.GetFloat64("run.fraction")
	if fraction <= 0 {
		return nil, fmt.Errorf("--fraction %v must be positive", fraction)
	}
	config.Selector.RateBased.BandwidthFraction = fraction
	if config.Meter.Smoothing, err = meter.ParseSmoothing(viper.GetString("run.smoothing")); err != nil {
		return nil, err
	}

	output := viper.GetString("run.output")
	switch output {
	case "text", "json", "yaml":
	default:
		return nil, fmt.Errorf("unknown output format %q", output)
	}

	return &runOptions{
		ladder:   l,
		trace:    trace,
		config:   config,
		maxStall: viper.GetDuration("run.max-stall"),
		output:   output,
		verbose:  viper.GetBool("run.verbose"),
	}, nil
}

// report is the machine-readable run summary.
type report struct {
	Ladder        string        `json:"ladder" yaml:"ladder"`
	Trace         string        `json:"trace" yaml:"trace"`
	Strategy      string        `json:"strategy" yaml:"strategy"`
	Formats       []ladder.Rung `json:"formats" yaml:"formats"`
	Chunk         string        `json:"chunk" yaml:"chunk"`
	Video         string        `json:"video" yaml:"video"`
	Fraction      float64       `json:"bandwidth_fraction" yaml:"bandwidth_fraction"`
	Segments      int           `json:"segments" yaml:"segments"`
	Switches      int           `json:"switches" yaml:"switches"`
	Magnitude     int           `json:"switch_magnitude" yaml:"switch_magnitude"`
	AvgKbps       float64       `json:"avg_bitrate_kbps" yaml:"avg_bitrate_kbps"`
	Variance      float64       `json:"bitrate_variance" yaml:"bitrate_variance"`
	StartupDelay  string        `json:"startup_delay" yaml:"startup_delay"`
	Rebuffers     int           `json:"rebuffers" yaml:"rebuffers"`
	Rebuffering   string        `json:"rebuffer_duration" yaml:"rebuffer_duration"`
	Bytes         int64         `json:"bytes" yaml:"bytes"`
	FinalEstimate int64         `json:"final_estimate" yaml:"final_estimate"`
	Phase         string        `json:"phase,omitempty" yaml:"phase,omitempty"`
	Status        string        `json:"status" yaml:"status"`
}

func newReport(opts *runOptions, res *sim.Result, pass bool) report {
	return report{
		Ladder:        opts.ladder.Name,
		Trace:         opts.trace.Name,
		Strategy:      res.Strategy,
		Formats:       opts.ladder.Rungs(),
		Chunk:         opts.config.ChunkDuration.String(),
		Video:         opts.config.VideoDuration.String(),
		Fraction:      opts.config.Selector.RateBased.BandwidthFraction,
		Segments:      res.Score.Segments,
		Switches:      res.Score.Switches,
		Magnitude:     res.Score.SwitchMagnitude,
		AvgKbps:       res.Score.AvgBitrateKbps,
		Variance:      res.Score.BitrateVariance,
		StartupDelay:  res.Score.StartupDelay.String(),
		Rebuffers:     res.Score.Rebuffers,
		Rebuffering:   res.Score.RebufferDuration.String(),
		Bytes:         res.Score.Bytes,
		FinalEstimate: res.FinalEstimate,
		Phase:         res.Phase,
		Status:        checkMark(pass),
	}
}

func printHeader(w io.Writer, opts *runOptions) {
	fmt.Fprintf(w, "ABR Simulation\n")
	fmt.Fprintf(w, "==============\n")
	fmt.Fprintf(w, "Ladder:    %s (%d formats)\n", opts.ladder.Name, len(opts.ladder.Formats))
	fmt.Fprintf(w, "Trace:     %s (period %v)\n", opts.trace.Name, opts.trace.Period())
	fmt.Fprintf(w, "Strategy:  %s\n", opts.config.Selector.Strategy)
	fmt.Fprintf(w, "Media:     %v in %v chunks\n", opts.config.VideoDuration, opts.config.ChunkDuration)
	fmt.Fprintf(w, "\n")
}

func printDecisions(w io.Writer, decisions []sim.Decision) {
	for _, d := range decisions {
		fmt.Fprintf(w, "[%s] chunk %4d  %6d kbps  %-8s buffered %6.2fs  estimate %8.2f Mbps",
			formatDuration(d.At), d.Index, d.Format.Bitrate/1000, d.Trigger,
			d.Buffered.Seconds(), mbps(d.Estimate))
		if d.Discarded > 0 {
			fmt.Fprintf(w, "  discarded %d", d.Discarded)
		}
		fmt.Fprintf(w, "\n")
	}
	fmt.Fprintf(w, "\n")
}

func printSummary(w io.Writer, opts *runOptions, res *sim.Result, wall time.Duration, pass bool) {
	s := res.Score
	fmt.Fprintf(w, "Simulation Complete\n")
	fmt.Fprintf(w, "===================\n")
	fmt.Fprintf(w, "Session time:      %v\n", res.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Wall time:         %v\n", wall.Round(time.Millisecond))
	fmt.Fprintf(w, "Segments:          %d\n", s.Segments)
	fmt.Fprintf(w, "Switches:          %d (magnitude %d)\n", s.Switches, s.SwitchMagnitude)
	fmt.Fprintf(w, "Avg bitrate:       %.0f kbps\n", s.AvgBitrateKbps)
	fmt.Fprintf(w, "Bitrate variance:  %.0f kbps²\n", s.BitrateVariance)
	fmt.Fprintf(w, "Startup delay:     %v\n", s.StartupDelay.Round(time.Millisecond))
	fmt.Fprintf(w, "Rebuffers:         %d (%v)\n", s.Rebuffers, s.RebufferDuration.Round(time.Millisecond))
	fmt.Fprintf(w, "Downloaded:        %.2f MB\n", float64(s.Bytes)/(1000*1000))
	fmt.Fprintf(w, "Final estimate:    %.2f Mbps\n", mbps(res.FinalEstimate))
	if res.Phase != "" {
		fmt.Fprintf(w, "Final phase:       %s\n", res.Phase)
	}
	fmt.Fprintf(w, "Status:            %s\n", checkMark(pass))
	fmt.Fprintf(w, "\n")

	if opts.maxStall > 0 {
		fmt.Fprintf(w, "Pass Criteria:\n")
		fmt.Fprintf(w, "  - Rebuffering <= %v: %s\n", opts.maxStall, checkMark(pass))
	}
}

func mbps(bps int64) float64 {
	if bps < 0 {
		return 0
	}
	return float64(bps) / 1e6
}

func formatDuration(d time.Duration) string {
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func checkMark(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}
