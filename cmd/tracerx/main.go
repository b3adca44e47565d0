// Command tracerx symbolically executes a Go package with interpolation
// and speculation, writing one test case per explored path.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	tracerx "github.com/ninesd/TracerX"
	"github.com/ninesd/TracerX/z3"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tracerx",
		Short:         "Symbolic execution with interpolation and speculation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newRunCmd())
	return cmd
}

type runOptions struct {
	entry    string
	output   string
	seedDir  string
	logLevel string

	maxForks          int
	maxDepth          int
	maxMemory         int
	maxMemoryInhibit  bool
	maxInstTime       time.Duration
	maxCoreSolverTime time.Duration

	maxStaticForkPct    float64
	maxStaticSolvePct   float64
	maxStaticCPForkPct  float64
	maxStaticCPSolvePct float64

	seedTime            time.Duration
	onlyReplaySeeds     bool
	onlySeed            bool
	allowSeedExtension  bool
	zeroSeedExtension   bool
	allowSeedTruncation bool
	namedSeedMatching   bool

	randomizeFork bool
	rngSeed       int64
	emitAllErrors bool
	dumpOnHalt    bool
	bbCoverage    int

	noInterpolation bool
	subsumedTest    bool
	wpInterpolant   bool
	exactAddress    bool

	specType         string
	specStrategy     string
	dependencyFolder string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [flags] package",
		Short: "Explore a package's entry function and emit test cases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(args[0], opts)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&opts.entry, "entry", "main", "entry function name")
	fs.StringVarP(&opts.output, "output", "o", "tracerx-out", "output directory")
	fs.StringVar(&opts.seedDir, "seed-dir", "", "directory of .ktest seed files")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level (trace..error)")

	fs.IntVar(&opts.maxForks, "max-forks", 0, "maximum number of forks (0=unlimited)")
	fs.IntVar(&opts.maxDepth, "max-depth", 0, "maximum branch depth (0=unlimited)")
	fs.IntVar(&opts.maxMemory, "max-memory", 2000, "memory cap in MB")
	fs.BoolVar(&opts.maxMemoryInhibit, "max-memory-inhibit", true, "inhibit forking at the memory cap")
	fs.DurationVar(&opts.maxInstTime, "max-instruction-time", 0, "per-instruction time cap")
	fs.DurationVar(&opts.maxCoreSolverTime, "max-core-solver-time", 0, "per-query solver time cap")
	fs.Float64Var(&opts.maxStaticForkPct, "max-static-fork-pct", 1.0, "per-instruction fork budget as a fraction of all forks")
	fs.Float64Var(&opts.maxStaticSolvePct, "max-static-solve-pct", 1.0, "per-instruction solver budget as a fraction of all queries")
	fs.Float64Var(&opts.maxStaticCPForkPct, "max-static-cpfork-pct", 1.0, "call-path fork budget as a fraction of all forks")
	fs.Float64Var(&opts.maxStaticCPSolvePct, "max-static-cpsolve-pct", 1.0, "call-path solver budget as a fraction of all queries")

	fs.DurationVar(&opts.seedTime, "seed-time", 0, "time dedicated to seeding")
	fs.BoolVar(&opts.onlyReplaySeeds, "only-replay-seeds", false, "discard states without a seed")
	fs.BoolVar(&opts.onlySeed, "only-seed", false, "stop after seeding")
	fs.BoolVar(&opts.allowSeedExtension, "allow-seed-extension", false, "allow seeds smaller than their buffer")
	fs.BoolVar(&opts.zeroSeedExtension, "zero-seed-extension", false, "zero-fill extended seeds")
	fs.BoolVar(&opts.allowSeedTruncation, "allow-seed-truncation", false, "allow seeds larger than their buffer")
	fs.BoolVar(&opts.namedSeedMatching, "named-seed-matching", false, "match seed objects by name")

	fs.BoolVar(&opts.randomizeFork, "randomize-fork", false, "randomize fork successor order")
	fs.Int64Var(&opts.rngSeed, "rng-seed", 1, "random number generator seed")
	fs.BoolVar(&opts.emitAllErrors, "emit-all-errors", false, "emit duplicate error test cases")
	fs.BoolVar(&opts.dumpOnHalt, "dump-states-on-halt", true, "dump remaining states on halt")
	fs.IntVar(&opts.bbCoverage, "bb-coverage", 0, "basic-block coverage report level (0..5)")

	fs.BoolVar(&opts.noInterpolation, "no-interpolation", false, "disable the interpolation tree")
	fs.BoolVar(&opts.subsumedTest, "subsumed-test", false, "emit a test case for subsumed states")
	fs.BoolVar(&opts.wpInterpolant, "wp-interpolant", false, "record weakest-precondition marks")
	fs.BoolVar(&opts.exactAddress, "exact-address-interpolant", false, "use exact addresses in pointer-error interpolants")

	fs.StringVar(&opts.specType, "spec-type", "none", "speculation type (none|safety|coverage)")
	fs.StringVar(&opts.specStrategy, "spec-strategy", "timid", "speculation strategy (timid|aggressive|custom)")
	fs.StringVar(&opts.dependencyFolder, "dependency-folder", "", "folder with SpecAvoid_* files")

	return cmd
}

func runExec(pattern string, opts *runOptions) error {
	level, err := zerolog.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()

	fn, err := loadEntry(pattern, opts.entry)
	if err != nil {
		return err
	}

	cfg := tracerx.DefaultConfig()
	cfg.MaxForks = opts.maxForks
	cfg.MaxDepth = opts.maxDepth
	cfg.MaxMemoryMB = opts.maxMemory
	cfg.MaxMemoryInhibit = opts.maxMemoryInhibit
	cfg.MaxInstructionTime = opts.maxInstTime
	cfg.MaxCoreSolverTime = opts.maxCoreSolverTime
	cfg.MaxStaticForkPct = opts.maxStaticForkPct
	cfg.MaxStaticSolvePct = opts.maxStaticSolvePct
	cfg.MaxStaticCPForkPct = opts.maxStaticCPForkPct
	cfg.MaxStaticCPSolvePct = opts.maxStaticCPSolvePct
	cfg.SeedTime = opts.seedTime
	cfg.OnlyReplaySeeds = opts.onlyReplaySeeds
	cfg.OnlySeed = opts.onlySeed
	cfg.AllowSeedExtension = opts.allowSeedExtension
	cfg.ZeroSeedExtension = opts.zeroSeedExtension
	cfg.AllowSeedTruncation = opts.allowSeedTruncation
	cfg.NamedSeedMatching = opts.namedSeedMatching
	cfg.RandomizeFork = opts.randomizeFork
	cfg.RNGSeed = opts.rngSeed
	cfg.EmitAllErrors = opts.emitAllErrors
	cfg.DumpStatesOnHalt = opts.dumpOnHalt
	cfg.BBCoverage = opts.bbCoverage
	cfg.NoInterpolation = opts.noInterpolation
	cfg.SubsumedTest = opts.subsumedTest
	cfg.WPInterpolant = opts.wpInterpolant
	cfg.ExactAddressInterpolant = opts.exactAddress
	cfg.DependencyFolder = opts.dependencyFolder

	if cfg.SpecType, err = tracerx.ParseSpecType(opts.specType); err != nil {
		return err
	}
	if cfg.SpecStrategy, err = tracerx.ParseSpecStrategy(opts.specStrategy); err != nil {
		return err
	}

	if err := os.MkdirAll(opts.output, 0o755); err != nil {
		return err
	}

	solver := z3.NewSolver()
	defer solver.Close()

	e := tracerx.NewExecutor(fn, cfg)
	e.Solver = solver
	e.Sink = tracerx.NewKTestSink(opts.output)
	e.Output = &tracerx.OutputDir{Dir: opts.output}
	e.Logger = logger

	if opts.seedDir != "" {
		seeds, err := loadSeeds(opts.seedDir)
		if err != nil {
			return err
		}
		logger.Info().Int("seeds", len(seeds)).Msg("seeding enabled")
		e.UseSeeds(seeds)
	}

	start := time.Now()
	if err := e.Run(); err != nil {
		return err
	}

	stats := e.Stats()
	logger.Info().
		Int("instructions", stats.Instructions).
		Int("forks", stats.Forks).
		Int("paths", stats.Terminated).
		Int("subsumed", stats.Subsumptions).
		Dur("elapsed", time.Since(start)).
		Msg("done")
	return nil
}

// loadEntry builds the SSA program for the package pattern and returns the
// named entry function.
func loadEntry(pattern, entry string) (*ssa.Function, error) {
	initial, err := packages.Load(&packages.Config{
		Mode:  packages.LoadAllSyntax,
		Tests: true,
	}, pattern)
	if err != nil {
		return nil, err
	} else if packages.PrintErrors(initial) > 0 {
		return nil, fmt.Errorf("packages contain errors")
	}

	prog, pkgs := ssautil.AllPackages(initial, ssa.BuilderMode(0))
	for i, pkg := range pkgs {
		if pkg == nil {
			return nil, fmt.Errorf("cannot build SSA for package %s", initial[i])
		}
		pkg.SetDebugMode(true)
	}
	prog.Build()

	for _, pkg := range pkgs {
		if fn, ok := pkg.Members[entry].(*ssa.Function); ok {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("entry function not found: %s", entry)
}

// loadSeeds reads every .ktest file under dir in name order.
func loadSeeds(dir string) ([]*tracerx.KTest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, ent := range entries {
		if !ent.IsDir() && strings.HasSuffix(ent.Name(), ".ktest") {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)

	seeds := make([]*tracerx.KTest, 0, len(names))
	for _, name := range names {
		kt, err := tracerx.ReadKTestFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("seed %s: %w", name, err)
		}
		seeds = append(seeds, kt)
	}
	return seeds, nil
}
