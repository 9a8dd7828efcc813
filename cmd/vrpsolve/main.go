// Command vrpsolve solves and generates VRPTW-C instances from the command line.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vrptwc/internal/config"
	"vrptwc/internal/instance"
	"vrptwc/internal/opt"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var level string
	root := &cobra.Command{
		Use:          "vrpsolve",
		Short:        "Memetic solver for vehicle routing with time windows and compatibility constraints",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			lvl, err := log.ParseLevel(level)
			if err != nil {
				return err
			}
			log.SetLevel(lvl)
			log.SetOutput(cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().StringVar(&level, "log-level", envOr("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.AddCommand(newSolveCmd(), newGenerateCmd())
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type solveFlags struct {
	instance string
	config   string
	seed     int64
	runs     int
	parallel int
	csv      string
	alpha    float64
	beta     float64
}

func newSolveCmd() *cobra.Command {
	var f solveFlags
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Solve an instance (.json or Solomon .txt)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runSolve(ctx, cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.instance, "instance", "", "instance file")
	fl.StringVar(&f.config, "config", "", "solver YAML config")
	fl.Int64Var(&f.seed, "seed", 0, "random seed (0 = time based)")
	fl.IntVar(&f.runs, "runs", 1, "independent runs; the best is reported")
	fl.IntVar(&f.parallel, "parallel", 1, "runs evolved concurrently")
	fl.StringVar(&f.csv, "csv", "", "write the result CSV to this file")
	fl.Float64Var(&f.alpha, "alpha", 0, "cost per vehicle (overrides config)")
	fl.Float64Var(&f.beta, "beta", 0, "cost per unit of tardiness (overrides config)")
	_ = cmd.MarkFlagRequired("instance")
	return cmd
}

// solverConfig loads the YAML config and applies flags the user set.
func solverConfig(cmd *cobra.Command, f solveFlags) (config.Solver, error) {
	cfg, err := config.Load(f.config)
	if err != nil {
		return config.Solver{}, err
	}
	var o config.Overrides
	if cmd.Flags().Changed("seed") {
		o.Seed = &f.seed
	}
	if cmd.Flags().Changed("alpha") {
		o.Alpha = &f.alpha
	}
	if cmd.Flags().Changed("beta") {
		o.Beta = &f.beta
	}
	cfg = o.Apply(cfg)
	return cfg, cfg.Validate()
}

func runSolve(ctx context.Context, cmd *cobra.Command, f solveFlags) error {
	cfg, err := solverConfig(cmd, f)
	if err != nil {
		return err
	}
	if f.runs < 1 {
		return fmt.Errorf("--runs must be >= 1")
	}
	in, err := instance.LoadFile(f.instance)
	if err != nil {
		return err
	}
	p, err := in.Problem(cfg.Alpha, cfg.Beta)
	if err != nil {
		return err
	}
	entry := log.WithFields(log.Fields{"instance": in.Name, "clients": len(in.Clients), "runs": f.runs})
	entry.WithFields(log.Fields{"population": cfg.PopulationSize, "generations": cfg.Generations, "alpha": cfg.Alpha, "beta": cfg.Beta}).Info("solving")

	progress := func(run int, st opt.GenerationStats) {
		if st.Generation%10 != 0 && st.Generation != cfg.Generations {
			return
		}
		entry.WithFields(log.Fields{"run": run, "generation": st.Generation, "best": st.BestEver, "mean": st.Mean, "feasible": st.Feasible}).Debug("progress")
	}

	var best *opt.Individual
	if f.runs == 1 {
		e, err := opt.NewEngine(p, cfg.Config, nil)
		if err != nil {
			return err
		}
		e.OnGeneration(func(st opt.GenerationStats) { progress(0, st) })
		var m opt.Metrics
		if best, m, err = e.Run(); err != nil {
			return err
		}
		entry.WithFields(log.Fields{"seed": m.Seed, "elapsed": m.Elapsed}).Info("done")
	} else {
		res, err := opt.RunBatch(ctx, p, cfg.Config, f.runs, f.parallel, progress)
		if err != nil {
			return err
		}
		best = res.Best
		entry.WithFields(log.Fields{"best_run": res.BestRun, "min": res.Summary.Min, "mean": res.Summary.Mean, "stddev": res.Summary.StdDev}).Info("done")
	}

	status := "feasible"
	if !best.Feasible() {
		status = "infeasible: " + best.Violation.String()
	}
	comp := opt.VerifyCompleteness(p, best)
	if !comp.OK() {
		entry.WithFields(log.Fields{"missing": comp.Missing, "duplicates": comp.Duplicates, "phantom": comp.Phantom}).Warn("incomplete solution")
		status = "incomplete"
	}
	report := instance.NewReport(in.Name, p, best, status)
	printReport(cmd.OutOrStdout(), report)

	if f.csv != "" {
		out, err := os.Create(f.csv)
		if err != nil {
			return err
		}
		if err := instance.WriteCSV(out, report); err != nil {
			_ = out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
		entry.WithField("file", f.csv).Info("csv written")
	}
	return nil
}

func printReport(w io.Writer, r instance.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "instance\t%s\n", r.Instance)
	fmt.Fprintf(tw, "status\t%s\n", r.Status)
	fmt.Fprintf(tw, "vehicles\t%d\n", r.Vehicles)
	fmt.Fprintf(tw, "total (Z)\t%.4f\n", r.Total)
	fmt.Fprintf(tw, "distance cost\t%.4f\n", r.DistanceCost)
	fmt.Fprintf(tw, "vehicle cost\t%.4f\n", r.VehicleCost)
	fmt.Fprintf(tw, "penalty cost\t%.4f\n", r.PenaltyCost)
	_ = tw.Flush()
	for _, rt := range r.Routes {
		fmt.Fprintf(w, "  vehicle %d: %s  dist=%.2f demand=%.0f\n", rt.Vehicle, instance.RoutePath(rt.Clients), rt.Distance, rt.Demand)
	}
}

func newGenerateCmd() *cobra.Command {
	var (
		clients int
		seed    int64
		out     string
		plain   bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a synthetic JSON instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			o := instance.DefaultGenerateOptions(clients, seed)
			o.Attributes = !plain
			in, err := instance.Generate(o)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if out != "" {
				fh, err := os.Create(out)
				if err != nil {
					return err
				}
				defer fh.Close()
				w = fh
			}
			if err := instance.EncodeJSON(w, in); err != nil {
				return err
			}
			log.WithFields(log.Fields{"name": in.Name, "clients": len(in.Clients), "pairs": len(in.Pairs)}).Info("instance generated")
			return nil
		},
	}
	cmd.Flags().IntVar(&clients, "clients", 25, "number of clients")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed")
	cmd.Flags().StringVar(&out, "out", "", "output file (default stdout)")
	cmd.Flags().BoolVar(&plain, "no-attributes", false, "omit temperature and access attributes")
	return cmd
}
