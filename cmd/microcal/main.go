// Command microcal runs the dual-stage microscope calibration pipeline.
// Without real instrument drivers it runs against the simulated bench,
// which is enough to exercise the full pipeline end to end.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"microcal/internal/calib"
	"microcal/internal/hardware/sim"
	"microcal/internal/version"
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:          "microcal",
		Short:        "Dual-stage microscope calibration",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(runCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <holder-id>",
		Short: "Run a full calibration against the simulated bench",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := calib.LoadConfig(configPath)
			if err != nil {
				return err
			}

			bench := sim.NewBench()
			cal := calib.New(cfg, calib.Deps{
				OpticalStage: bench.OpticalStage,
				SEMStage:     bench.SEMStage,
				Focus:        bench.Focus,
				Scanner:      bench.Scanner,
				Detector:     bench.Detector,
				Chamber:      bench.Chamber,
				Emitter:      bench.Emitter,
			}, func(s calib.State) {
				slog.Info("pipeline", "state", s.String())
			})

			run, res := cal.Run(args[0])

			// First interrupt cancels the run; hardware restore happens
			// before the task reports done.
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)
			go func() {
				<-sigs
				slog.Warn("interrupt received, cancelling calibration")
				run.Cancel()
			}()

			start := time.Now()
			err = run.Wait()
			fmt.Printf("calibration finished in %s with %d result entries\n",
				time.Since(start).Round(time.Millisecond), res.Len())
			return err
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("microcal %s (commit %s, built %s)\n",
				version.Version, version.GitCommit, version.BuildTime)
		},
	}
}
