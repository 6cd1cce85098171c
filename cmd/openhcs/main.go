// Command openhcs runs a declarative image-processing pipeline against a
// plate of microscopy images (§6 CLI surface).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openhcs/enginego/config"
	"github.com/openhcs/enginego/hooks"
	"github.com/openhcs/enginego/orchestrator"
	"github.com/openhcs/enginego/pipelinedef"
	"github.com/openhcs/enginego/registry"
)

// Exit code bitmap: bit 0 = compile failure present, bit 1 = execution
// failure present, bit 2 = every well failed (total failure).
const (
	exitCompileFailure = 1 << 0
	exitExecFailure    = 1 << 1
	exitTotalFailure   = 1 << 2
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code := 1
		if _, scanErr := fmt.Sscanf(err.Error(), "exit=%d:", &code); scanErr != nil || code == 0 {
			code = 1
		}
		os.Exit(code)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "openhcs",
		Short: "Compile and execute high-content-screening image pipelines",
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		configPath   string
		pipelinePath string
		wells        []string
		dryRun       bool
	)

	cmd := &cobra.Command{
		Use:   "run <plate>",
		Short: "Compile and run a pipeline against a plate directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			platePath := args[0]

			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.LoadYAML(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if len(wells) > 0 {
				cfg.WellFilter.Wells = wells
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
			slogLogger := hooks.NewSlogLogger(logger)
			loggingHook := hooks.NewLoggingHook(slogLogger)

			reg := registry.New()
			if err := reg.Initialize(); err != nil {
				return err
			}

			orch, err := orchestrator.New(platePath, cfg, reg, loggingHook)
			if err != nil {
				return exitErr(exitCompileFailure, err)
			}

			if dryRun {
				wellList, err := orch.Handler.ListWells(platePath)
				if err != nil {
					return exitErr(exitCompileFailure, err)
				}
				fmt.Printf("dry-run: would process %d well(s): %v\n", len(wellList), wellList)
				return nil
			}

			goCtx, cancel := context.WithCancel(context.Background())
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sig
				cancel()
			}()
			defer cancel()

			pipeline, err := pipelinedef.Load(pipelinePath)
			if err != nil {
				return exitErr(exitCompileFailure, err)
			}

			report, err := orch.Run(goCtx, platePath, pipeline)
			if err != nil {
				return exitErr(exitExecFailure, err)
			}

			fmt.Printf("completed=%d canceled=%d compile_failed=%d failed=%d\n",
				report.Completed, report.Canceled, report.CompileFailed, report.Failed)

			code := 0
			if report.CompileFailed > 0 {
				code |= exitCompileFailure
			}
			if report.Failed > 0 {
				code |= exitExecFailure
			}
			if report.Completed == 0 && (report.CompileFailed > 0 || report.Failed > 0) {
				code |= exitTotalFailure
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML GlobalPipelineConfig")
	cmd.Flags().StringVar(&pipelinePath, "pipeline", "", "path to a YAML pipeline definition (required unless --dry-run)")
	cmd.Flags().StringSliceVar(&wells, "wells", nil, "restrict to the given well IDs")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list wells that would be processed without running the pipeline")

	return cmd
}

func exitErr(code int, err error) error {
	return fmt.Errorf("exit=%d: %w", code, err)
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
