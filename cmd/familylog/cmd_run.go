package main

import (
	"github.com/spf13/cobra"

	"github.com/familylog/familylog/internal/pipeline"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline as a daemon on the configured interval",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := pipeline.NewScheduler(a.log)
	if err != nil {
		return err
	}
	sched.AddTask(pipeline.Task{
		Name:      "pipeline",
		Interval:  a.cfg.Pipeline.Interval,
		Immediate: true,
		Run:       a.pipeline.Run,
	})
	sched.AddTask(pipeline.Task{
		Name:     "summary",
		Interval: a.cfg.Summary.Interval,
		Run:      a.summarizer.Run,
	})
	if err := sched.Start(ctx); err != nil {
		return err
	}

	a.log.Info("Daemon started",
		"pipeline_interval", a.cfg.Pipeline.Interval, "summary_interval", a.cfg.Summary.Interval)
	<-ctx.Done()
	a.log.Info("Shutdown signal received, stopping")

	return sched.Stop()
}
