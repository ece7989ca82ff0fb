package main

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(onceCmd, collectCmd, enrichCmd, assembleCmd, processCmd)
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run one full pipeline pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.pipeline.Run(cmd.Context())
	},
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Fetch pending Telegram updates and sweep idle sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		collected, err := a.collector.Collect(cmd.Context())
		if err != nil {
			return err
		}
		swept, err := a.collector.SweepIdleSessions(cmd.Context())
		if err != nil {
			return err
		}
		a.log.Info("Collection finished", "collected", collected, "swept", swept)
		return nil
	},
}

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Transcribe voice, describe photos and summarize documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		voiced, err := a.voice.Process(cmd.Context())
		if err != nil {
			return err
		}
		described, err := a.photos.Process(cmd.Context())
		if err != nil {
			return err
		}
		summarized, err := a.documents.Process(cmd.Context())
		if err != nil {
			return err
		}
		a.log.Info("Enrichment finished",
			"transcribed", voiced, "described", described, "summarized", summarized)
		return nil
	},
}

var assembleCmd = &cobra.Command{
	Use:   "assemble",
	Short: "Compose ready sessions into their final text",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		assembled, err := a.assembler.Process(cmd.Context())
		if err != nil {
			return err
		}
		a.log.Info("Assembly finished", "assembled", assembled)
		return nil
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Write assembled sessions to the Obsidian vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		written, err := a.writer.Process(cmd.Context())
		if err != nil {
			return err
		}
		a.log.Info("Vault delivery finished", "written", written)
		return nil
	},
}
