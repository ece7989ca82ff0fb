package main

import (
	"github.com/spf13/cobra"

	"github.com/familylog/familylog/internal/telegram"
)

func init() {
	rootCmd.AddCommand(summaryCmd, setupCmd)
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Digest recent vault entries into a summary note and announce it",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.summarizer.Run(cmd.Context())
	},
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Send the intent keyboard to the configured family chats",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		if len(a.cfg.Summary.ChatIDs) == 0 {
			a.log.Warn("No chat ids configured, nothing to set up")
			return nil
		}

		markup := telegram.IntentKeyboard(markerPhrases(a.cfg.Ingest.Markers))
		text := "FamilyLog is ready. Tap a button below to start a new entry."
		for _, chatID := range a.cfg.Summary.ChatIDs {
			if err := a.telegram.SendMessage(cmd.Context(), chatID, text, markup); err != nil {
				return err
			}
			a.log.Info("Intent keyboard sent", "chat_id", chatID)
		}
		return nil
	},
}
