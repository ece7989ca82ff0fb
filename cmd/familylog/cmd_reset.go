package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	resetCmd.Flags().BoolVar(&resetYes, "yes", false, "skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all messages and sessions, keeping settings and the update cursor",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		if !resetYes {
			fmt.Fprint(os.Stdout, "This deletes all stored messages and sessions. Continue? [y/N] ")
			answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read confirmation: %w", err)
			}
			if strings.TrimSpace(strings.ToLower(answer)) != "y" {
				fmt.Fprintln(os.Stdout, "Aborted.")
				return nil
			}
		}

		if err := a.store.DeleteMessagesAndSessions(cmd.Context()); err != nil {
			return err
		}
		a.log.Info("Messages and sessions deleted, settings preserved")
		return nil
	},
}
