package cmd

import (
	"fmt"
	"github.com/Kyu324/New-bot/guildkeeper"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the bot and the management API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		gk, err := guildkeeper.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		if err = gk.Run(cmd.Context()); err != nil {
			return fmt.Errorf("error running bot: %w", err)
		}
		return nil
	},
}

//nolint:gochecknoinits // cobra registration
func init() {
	rootCmd.AddCommand(runCmd)
}
