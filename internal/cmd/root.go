package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kohlctl",
	Short: "Import on-device reading annotations into a notes vault",
	Long:  `kohlctl imports highlights and book metadata from an on-device reading app into a notes vault as markdown, merging by annotation identity across re-imports.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (not read: configuration always comes from $XDG_CONFIG_HOME/kohl-import/config.yaml or ~/.config/kohl-import/config.yaml)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "enable debug logging")
}
