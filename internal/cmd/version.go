package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anthill/anthill/internal/version"
)

var versionCmd = &cobra.Command{
	Use:     "version",
	GroupID: GroupConfig,
	Short:   "Print the anthill version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("anthill " + version.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
