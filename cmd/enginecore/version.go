package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show enginecore version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("enginecore %s (%s)\n", Version, build)
	},
}
