package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version holds the application version string. It is intended to be
// overridden at build time via ldflags:
//
//	go build -ldflags "-X github.com/webpilot-dev/webpilot/cmd.Version=1.2.3"
var Version = "0.1.0-dev"

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Prints the webpilot version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	})
}
