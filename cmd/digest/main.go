package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "digest",
		Short:         "Collect team activity and turn it into AI-written reports",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(collectCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(sourcesCmd())
	rootCmd.AddCommand(providersCmd())
	rootCmd.AddCommand(testProviderCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error:"), err)
		os.Exit(1)
	}
}
