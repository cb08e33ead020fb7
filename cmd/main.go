package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts clientOptions
	var configFlag string

	rootCmd := &cobra.Command{
		Use:           "pushcadence",
		Short:         "Scheduled push campaign orchestration",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", "http://localhost:8080", "Base URL of a running server")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("PUSHCADENCE_TOKEN"), "Bearer token for the API")

	rootCmd.AddCommand(newServeCommand(&configFlag))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHealthCommand(&opts))
	rootCmd.AddCommand(newRestoreCommand(&opts))
	rootCmd.AddCommand(newStopCommand(&opts))

	return rootCmd
}
