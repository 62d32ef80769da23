package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenDataEnsemble/synkronus/pkg/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// startServer is a variable to allow mocking in tests
var startServer = runServer

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing. It returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "synkronus",
		Short:         "Offline-first sync server for observations, attachments and app bundles",
		SilenceUsage:  true,
		SilenceErrors: true,
		// Running without a subcommand starts the server.
		RunE: serve,
	}
	root.AddCommand(
		&cobra.Command{
			Use:     "serve",
			Aliases: []string{"server"},
			Short:   "Run the HTTP server (default)",
			RunE:    serve,
		},
		newHealthCmd(),
		newVersionCmd(),
		newBundleCmd(),
		newTokenCmd(),
	)
	return root
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return startServer(cmd.Context(), cfg)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "synkronus %s\n", version)
		},
	}
}
