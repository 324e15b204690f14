// Command swarmx runs declarative multi-agent swarms.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// exitError carries a process exit code without an extra message; the
// command has already reported the problem.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, humanize(err).Render())
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:           "swarmx",
		Short:         "Run event-driven multi-agent swarms",
		Long:          "swarmx loads a YAML swarm definition, wires agents to completion backends\nthrough a topic router and feeds them tasks.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnvFile(envFile, cmd.Flags().Changed("env-file"))
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file read before ${VAR} expansion")

	root.AddCommand(
		newRunCommand(),
		newValidateCommand(),
		newStatusCommand(),
		newInitCommand(),
		newVersionCommand(),
	)
	return root
}

// loadEnvFile reads path into the environment without overriding variables
// that are already set. A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the swarmx version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "swarmx %s\n", version)
		},
	}
}
