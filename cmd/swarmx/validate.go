package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"swarmx/internal/infra/config"
	"swarmx/internal/infra/logger"
	"swarmx/internal/usecase/swarm"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a swarm definition and report every problem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			def, err := config.Load(args[0])
			if err != nil {
				var ve *config.ValidationError
				if !errors.As(err, &ve) {
					fmt.Fprintf(out, "%s %v\n", errStyle.Render(symbols.Fail), err)
					return &exitError{code: 1}
				}
				fmt.Fprintf(out, "%s %s: %d problem(s)\n", errStyle.Render(symbols.Fail), args[0], len(ve.Errors))
				for _, issue := range ve.Errors {
					fmt.Fprintf(out, "  - %s\n", issue)
				}
				return &exitError{code: 1}
			}

			for _, w := range def.Warnings {
				fmt.Fprintf(out, "%s %s\n", warnStyle.Render(symbols.Warn), w)
			}
			fmt.Fprintf(out, "%s %s is valid: %d backend(s), %d agent(s), %d schedule(s)\n",
				okStyle.Render(symbols.OK), def.Name, len(def.Backends), len(def.Agents), len(def.Schedules))
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <file>",
		Short: "Show the agents, backends and router a definition builds",
		Long:  "status builds the swarm without starting it and prints its snapshot.\nNo backend is contacted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := config.Load(args[0])
			if err != nil {
				return err
			}
			c, err := swarm.FromDefinition(def, logger.Discard())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderStatus(def.Name, c.Status()))
			return nil
		},
	}
}
