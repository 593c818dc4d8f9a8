package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AaronLay10/Constellation/internal/orchestrator"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <graph.json>",
		Short: "Check an initial graph without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := orchestrator.LoadInitialGraph(args[0])
			if err != nil {
				return err
			}
			if err := orchestrator.ValidateInitialGraph(*g); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tasks, entry points: %s\n",
				args[0], len(g.Tasks), strings.Join(entryPoints(*g), ", "))
			return nil
		},
	}
}

// entryPoints lists the tasks with no dependencies, in declaration order.
func entryPoints(g orchestrator.InitialGraph) []string {
	dependent := make(map[string]bool)
	for _, e := range g.Edges {
		dependent[e.To] = true
	}
	var roots []string
	for _, t := range g.Tasks {
		if len(t.Dependencies) == 0 && !dependent[t.TaskID] {
			roots = append(roots, t.TaskID)
		}
	}
	return roots
}
