package main

import (
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print build details.",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{quietAnnotation: "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("vitalsync\n")
			cmd.Printf("  Version: %s\n", version)
			cmd.Printf("  Commit:  %s\n", commit)
			cmd.Printf("  Built:   %s\n", date)
			cmd.Printf("  Runtime: %s\n", runtime.Version())
		},
	}
}
