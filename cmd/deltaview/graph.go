package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/l7mp/deltaview/pkg/visualize"
)

func newGraphCommand(flags *rootFlags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render the operator graph of the scene pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.setup()
			if err != nil {
				return err
			}
			gen, ok := visualize.NewGenerator(format)
			if !ok {
				return fmt.Errorf("unknown format %q, use dot or mermaid", format)
			}
			s, err := newScene(cfg, nil, logger)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), gen.Generate(visualize.BuildGraph("scene", s.nodes...)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "dot", "Output format: dot or mermaid.")
	return cmd
}
