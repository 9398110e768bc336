package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newKeywordsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keywords",
		Short: "List the phrases the rule table understands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			editor, err := opts.editor()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# rules %s\n", editor.RulesVersion())
			for _, kw := range editor.Keywords() {
				fmt.Fprintln(out, kw)
			}
			return nil
		},
	}
}
