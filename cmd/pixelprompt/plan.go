package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dunamismax/pixelprompt/internal/dispatch"
)

type planOutput struct {
	Instruction string   `json:"instruction"`
	Version     string   `json:"version"`
	Operations  []string `json:"operations"`
	dispatch.Result
}

func newPlanCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "plan <instruction>",
		Short: "Show the operations an instruction resolves to",
		Long: `Resolve an instruction against the rule table and print the ordered
plan without reading or writing any image.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			editor, err := opts.editor()
			if err != nil {
				return err
			}

			instruction := strings.Join(args, " ")
			result := editor.Plan(instruction)
			out := cmd.OutOrStdout()

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(planOutput{
					Instruction: instruction,
					Version:     editor.RulesVersion(),
					Operations:  dispatch.Names(result.Plan),
					Result:      result,
				})
			}

			if result.Blocked() {
				printBlock(out, result.Block)
				return fmt.Errorf("instruction blocked")
			}
			for i, op := range result.Plan {
				fmt.Fprintf(out, "%d. %s (rule %s)\n", i+1, op, result.RuleIDs[i])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the resolution as JSON")
	return cmd
}

func printBlock(out io.Writer, block *dispatch.Block) {
	fmt.Fprintf(out, "blocked: %s\n", block.Reason)
	if block.RuleID != "" {
		fmt.Fprintf(out, "rule: %s\n", block.RuleID)
	}
	if len(block.Suggestions) > 0 {
		fmt.Fprintf(out, "try: %s\n", strings.Join(block.Suggestions, ", "))
	}
}
