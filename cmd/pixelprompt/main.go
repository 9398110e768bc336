// Command pixelprompt resolves and applies edit instructions locally,
// without the api or a queue.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dunamismax/pixelprompt/internal/pipeline"
)

type rootOptions struct {
	rulesFile   string
	jpegQuality int
	maxPixels   int
}

func (o *rootOptions) editor() (*pipeline.Editor, error) {
	return pipeline.NewEditorFromFile(o.rulesFile, pipeline.Options{
		JPEGQuality: o.jpegQuality,
		MaxPixels:   o.maxPixels,
	}, pipeline.Limits{})
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "pixelprompt",
		Short:         "Edit images with plain-language instructions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.rulesFile, "rules", "", "rule table YAML (defaults to the embedded table)")

	root.AddCommand(
		newPlanCmd(opts),
		newApplyCmd(opts),
		newKeywordsCmd(opts),
	)
	return root
}

func main() {
	cmd := newRootCmd(os.Stdout)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
