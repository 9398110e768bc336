package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dunamismax/pixelprompt/internal/pipeline"
)

func newApplyCmd(opts *rootOptions) *cobra.Command {
	var in, out string

	cmd := &cobra.Command{
		Use:   "apply --in <file> --out <file> <instruction>",
		Short: "Apply an instruction to an image file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := pipeline.Startup(); err != nil {
				return err
			}
			defer pipeline.Shutdown()

			editor, err := opts.editor()
			if err != nil {
				return err
			}

			source, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			instruction := strings.Join(args, " ")
			if err := editor.Validate(source, instruction); err != nil {
				return err
			}

			result, err := editor.Edit(cmd.Context(), source, instruction)
			if err != nil {
				var blocked *pipeline.BlockedError
				if errors.As(err, &blocked) {
					printBlock(cmd.OutOrStdout(), &blocked.Block)
				}
				return err
			}

			if err := os.WriteFile(out, result.Image, 0o644); err != nil {
				return fmt.Errorf("write output: %w", err)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "applied: %s\n", strings.Join(result.AppliedOperations, ", "))
			fmt.Fprintf(w, "output: %s (%s, %dx%d, %d bytes)\n", out, result.Format, result.Width, result.Height, len(result.Image))
			fmt.Fprintf(w, "model: %s in %dms\n", result.ModelLabel, result.ProcessingTimeMS())
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "source image")
	cmd.Flags().StringVar(&out, "out", "", "destination for the edited JPEG")
	cmd.Flags().IntVar(&opts.jpegQuality, "quality", pipeline.DefaultJPEGQuality, "JPEG quality (1-100)")
	cmd.Flags().IntVar(&opts.maxPixels, "max-pixels", pipeline.DefaultMaxPixels, "reject images with more pixels")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
