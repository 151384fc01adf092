package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/jamengine/internal/service"
)

var recordCmd = &cobra.Command{
	Use:   "record [arrangement.yaml]",
	Short: "Play the arrangement and record the armed inputs",
	Long: `Play the arrangement while recording every armed input of the active profile.
Each input becomes a new take in the output directory and a new track of the
arrangement. Press Enter or Ctrl+C to stop.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fromFlag, _ := cmd.Flags().GetString("from")
		from, err := service.ParsePosition(fromFlag)
		if err != nil {
			return err
		}

		return withEngine(args[0], func(ctx context.Context, e *service.Engine) error {
			if err := e.SetPosition(from); err != nil {
				return err
			}
			if err := e.Record(); err != nil {
				return fmt.Errorf("failed to start recording: %w", err)
			}

			slog.Info("Recording - press Enter or Ctrl+C to stop", "from", service.FormatPosition(from))
			waitForEnter(ctx)

			slog.Info("Stopping recording...")
			if err := e.Stop(false); err != nil {
				return fmt.Errorf("failed to stop recording: %w", err)
			}
			printTakes(e)

			// Ctrl+C stops the pipeline too
			if ctx.Err() != nil {
				return nil
			}
			return executePipeline(ctx, e, 'r')
		})
	},
}

func init() {
	recordCmd.Flags().String("from", "0", "start position, in seconds or m:ss")
}
