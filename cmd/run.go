package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/jamengine/internal/mix"
	"github.com/audiolibrelab/jamengine/internal/service"
)

var runCmd = &cobra.Command{
	Use:   "run [arrangement.yaml]",
	Short: "Execute pipeline steps on an arrangement",
	Long: `Execute the specified pipeline steps on an arrangement. Use -p to specify which steps to run.
Recording and playback run over the length of the arrangement; Ctrl+C stops them early.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if pipeline == "" {
			return fmt.Errorf("no pipeline specified, use -p flag (e.g., -p rmp)")
		}

		return withEngine(args[0], func(ctx context.Context, e *service.Engine) error {
			return runSteps(ctx, e, []rune(strings.ToLower(pipeline)))
		})
	},
}

func printTakes(e *service.Engine) {
	takes := e.Takes()
	if len(takes) == 0 {
		fmt.Println("No takes recorded")
		return
	}
	for _, take := range takes {
		fmt.Printf("  %-5s %-12s %s (at %s, %s)\n", take.Kind, take.Input, take.Path,
			service.FormatPosition(take.PunchIn), service.FormatPosition(take.Length))
	}
}

func mixOutput(e *service.Engine) string {
	return mix.New(e.GetConfig()).OutputPath(e.Session().Name)
}
