package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/jamengine/internal/play"
	"github.com/audiolibrelab/jamengine/internal/service"
)

var playCmd = &cobra.Command{
	Use:   "play [arrangement.yaml | file.wav]",
	Short: "Play an arrangement or an audio file",
	Long: `Play an arrangement through the configured output device, or preview a single
audio file such as a take or a mixdown. With --file the argument is looked up
in the output directory and as the name of a mixdown.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fromFlag, _ := cmd.Flags().GetString("from")
		from, err := service.ParsePosition(fromFlag)
		if err != nil {
			return err
		}
		asFile, _ := cmd.Flags().GetBool("file")

		if asFile || strings.EqualFold(filepath.Ext(args[0]), ".wav") {
			ctx, stop := signalContext()
			defer stop()
			return play.New(cfg).Play(ctx, args[0], from)
		}

		return withEngine(args[0], func(ctx context.Context, e *service.Engine) error {
			fmt.Printf("Playing %s from %s (%s)\n", e.Session().Name,
				service.FormatPosition(from), service.FormatPosition(e.Session().Length()))
			if err := e.PlayThrough(ctx, from); err != nil {
				return fmt.Errorf("playback failed: %w", err)
			}
			if ctx.Err() != nil {
				return nil
			}
			return executePipeline(ctx, e, 'p')
		})
	},
}

func init() {
	playCmd.Flags().String("from", "0", "start position, in seconds or m:ss")
	playCmd.Flags().Bool("file", false, "treat the argument as an audio file or mixdown name")
}
