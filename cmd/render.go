package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/jamengine/internal/mix"
	"github.com/audiolibrelab/jamengine/internal/service"
	"github.com/audiolibrelab/jamengine/internal/session"
)

var renderCmd = &cobra.Command{
	Use:     "render [arrangement.yaml]",
	Aliases: []string{"mix"},
	Short:   "Render the arrangement to a WAV file",
	Long: `Render the arrangement offline, faster than real time, into a WAV file in the
output directory. Muted tracks are left out. Use --start and --end to render part
of the arrangement and --tail to keep note releases and fades after the end.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := renderOptions(cmd)
		if err != nil {
			return err
		}
		output, _ := cmd.Flags().GetString("output")

		sess, err := session.Load(args[0])
		if err != nil {
			return fmt.Errorf("failed to load arrangement: %w", err)
		}

		ctx, stop := signalContext()
		defer stop()

		fmt.Printf("Rendering arrangement: %s\n", sess.Name)

		m := mix.New(cfg)
		var res mix.Result
		if output != "" {
			res, err = m.Render(ctx, sess, output, opts)
		} else {
			res, err = m.MixWithOptions(ctx, sess, opts)
		}
		if err != nil {
			return fmt.Errorf("rendering failed: %w", err)
		}

		fmt.Printf("Rendered %s to %s (peak %.2f, took %s)\n",
			service.FormatPosition(res.Duration), res.File, res.Peak, res.Elapsed.Round(time.Millisecond))

		if !strings.ContainsAny(pipelineAfter('m'), "rp") {
			return nil
		}
		return withEngine(args[0], func(ctx context.Context, e *service.Engine) error {
			return executePipeline(ctx, e, 'm')
		})
	},
}

func renderOptions(cmd *cobra.Command) (mix.Options, error) {
	var opts mix.Options
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"start", &opts.Start},
		{"end", &opts.End},
		{"tail", &opts.Tail},
	} {
		s, _ := cmd.Flags().GetString(f.name)
		if s == "" {
			continue
		}
		v, err := service.ParsePosition(s)
		if err != nil {
			return opts, fmt.Errorf("invalid --%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return opts, nil
}

// pipelineAfter returns the steps following the first occurrence of step.
func pipelineAfter(step rune) string {
	p := strings.ToLower(pipeline)
	i := strings.IndexRune(p, step)
	if i < 0 {
		return ""
	}
	return p[i+1:]
}

func init() {
	renderCmd.Flags().StringP("output", "o", "", "output file (default is <output.directory>/<name>_mix.wav)")
	renderCmd.Flags().String("start", "", "start position, in seconds or m:ss")
	renderCmd.Flags().String("end", "", "end position (default is the end of the last clip)")
	renderCmd.Flags().String("tail", "", "extra time rendered after the end")
}
