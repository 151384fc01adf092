package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/audiolibrelab/jamengine/internal/service"
)

// executePipeline runs the pipeline steps that follow startStep.
func executePipeline(ctx context.Context, e *service.Engine, startStep rune) error {
	if pipeline == "" {
		return nil
	}

	steps := []rune(strings.ToLower(pipeline))

	// Find the starting position in the pipeline
	startIndex := -1
	for i, step := range steps {
		if step == startStep {
			startIndex = i
			break
		}
	}

	if startIndex == -1 {
		return fmt.Errorf("step '%c' not found in pipeline '%s'", startStep, pipeline)
	}

	return runSteps(ctx, e, steps[startIndex+1:])
}

func runSteps(ctx context.Context, e *service.Engine, steps []rune) error {
	for i, step := range steps {
		fmt.Printf("Pipeline: executing step %d/%d: '%c'...\n", i+1, len(steps), step)
		if err := e.RunPipeline(ctx, string(step)); err != nil {
			return err
		}
		switch step {
		case 'r':
			fmt.Println("Pipeline: recording completed")
			printTakes(e)
		case 'm':
			fmt.Printf("Pipeline: mixing completed (%s)\n", mixOutput(e))
		case 'p':
			fmt.Println("Pipeline: playback completed")
		}
	}
	return nil
}

func validatePipeline() error {
	if pipeline == "" {
		return nil
	}

	validSteps := map[rune]bool{
		'r': true, // record
		'm': true, // mix
		'p': true, // play
	}

	steps := []rune(strings.ToLower(pipeline))
	for _, step := range steps {
		if !validSteps[step] {
			return fmt.Errorf("invalid pipeline step: '%c' (valid: r=record, m=mix, p=play)", step)
		}
	}

	return nil
}
