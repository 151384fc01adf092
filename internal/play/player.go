// Package play previews a single audio file, such as a take or a mixdown,
// through the configured output device.
package play

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/jamengine/internal/config"
	"github.com/audiolibrelab/jamengine/internal/mix"
	"github.com/audiolibrelab/jamengine/internal/service"
	"github.com/audiolibrelab/jamengine/internal/session"
)

type Player struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Player {
	return &Player{cfg: cfg}
}

// Resolve finds the file to play. name may be a path, a file in the output
// directory, or the name of an arrangement whose mixdown should be played.
func (p *Player) Resolve(name string) (string, error) {
	candidates := []string{
		name,
		filepath.Join(p.cfg.Output.Directory, name),
		mix.New(p.cfg).OutputPath(name),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("audio file not found: %s", name)
}

// Play plays the file from the given position to its end. Inputs are
// never armed.
func (p *Player) Play(ctx context.Context, name string, from float64) error {
	audioFile, err := p.Resolve(name)
	if err != nil {
		return err
	}

	sess, err := session.ForFile(audioFile)
	if err != nil {
		return err
	}

	cfg := *p.cfg
	cfg.Inputs = nil
	cfg.Sync = config.SyncConfig{}

	engine := service.New(&cfg, "", sess)
	if err := engine.Open(); err != nil {
		return err
	}
	defer engine.Close()

	slog.Info("Playing", "file", audioFile, "length", service.FormatPosition(sess.Length()))

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		return engine.PlayThrough(gctx, from)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("playback failed: %w", err)
	}

	slog.Info("Playback completed", "file", audioFile)
	return nil
}
