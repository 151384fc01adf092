package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/jamengine/internal/service"
	"github.com/audiolibrelab/jamengine/internal/session"
)

// openEngine loads the arrangement and opens the devices for it.
func openEngine(path string) (*service.Engine, error) {
	sess, err := session.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load arrangement: %w", err)
	}
	slog.Debug("Arrangement loaded", "name", sess.Name, "tracks", len(sess.Tracks), "length", sess.Length())

	e := service.New(cfg, cfgFile, sess)
	if err := e.Open(); err != nil {
		return nil, err
	}
	return e, nil
}

// withEngine opens an engine, keeps its background loops running and calls
// fn. The engine is closed when fn returns or on Ctrl+C.
func withEngine(path string, fn func(ctx context.Context, e *service.Engine) error) error {
	e, err := openEngine(path)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext()
	defer stop()

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		return fn(gctx, e)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// waitForEnter returns when the user presses Enter or ctx is done.
func waitForEnter(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Scan()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
