package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/tandem"
)

const defaultWatchInterval = 2 * time.Second

// clearScreen resets the terminal between table renders.
const clearScreen = "\033[H\033[2J"

// watchStatus re-renders status whenever the PID records or the degraded
// marker change, and at least every f.Interval to catch processes that exit
// without touching either.
func watchStatus(ctx context.Context, app *tandem.App, w io.Writer, f StatusFlags, name string) error {
	interval := f.Interval
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()
	for _, dir := range []string{app.Config.PIDDir(), app.Config.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := fw.Add(dir); err != nil {
			return err
		}
	}

	render := func() error {
		if f.Output == "" || f.Output == "table" {
			if _, err := io.WriteString(w, clearScreen); err != nil {
				return err
			}
		}
		if err := renderOnce(ctx, app, w, f.Output, name); err != nil {
			return err
		}
		if f.Output == "" || f.Output == "table" {
			_, err := fmt.Fprintf(w, "\nwatching (every %s), Ctrl-C to exit\n", interval)
			return err
		}
		return nil
	}
	if err := render(); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			app.Logger.Debug("state changed", "path", ev.Name, "op", ev.Op.String())
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			app.Logger.Warn("watch error", "error", err)
			continue
		case <-ticker.C:
		}
		if err := render(); err != nil {
			return err
		}
	}
}
