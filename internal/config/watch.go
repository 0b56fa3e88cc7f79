package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

// debounce absorbs the burst of events an editor or atomic rename produces.
const debounce = 100 * time.Millisecond

// Event is a reload result: Config on success, Err if the new file could
// not be loaded. The previous configuration stays in effect on error.
type Event struct {
	Config *Config
	Err    error
}

// CleanupFunc stops a watch and waits for its goroutine to exit.
type CleanupFunc func() error

// Watch reloads the file at path whenever it changes and delivers the result
// on the returned channel. The parent directory is watched so that atomic
// replacements are seen. The channel is closed once cleanup is called or ctx
// ends.
func Watch(ctx context.Context, path string) (<-chan Event, CleanupFunc, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	ch := make(chan Event, 1)
	sctx := stopper.WithContext(ctx)

	var (
		mu    sync.Mutex
		timer *time.Timer
		wg    sync.WaitGroup
	)

	sctx.Defer(func() {
		_ = watcher.Close()
		mu.Lock()
		if timer != nil && timer.Stop() {
			wg.Done()
		}
		mu.Unlock()
		wg.Wait()
		close(ch)
	})

	cleanup := func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}

	reload := func() {
		defer wg.Done()
		if sctx.IsStopping() {
			return
		}
		cfg, err := Load(abs)
		select {
		case ch <- Event{Config: cfg, Err: err}:
		case <-sctx.Stopping():
		}
	}

	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil && timer.Stop() {
			wg.Done()
		}
		wg.Add(1)
		timer = time.AfterFunc(debounce, reload)
	}

	sctx.Go(func(sctx *stopper.Context) error {
		for {
			select {
			case <-sctx.Stopping():
				return nil

			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					schedule()
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				select {
				case ch <- Event{Err: err}:
				case <-sctx.Stopping():
					return nil
				}
			}
		}
	})

	return ch, cleanup, nil
}
