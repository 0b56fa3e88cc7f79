package supervisor

import (
	"context"
	"errors"
	"sort"
	"time"

	"vawter.tech/stopper"
)

// StatusEvent reports that a service moved between StateRunning and StateOff.
// Old is empty for the first observation of a service.
type StatusEvent struct {
	Name string
	Old  string
	New  string
}

// WatchCleanupFunc stops a watch and waits for its goroutine to exit.
type WatchCleanupFunc func() error

// Watch polls GetStatusMap every interval and emits an event for every
// service whose state changed, starting with the initial state of each.
// The channel is closed after cleanup is called or ctx ends.
func (s *Supervisor) Watch(ctx context.Context, interval time.Duration) (<-chan StatusEvent, WatchCleanupFunc, error) {
	if interval <= 0 {
		return nil, nil, errors.New("supervisor: watch interval must be positive")
	}

	ch := make(chan StatusEvent, 16)
	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		close(ch)
	})

	cleanup := func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}

	sctx.Go(func(sctx *stopper.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		last := map[string]string{}
		emit := func() bool {
			current := s.GetStatusMap(sctx)
			s.Sync()

			names := make([]string, 0, len(current))
			for name := range current {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				state := current[name]
				if last[name] == state {
					continue
				}
				select {
				case ch <- StatusEvent{Name: name, Old: last[name], New: state}:
				case <-sctx.Stopping():
					return false
				}
				last[name] = state
			}
			return true
		}

		if !emit() {
			return nil
		}
		for {
			select {
			case <-sctx.Stopping():
				return nil
			case <-ticker.C:
				if !emit() {
					return nil
				}
			}
		}
	})

	return ch, cleanup, nil
}
