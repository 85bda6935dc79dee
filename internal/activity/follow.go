package activity

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aatumaykin/pipetimer/internal/logger"
)

// Follow streams events matching f as they are committed, by this process or
// by another process writing the same database. With f.Tail set, the last
// Tail matching events are sent first. Otherwise only events committed after
// the call (or after f.AfterID) are sent. The channel closes when ctx is done
// or the Store is closed.
func (s *Store) Follow(ctx context.Context, f Filter) (<-chan Event, error) {
	cursor := f.AfterID
	var backlog []Event

	if f.Tail > 0 {
		var err error
		backlog, err = Collect(s.Query(ctx, f))
		if err != nil {
			return nil, err
		}
		if n := len(backlog); n > 0 {
			cursor = backlog[n-1].ID
		}
		if cursor == f.AfterID {
			if cursor, err = s.LastID(ctx); err != nil {
				return nil, err
			}
		}
	} else if cursor == 0 {
		var err error
		if cursor, err = s.LastID(ctx); err != nil {
			return nil, err
		}
	}
	if _, err := f.compile(); err != nil {
		return nil, err
	}

	live := f
	live.Tail = 0
	live.Limit = 0

	out := make(chan Event, pageSize)
	go s.follow(ctx, live, cursor, backlog, out)
	return out, nil
}

func (s *Store) follow(ctx context.Context, f Filter, cursor int64, backlog []Event, out chan<- Event) {
	defer close(out)

	for _, ev := range backlog {
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		case <-s.writerDone:
			return
		}
	}

	fsEvents, stopWatch := s.watchFiles()
	defer stopWatch()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		changed := s.changed()

		f.AfterID = cursor
		for ev, err := range s.Query(ctx, f) {
			if err != nil {
				if ctx.Err() != nil || s.isClosed() {
					return
				}
				s.log.Warn("follow query failed", logger.Field{Key: "error", Value: err.Error()})
				break
			}
			select {
			case out <- ev:
				cursor = ev.ID
			case <-ctx.Done():
				return
			case <-s.writerDone:
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-s.writerDone:
			return
		case <-changed:
		case <-fsEvents:
		case <-ticker.C:
		}
	}
}

// watchFiles reports writes to the database and its WAL from any process.
// When watching is not possible the returned channel never fires and Follow
// relies on polling.
func (s *Store) watchFiles() (<-chan struct{}, func()) {
	never := make(chan struct{})
	if s.path == "" {
		return never, func() {}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Debug("fsnotify unavailable, polling", logger.Field{Key: "error", Value: err.Error()})
		return never, func() {}
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		s.log.Debug("cannot watch activity directory, polling", logger.Field{Key: "error", Value: err.Error()})
		return never, func() {}
	}

	base := filepath.Base(s.path)
	wake := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !strings.HasPrefix(filepath.Base(ev.Name), base) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Debug("fsnotify error", logger.Field{Key: "error", Value: err.Error()})
			}
		}
	}()

	return wake, func() {
		close(done)
		w.Close()
	}
}
