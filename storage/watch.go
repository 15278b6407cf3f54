package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
)

// ErrWatchUnsupported is returned by Watch for stores not backed by the OS
// file system.
var ErrWatchUnsupported = errors.New("watching needs an OS file system")

// Watch keeps the file index current while other processes change the
// directory. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	if _, ok := s.fs.(*afero.OsFs); !ok {
		return fmt.Errorf("%w: %w", ErrFileSystem, ErrWatchUnsupported)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return s.fault("watch", s.dir, err)
	}
	defer w.Close()
	if err := w.Add(s.dir); err != nil {
		return s.fault("watch", s.dir, err)
	}
	s.logger.Debug("watching", "dir", s.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug("directory changed", "event", ev)
			if err := s.Rescan(); err != nil {
				return err
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watch error", "err", err)
		}
	}
}
