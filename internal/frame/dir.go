package frame

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DirSource serves the newest image in a drop folder. Phones and cameras that
// upload into a shared folder (Syncthing, FTP, SMB) become a frame source this
// way.
type DirSource struct {
	dir     string
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	latest  string
	modTime time.Time

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewDirSource creates the folder if needed, picks the newest existing image
// and starts watching for new ones.
func NewDirSource(dir string) (*DirSource, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create frame directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s := &DirSource{
		dir:     dir,
		watcher: watcher,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	s.scan()

	go s.run()

	log.Info().Str("dir", dir).Str("latest", s.Latest()).Msg("watching frame directory")
	return s, nil
}

// scan picks the most recently modified image already in the folder.
func (s *DirSource) scan() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", s.dir).Msg("failed to scan frame directory")
		return
	}
	for _, e := range entries {
		if e.IsDir() || !IsImagePath(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		s.consider(filepath.Join(s.dir, e.Name()), info.ModTime())
	}
}

func (s *DirSource) consider(path string, modTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == "" || !modTime.Before(s.modTime) {
		s.latest = path
		s.modTime = modTime
	}
}

func (s *DirSource) run() {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("dir", s.dir).Msg("frame directory watcher error")
		}
	}
}

func (s *DirSource) handleEvent(event fsnotify.Event) {
	if !IsImagePath(event.Name) {
		return
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		info, err := os.Stat(event.Name)
		if err != nil || info.IsDir() {
			return
		}
		s.consider(event.Name, info.ModTime())
		log.Debug().Str("path", event.Name).Msg("new frame in directory")
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		s.mu.Lock()
		removed := s.latest == event.Name
		if removed {
			s.latest = ""
			s.modTime = time.Time{}
		}
		s.mu.Unlock()
		if removed {
			s.scan()
		}
	}
}

// Latest returns the path of the newest image, or "" if there is none.
func (s *DirSource) Latest() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Capture reads the newest image in the folder.
func (s *DirSource) Capture(ctx context.Context) (*Image, error) {
	path := s.Latest()
	if path == "" {
		return nil, ErrNoFrame
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoFrame
		}
		return nil, fmt.Errorf("failed to read frame %s: %w", path, err)
	}
	if len(data) == 0 {
		// Still being written.
		return nil, ErrNoFrame
	}
	return NewImage(data, MIMETypeFromPath(path)), nil
}

// Close stops watching the folder.
func (s *DirSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stopCh)
		<-s.doneCh
		err = s.watcher.Close()
	})
	return err
}
