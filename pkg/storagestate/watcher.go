package storagestate

import (
	"sync"
	"time"

	"github.com/aoscore/aos-cm/pkg/log"
	"github.com/fsnotify/fsnotify"
)

// stateChangeDebounce is the debounce window between a filesystem event
// and re-reading the state file.
const stateChangeDebounce = time.Second

// stateWatcher watches a single state file and calls onChange, debounced,
// whenever an event storm on the file settles down. A burst of events from
// a single touch that leaves the content unchanged produces no call, since
// onChange itself re-reads and compares the checksum before doing anything.
type stateWatcher struct {
	path     string
	onChange func()

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	done    chan struct{}
}

func newStateWatcher(path string, onChange func()) (*stateWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	sw := &stateWatcher{
		path:     path,
		onChange: onChange,
		watcher:  w,
		done:     make(chan struct{}),
	}
	go sw.run()
	return sw, nil
}

func (s *stateWatcher) run() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Chmod) != 0 {
				s.scheduleFire()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("storagestate: watcher error on " + s.path + ": " + err.Error())
		case <-s.done:
			return
		}
	}
}

func (s *stateWatcher) scheduleFire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(stateChangeDebounce, s.onChange)
}

// Close tears down the watcher without touching the file it watched.
func (s *stateWatcher) Close() error {
	close(s.done)

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	return s.watcher.Close()
}
