package app

import (
	"log"
	"os"
	"time"
)

// ConfigWatcher polls a config file and calls onChange when its modification
// time moves forward.
type ConfigWatcher struct {
	logger   *log.Logger
	onChange func()
	stop     chan struct{}
	path     string
	interval time.Duration
	modTime  time.Time
}

// NewConfigWatcher creates a watcher for path polling every interval.
func NewConfigWatcher(path string, interval time.Duration, logger *log.Logger, onChange func()) *ConfigWatcher {
	var modTime time.Time
	if info, err := os.Stat(path); err == nil {
		modTime = info.ModTime()
	}
	return &ConfigWatcher{
		logger:   logger,
		onChange: onChange,
		stop:     make(chan struct{}),
		path:     path,
		interval: interval,
		modTime:  modTime,
	}
}

// Start blocks until Stop is called.
func (w *ConfigWatcher) Start() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// Stop ends Start. It is safe to call more than once.
func (w *ConfigWatcher) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

func (w *ConfigWatcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	if info.ModTime().After(w.modTime) {
		w.modTime = info.ModTime()
		w.logger.Printf("[app] config file modified, reloading")
		w.onChange()
	}
}
