package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// PromptWatcher watches a prompt file directory for edits and reports each
// written or created file to a callback; it reloads nothing itself. Prompt
// text can change between agent runs because the agent runner reads the
// prompt file afresh on every run, while every other configuration value is
// read once at startup and never reloaded (spec.md §6).
type PromptWatcher struct {
	watcher *fsnotify.Watcher
	onWrite func(path string)
}

// WatchPromptDir starts watching dir for writes to prompt files, invoking
// onWrite with the changed file's path. The returned PromptWatcher must be
// closed by the caller.
func WatchPromptDir(dir string, onWrite func(path string)) (*PromptWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	pw := &PromptWatcher{watcher: w, onWrite: onWrite}
	go pw.loop()
	return pw, nil
}

func (pw *PromptWatcher) loop() {
	for {
		select {
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				pw.onWrite(event.Name)
			}
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("prompt directory watch error", "err", err)
		}
	}
}

// Close stops watching.
func (pw *PromptWatcher) Close() error {
	return pw.watcher.Close()
}
