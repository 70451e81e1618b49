package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("meshlink/config")

// debounce absorbs the editor write/rename bursts into one reload.
const debounce = 250 * time.Millisecond

// Watch reloads the config whenever the file at path changes and hands
// each valid result to apply. Invalid or unreadable versions are logged
// and skipped; the previous config stays in effect. Watch returns once
// the watcher is running; it stops when ctx is cancelled.
func Watch(ctx context.Context, path string, apply func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory, not the file: editors replace files by rename
	// and a file-level watch dies with the old inode.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	base := filepath.Base(path)

	go func() {
		defer w.Close()
		var pending *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(e.Name) != base {
					continue
				}
				if e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(debounce, func() {
					cfg, err := Load(path)
					if err != nil {
						log.Warnf("config reload skipped: %v", err)
						return
					}
					log.Infof("config reloaded from %s", path)
					apply(cfg)
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher: %v", err)
			}
		}
	}()
	return nil
}
