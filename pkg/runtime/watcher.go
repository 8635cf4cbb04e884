package runtime

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch follows the runtimes directory and registers trees as their
// runtime.yml appears (the install meta-job writes the manifest last, after
// the tree is complete). Removed trees are unregistered unless still in use.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				r.handleEvent(watcher, ev)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn().Err(err).Msg("runtime watcher error")
			}
		}
	}()
	return nil
}

func (r *Registry) handleEvent(watcher *fsnotify.Watcher, ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			// watch the new tree for its manifest
			if err := watcher.Add(ev.Name); err != nil {
				r.logger.Warn().Err(err).Str("path", ev.Name).Msg("failed to watch runtime tree")
			}
			return
		}
		if filepath.Base(ev.Name) != "runtime.yml" {
			return
		}
		root := filepath.Dir(ev.Name)
		if filepath.Dir(root) != r.dir {
			return
		}
		manifest, err := LoadManifest(root)
		if err != nil {
			r.logger.Warn().Err(err).Str("path", root).Msg("failed to load installed manifest")
			return
		}
		if err := r.Register(manifest, root); err != nil {
			r.logger.Warn().Err(err).Str("runtime", manifest.Name).Msg("failed to register installed runtime")
		}

	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		if filepath.Dir(ev.Name) != r.dir {
			return
		}
		name := filepath.Base(ev.Name)
		if err := r.Unregister(name); err != nil {
			r.logger.Debug().Err(err).Str("runtime", name).Msg("watcher unregister skipped")
		}
	}
}
