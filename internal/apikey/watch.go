package apikey

import (
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch follows the key file and reloads on change. Editors and secret
// managers replace files via rename, so removed paths are re-added and events
// are debounced before reloading. No-op when no key file is configured.
func (k *Keeper) Watch() error {
	if k.path == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(k.path); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						slog.Error("apikey: watch re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(250 * time.Millisecond)
				}
			case <-debounce.C:
				changed, err := k.Reload()
				if err != nil {
					slog.Error("apikey: reload failed", "err", err)
					continue
				}
				if changed {
					slog.Info("apikey: key reloaded from file", "path", k.path)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("apikey: watch error", "err", err)
			}
		}
	}()
	return nil
}
