package config

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/fsnotify/fsnotify"
)

// Watch follows path and hands each validated reload to onChange together
// with the restart-only fields that differ from running, the config the
// process started with. It returns when ctx is cancelled.
//
// Reloads that fail validation are logged and dropped. A reload equal to the
// last one delivered is dropped too, so an editor that writes twice per save
// produces a single callback.
func Watch(ctx context.Context, path string, running IngestConfig, onChange func(cfg *Config, restartOnly []string)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(path); err != nil {
		return err
	}
	slog.Info("config: watching for changes", "path", path)

	r := &reloads{running: running, applied: running}
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			// Atomic saves show up as Create after a rename.
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			// The watch is lost when the old inode is replaced.
			_ = fw.Add(path)

			next, err := Load(path)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config", "path", path, "err", err)
				continue
			}
			restartOnly, changed := r.accept(next)
			if !changed {
				slog.Debug("config: reload unchanged", "path", path)
				continue
			}
			slog.Info("config: reloaded", "path", path, "restart_only", restartOnly)
			onChange(next, restartOnly)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}

// reloads tracks the last delivered config so duplicate writes are dropped.
type reloads struct {
	running IngestConfig
	applied IngestConfig
}

// accept records next and returns its restart-only diff against the running
// config. changed is false when next equals the last accepted config.
func (r *reloads) accept(next *Config) (restartOnly []string, changed bool) {
	if reflect.DeepEqual(r.applied, next.Ingest) {
		return nil, false
	}
	r.applied = next.Ingest
	return Reloadable(r.running, next.Ingest), true
}

// Reloadable reports the fields of next that differ from prev but only take
// effect after a restart. log_level is applied live and is never listed.
func Reloadable(prev, next IngestConfig) (restartOnly []string) {
	if prev.ListenAddr != next.ListenAddr {
		restartOnly = append(restartOnly, "listen_addr")
	}
	if prev.ComputeURL != next.ComputeURL {
		restartOnly = append(restartOnly, "compute_url")
	}
	if prev.ForwardTimeout != next.ForwardTimeout {
		restartOnly = append(restartOnly, "forward_timeout")
	}
	if prev.MaxInflight != next.MaxInflight {
		restartOnly = append(restartOnly, "max_inflight")
	}
	if prev.ReadLimit != next.ReadLimit {
		restartOnly = append(restartOnly, "read_limit")
	}
	if prev.IdleTimeout != next.IdleTimeout {
		restartOnly = append(restartOnly, "idle_timeout")
	}
	if prev.ComputeAuth != next.ComputeAuth {
		restartOnly = append(restartOnly, "compute_auth")
	}
	if prev.Stats != next.Stats {
		restartOnly = append(restartOnly, "stats")
	}
	return restartOnly
}
