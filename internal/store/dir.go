package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// messageSuffix is the extension every message file carries. List ignores
// anything else, which keeps in-progress temp files and sync-service
// droppings invisible to watchers.
const messageSuffix = ".json"

// Dir is the folder-backed Store: {base}/{environment}/{state}/{name}.
// Directories are created lazily on first write. Dir carries no locks of its
// own; the write-then-rename discipline makes concurrent observation safe.
type Dir struct {
	base string
}

// NewDir returns a Dir rooted at base.
func NewDir(base string) *Dir {
	return &Dir{base: base}
}

// StatePath returns the directory backing one state of an environment.
func (d *Dir) StatePath(env string, st State) string {
	return filepath.Join(d.base, env, string(st))
}

// Ensure creates all three state directories for an environment so that
// watchers have something to subscribe to before the first message arrives.
func (d *Dir) Ensure(env string) error {
	for _, st := range States {
		if err := os.MkdirAll(d.StatePath(env, st), 0o755); err != nil {
			return fmt.Errorf("store: create %s: %w", d.StatePath(env, st), err)
		}
	}
	return nil
}

func (d *Dir) List(env string, st State) ([]string, error) {
	entries, err := os.ReadDir(d.StatePath(env, st))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list %s/%s: %w", env, st, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), messageSuffix) {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

func (d *Dir) Read(env string, st State, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.StatePath(env, st), name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("store: read %s/%s/%s: %w", env, st, name, ErrNotExist)
		}
		return nil, fmt.Errorf("store: read %s/%s/%s: %w", env, st, name, err)
	}
	return data, nil
}

// WriteDurable writes to a uniquely named temp file in the target directory,
// syncs it, and renames it into place. The rename is what publishes the
// message: a watcher listing the directory either sees the complete file or
// nothing. Temp names do not end in .json, so List never returns them.
func (d *Dir) WriteDurable(env string, st State, name string, data []byte) error {
	dir := d.StatePath(env, st)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, name+".tmp-")
	if err != nil {
		return fmt.Errorf("store: create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write temp file for %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: sync temp file for %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close temp file for %s: %w", name, err)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: publish %s/%s/%s: %w", env, st, name, err)
	}
	return nil
}

func (d *Dir) Move(env string, from, to State, name string) error {
	target := d.StatePath(env, to)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("store: create %s: %w", target, err)
	}

	src := filepath.Join(d.StatePath(env, from), name)
	if err := os.Rename(src, filepath.Join(target, name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("store: move %s/%s/%s: %w", env, from, name, ErrNotExist)
		}
		return fmt.Errorf("store: move %s/%s/%s to %s: %w", env, from, name, to, err)
	}
	return nil
}

func (d *Dir) Exists(env string, st State, name string) (bool, error) {
	_, err := os.Stat(filepath.Join(d.StatePath(env, st), name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: stat %s/%s/%s: %w", env, st, name, err)
	}
	return true, nil
}

func (d *Dir) Remove(env string, st State, name string) error {
	err := os.Remove(filepath.Join(d.StatePath(env, st), name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: remove %s/%s/%s: %w", env, st, name, err)
	}
	return nil
}

// Prune removes message files older than maxAge from the given states of an
// environment and reports how many it deleted. Age is judged by modification
// time. Nothing prunes automatically; this backs the explicit prune command.
func (d *Dir) Prune(env string, states []State, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, st := range states {
		names, err := d.List(env, st)
		if err != nil {
			return removed, err
		}
		for _, name := range names {
			path := filepath.Join(d.StatePath(env, st), name)
			info, err := os.Stat(path)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return removed, fmt.Errorf("store: stat %s: %w", path, err)
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("store: prune %s: %w", path, err)
			}
			removed++
		}
	}
	return removed, nil
}
