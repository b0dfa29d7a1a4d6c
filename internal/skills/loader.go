// Package skills manages the reusable skill library: markdown
// documents on disk mirrored into the skill store, hot-reloaded on
// file changes.
package skills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/quorum/internal/store"
)

var ErrSkillNotFound = errors.New("skill not found")

// Loader caches the skill library from a directory of markdown files.
// File name (minus .md) is the skill name; the first non-empty line
// that is not a heading is the description.
type Loader struct {
	dir   string
	store store.SkillStore

	mu     sync.RWMutex
	cache  map[string]*store.SkillRecord
	watcher *fsnotify.Watcher
}

func NewLoader(dir string, skillStore store.SkillStore) *Loader {
	return &Loader{
		dir:   dir,
		store: skillStore,
		cache: map[string]*store.SkillRecord{},
	}
}

// Load scans the directory and store into the cache. Disk wins on
// name conflicts (the store mirrors disk).
func (l *Loader) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache = map[string]*store.SkillRecord{}

	if l.store != nil {
		recs, err := l.store.List(ctx)
		if err != nil {
			return fmt.Errorf("list stored skills: %w", err)
		}
		for _, rec := range recs {
			l.cache[rec.Name] = rec
		}
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read skills dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		rec, err := l.parseFile(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			slog.Warn("skills: skipping unreadable file", "file", entry.Name(), "error", err)
			continue
		}
		l.cache[rec.Name] = rec
	}
	slog.Info("skills loaded", "count", len(l.cache), "dir", l.dir)
	return nil
}

func (l *Loader) parseFile(path string) (*store.SkillRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	content := string(data)

	name := strings.TrimSuffix(filepath.Base(path), ".md")
	description := ""
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		description = line
		break
	}

	return &store.SkillRecord{
		Name:        name,
		Description: description,
		Path:        path,
		Content:     content,
		Permanent:   true,
	}, nil
}

// Get returns one skill by name.
func (l *Loader) Get(name string) (*store.SkillRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.cache[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	return rec, nil
}

// List returns all cached skills.
func (l *Loader) List() []*store.SkillRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*store.SkillRecord, 0, len(l.cache))
	for _, rec := range l.cache {
		out = append(out, rec)
	}
	return out
}

// Create writes a new skill to disk and the store, and caches it.
func (l *Loader) Create(ctx context.Context, name, description, content string, permanent bool) (*store.SkillRecord, error) {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return nil, fmt.Errorf("invalid skill name %q", name)
	}

	rec := &store.SkillRecord{
		Name:        name,
		Description: description,
		Content:     content,
		Permanent:   permanent,
	}

	if permanent {
		if err := os.MkdirAll(l.dir, 0o755); err != nil {
			return nil, fmt.Errorf("create skills dir: %w", err)
		}
		path := filepath.Join(l.dir, name+".md")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("write skill file: %w", err)
		}
		rec.Path = path
	}
	if l.store != nil {
		if err := l.store.Put(ctx, rec); err != nil {
			return nil, fmt.Errorf("store skill: %w", err)
		}
	}

	l.mu.Lock()
	l.cache[name] = rec
	l.mu.Unlock()
	return rec, nil
}

// Watch hot-reloads the cache on directory changes until ctx ends.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("skills watcher: %w", err)
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		watcher.Close()
		return fmt.Errorf("create skills dir: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch skills dir: %w", err)
	}
	l.watcher = watcher

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
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := l.Load(ctx); err != nil {
						slog.Warn("skills: reload failed", "error", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("skills: watcher error", "error", err)
			}
		}
	}()
	return nil
}
