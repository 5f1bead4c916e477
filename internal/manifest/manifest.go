// Package manifest loads the set of managed papers from a JSON file
// and optionally watches it for changes.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"papersync/internal/remote"
	"papersync/internal/util"
)

// Manifest maps paper ids to their remote connection parameters.
type Manifest struct {
	Papers []remote.Paper `json:"papers"`
}

// Load reads the manifest, assigning ids to entries that lack one and
// rewriting the file when it does. A missing file yields an empty
// manifest rather than an error.
func Load(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{}, nil
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}

	assigned := false
	for i := range m.Papers {
		if m.Papers[i].ID == "" {
			m.Papers[i].ID = util.NewID("paper")
			assigned = true
		}
		if m.Papers[i].Branch == "" {
			m.Papers[i].Branch = "main"
		}
	}
	if assigned {
		if err := Save(path, m); err != nil {
			return Manifest{}, err
		}
	}
	return m, nil
}

func Save(path string, m Manifest) error {
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Watch re-loads the manifest whenever the file is written and sends
// the updated paper set on the returned channel. The channel closes
// when ctx is canceled.
func Watch(ctx context.Context, path string) (<-chan []remote.Paper, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors often replace the file on save,
	// which drops a watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch manifest dir: %w", err)
	}

	updates := make(chan []remote.Paper, 1)
	go func() {
		defer close(updates)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				m, err := Load(path)
				if err != nil {
					log.Printf("manifest reload failed: %v", err)
					continue
				}
				select {
				case updates <- m.Papers:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("manifest watcher error: %v", err)
			}
		}
	}()
	return updates, nil
}
