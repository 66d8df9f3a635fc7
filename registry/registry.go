// Package registry loads cattackle manifests from a directory and serves
// command lookups against an atomically swapped snapshot.
package registry

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
)

// ErrCommandNotFound is returned when no cattackle provides a command.
var ErrCommandNotFound = errors.New("command not found")

const manifestName = "cattackle.toml"

// Snapshot is an immutable view of the command→cattackle mapping. In-flight
// routing keeps using the snapshot it resolved against even while a reload
// builds the next one.
type Snapshot struct {
	byCommand  map[string]*Manifest
	cattackles []*Manifest
}

// Lookup resolves a bare command name.
func (s *Snapshot) Lookup(command string) (*Manifest, bool) {
	m, ok := s.byCommand[command]
	return m, ok
}

// LookupIn resolves a command within one named cattackle.
func (s *Snapshot) LookupIn(cattackle, command string) (*Manifest, bool) {
	for _, m := range s.cattackles {
		if m.Name == cattackle {
			_, ok := m.Commands[command]
			return m, ok
		}
	}
	return nil, false
}

// Cattackles lists the loaded manifests sorted by name.
func (s *Snapshot) Cattackles() []*Manifest {
	return s.cattackles
}

// Commands returns command names grouped by cattackle name.
func (s *Snapshot) Commands() map[string][]string {
	out := make(map[string][]string, len(s.cattackles))
	for _, m := range s.cattackles {
		out[m.Name] = m.CommandNames()
	}
	return out
}

// Registry owns the cattackles directory and the current snapshot.
type Registry struct {
	dir      string
	snapshot atomic.Pointer[Snapshot]
}

// New creates a registry with an empty snapshot. Call Reload to scan.
func New(dir string) *Registry {
	r := &Registry{dir: dir}
	r.snapshot.Store(&Snapshot{byCommand: map[string]*Manifest{}})
	return r
}

// Reload re-scans the cattackles directory and swaps in a fresh snapshot.
// The new snapshot is built fully aside; readers never observe a partial
// view. A cattackle with a broken manifest is logged and skipped without
// failing the scan. Returns the number of cattackles loaded.
func (r *Registry) Reload() (int, error) {
	snap, err := buildSnapshot(r.dir)
	if err != nil {
		return 0, err
	}
	r.snapshot.Store(snap)
	slog.Info("cattackle scan complete", "dir", r.dir, "found", len(snap.cattackles))
	return len(snap.cattackles), nil
}

// Snapshot returns the current snapshot. Never blocks.
func (r *Registry) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// Lookup resolves a command against the current snapshot.
func (r *Registry) Lookup(command string) (*Manifest, error) {
	if m, ok := r.Snapshot().Lookup(command); ok {
		return m, nil
	}
	return nil, ErrCommandNotFound
}

func buildSnapshot(dir string) (*Snapshot, error) {
	snap := &Snapshot{byCommand: map[string]*Manifest{}}

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		slog.Warn("cattackles directory not found", "dir", dir)
		return snap, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		slog.Warn("cattackles path is not a directory", "dir", dir)
		return snap, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), manifestName)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		m, err := loadManifest(path)
		if err != nil {
			slog.Error("failed to load cattackle manifest", "path", path, "err", err)
			continue
		}

		for command := range m.Commands {
			if prev, ok := snap.byCommand[command]; ok {
				slog.Warn("duplicate command, last loaded wins",
					"command", command, "kept", m.Name, "replaced", prev.Name)
			}
			snap.byCommand[command] = m
		}
		snap.cattackles = append(snap.cattackles, m)

		slog.Info("registered cattackle",
			"name", m.Name, "version", m.Version,
			"commands", m.CommandNames(), "transport", m.Transport.Kind())
	}

	sort.Slice(snap.cattackles, func(i, j int) bool {
		return snap.cattackles[i].Name < snap.cattackles[j].Name
	})
	return snap, nil
}
