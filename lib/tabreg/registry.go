package tabreg

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"

	"github.com/colock/colock/lib/lease"
)

// DefaultStaleAfter is the activity cutoff after which a registry entry is
// treated as abandoned, covering tabs that crashed without cleaning up.
const DefaultStaleAfter = 5 * time.Minute

// --------------------------------------------------------------------------
// Entries and Conflicts
// --------------------------------------------------------------------------

// Entry is one tab's published editing intent. Advisory only: it exists to
// surface same-device conflicts quickly, never to grant or deny a write.
type Entry struct {
	TabID        string    `json:"tabId"`
	Collection   string    `json:"collection"`
	ResourceID   string    `json:"resourceId"`
	LockGroup    string    `json:"lockGroup,omitempty"`
	Section      string    `json:"section,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
}

// ConflictKind orders conflicts by specificity; the strongest kind observed
// across matching entries wins.
type ConflictKind uint8

const (
	ConflictNone ConflictKind = iota
	ConflictSameResource
	ConflictSameLockGroup
	ConflictSameSection
)

func (k ConflictKind) String() string {
	switch k {
	case ConflictSameSection:
		return "same_section"
	case ConflictSameLockGroup:
		return "same_lock_group"
	case ConflictSameResource:
		return "same_resource"
	default:
		return "none"
	}
}

// Conflict is the result of a local conflict scan.
type Conflict struct {
	Kind    ConflictKind
	Entries []Entry
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// Options configures a Registry.
type Options struct {
	// Dir is the device-local directory shared by all tabs of this
	// browser/device ("" = <tmp>/colock-tabs).
	Dir string
	// TabID identifies this tab ("" = the process-wide TabID()).
	TabID string
	// StaleAfter is the abandoned-entry cutoff (0 = DefaultStaleAfter).
	StaleAfter time.Duration
	Logger     *slog.Logger
}

// Registry publishes this tab's editing intent into a device-local,
// cross-tab-readable directory and scans the entries of sibling tabs.
// One JSON file per tab; a shared flock serializes writers.
type Registry struct {
	dir     string
	tabID   string
	stale   time.Duration
	log     *slog.Logger
	fileLck *flock.Flock
	watcher *fsnotify.Watcher
}

// NewRegistry opens (creating if needed) the shared registry directory.
func NewRegistry(opts *Options) (*Registry, error) {
	if opts == nil {
		opts = &Options{}
	}
	dir := opts.Dir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "colock-tabs")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	id := opts.TabID
	if id == "" {
		id = TabID()
	}
	stale := opts.StaleAfter
	if stale <= 0 {
		stale = DefaultStaleAfter
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Registry{
		dir:     dir,
		tabID:   id,
		stale:   stale,
		log:     log,
		fileLck: flock.New(filepath.Join(dir, ".registry.lock")),
	}, nil
}

// TabID returns the tab identity this registry publishes under.
func (r *Registry) TabID() string {
	return r.tabID
}

func (r *Registry) entryPath(tabID string) string {
	return filepath.Join(r.dir, tabID+".json")
}

// SetEditing publishes this tab's editing intent for the given resource.
func (r *Registry) SetEditing(key lease.ResourceKey, section string) error {
	return r.writeEntry(Entry{
		TabID:        r.tabID,
		Collection:   key.Collection,
		ResourceID:   key.ResourceID,
		LockGroup:    key.LockGroup,
		Section:      section,
		LastActivity: time.Now(),
	})
}

// Touch bumps this tab's LastActivity so the entry stays inside the
// staleness window while the user keeps editing.
func (r *Registry) Touch() error {
	cur, err := r.readEntry(r.entryPath(r.tabID))
	if err != nil {
		return err
	}
	cur.LastActivity = time.Now()
	return r.writeEntry(cur)
}

// ClearEditing retracts this tab's editing intent.
func (r *Registry) ClearEditing() error {
	if err := r.fileLck.Lock(); err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	defer r.fileLck.Unlock()

	if err := os.Remove(r.entryPath(r.tabID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove registry entry: %w", err)
	}
	return nil
}

func (r *Registry) writeEntry(e Entry) error {
	if err := r.fileLck.Lock(); err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	defer r.fileLck.Unlock()

	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode registry entry: %w", err)
	}
	// Write-then-rename so siblings never see a torn entry.
	tmp := r.entryPath(e.TabID) + ".tmp"
	if err := os.WriteFile(tmp, doc, 0o644); err != nil {
		return fmt.Errorf("write registry entry: %w", err)
	}
	return os.Rename(tmp, r.entryPath(e.TabID))
}

func (r *Registry) readEntry(path string) (Entry, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(doc, &e); err != nil {
		return Entry{}, fmt.Errorf("decode registry entry %s: %w", path, err)
	}
	return e, nil
}

// OtherTabsEditing scans sibling entries for the same resource. Entries
// older than the staleness cutoff are excluded even if never cleared.
func (r *Registry) OtherTabsEditing(key lease.ResourceKey, section string) (Conflict, error) {
	names, err := os.ReadDir(r.dir)
	if err != nil {
		return Conflict{}, fmt.Errorf("read registry dir: %w", err)
	}

	cutoff := time.Now().Add(-r.stale)
	var conflict Conflict
	for _, f := range names {
		name := f.Name()
		if !strings.HasSuffix(name, ".json") || name == r.tabID+".json" {
			continue
		}
		e, err := r.readEntry(filepath.Join(r.dir, name))
		if err != nil {
			// A sibling may be mid-write or gone; skip quietly.
			continue
		}
		if e.LastActivity.Before(cutoff) {
			continue
		}
		if e.Collection != key.Collection || e.ResourceID != key.ResourceID {
			continue
		}

		kind := ConflictSameResource
		switch {
		case section != "" && e.Section == section:
			kind = ConflictSameSection
		case key.LockGroup != "" && e.LockGroup == key.LockGroup:
			kind = ConflictSameLockGroup
		}

		conflict.Entries = append(conflict.Entries, e)
		if kind > conflict.Kind {
			conflict.Kind = kind
		}
	}
	return conflict, nil
}

// Watch delivers a signal whenever a sibling tab changes the shared
// registry, so same-device conflict hints appear without polling. The
// channel is coalescing: a burst of changes may arrive as one signal.
func (r *Registry) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create registry watcher: %w", err)
	}
	if err := w.Add(r.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch registry dir: %w", err)
	}
	r.watcher = w

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		own := r.tabID + ".json"
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				// Only sibling entries are interesting.
				if filepath.Base(ev.Name) == own || !strings.HasSuffix(ev.Name, ".json") {
					continue
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.log.Debug("registry watcher error", "err", err)
			}
		}
	}()
	return ch, nil
}

// Close retracts this tab's entry and stops any watcher.
func (r *Registry) Close() error {
	if r.watcher != nil {
		r.watcher.Close()
		r.watcher = nil
	}
	return r.ClearEditing()
}
