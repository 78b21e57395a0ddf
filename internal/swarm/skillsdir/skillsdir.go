// Package skillsdir is the read-only skills-directory filesystem helper
// backing GET /skills and GET /skills/{name}. It never mutates
// the filesystem; its only job is listing SKILL.md-backed skill names under
// a configured root and returning one skill's file content, with every
// lookup routed through edge.CanonicalizeSkillPath so a request can never
// escape the root. A listing cache is invalidated by an fsnotify watcher on
// the root directory; each relevant event invalidates it at once, without
// debouncing.
package skillsdir

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/swarmd/internal/swarm/edge"
)

// Info is one listed skill: its name and the first line of its SKILL.md
// (used as a one-line description in GET /skills results).
type Info struct {
	Name    string `json:"name"`
	Summary string `json:"summary,omitempty"`
}

// Directory lists and reads SKILL.md-backed skills under a root path.
type Directory struct {
	root   string
	logger *slog.Logger

	mu      sync.RWMutex
	cached  []Info
	primed  bool
	watcher *fsnotify.Watcher
}

// New constructs a Directory rooted at root. The directory need not exist
// yet; listings simply come back empty until it does.
func New(root string, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{root: root, logger: logger}
}

// Watch starts an fsnotify watcher on the root directory that invalidates
// the listing cache whenever an entry directly under root is created,
// removed, renamed or written. The watch is not recursive: an edit to a
// SKILL.md inside a skill directory does not invalidate the cache. It is
// safe to call Watch more than once; later calls replace the
// previous watcher. Callers should invoke Close when shutting down.
func (d *Directory) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("skillsdir: new watcher: %w", err)
	}
	if err := fsw.Add(d.root); err != nil {
		if os.IsNotExist(err) {
			_ = fsw.Close()
			return nil
		}
		_ = fsw.Close()
		return fmt.Errorf("skillsdir: watch root: %w", err)
	}

	d.mu.Lock()
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
	d.watcher = fsw
	d.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) != 0 {
					d.invalidate()
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				d.logger.Warn("skillsdir watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher, if one is running.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.watcher == nil {
		return nil
	}
	err := d.watcher.Close()
	d.watcher = nil
	return err
}

func (d *Directory) invalidate() {
	d.mu.Lock()
	d.primed = false
	d.cached = nil
	d.mu.Unlock()
}

// List returns every skill whose name contains q (case-insensitive); an
// empty q returns all of them. Results are cached until the watcher
// observes a filesystem change directly under root.
func (d *Directory) List(q string) ([]Info, error) {
	d.mu.RLock()
	if d.primed {
		cached := d.cached
		d.mu.RUnlock()
		return filterInfos(cached, q), nil
	}
	d.mu.RUnlock()

	entries, err := os.ReadDir(d.root)
	if err != nil {
		if os.IsNotExist(err) {
			d.mu.Lock()
			d.cached, d.primed = nil, true
			d.mu.Unlock()
			return nil, nil
		}
		return nil, fmt.Errorf("skillsdir: read root: %w", err)
	}

	var infos []Info
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		md := filepath.Join(d.root, ent.Name(), "SKILL.md")
		data, err := os.ReadFile(md)
		if err != nil {
			continue
		}
		infos = append(infos, Info{Name: ent.Name(), Summary: firstLine(data)})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	d.mu.Lock()
	d.cached, d.primed = infos, true
	d.mu.Unlock()

	return filterInfos(infos, q), nil
}

// Get returns the raw SKILL.md content for name, canonicalizing name against
// root first so traversal and absolute paths are rejected.
func (d *Directory) Get(name string) (string, error) {
	path, err := edge.CanonicalizeSkillPath(d.root, name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(path, "SKILL.md"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", edge.ErrNotFound
		}
		return "", fmt.Errorf("skillsdir: read %s: %w", name, err)
	}
	return string(data), nil
}

func filterInfos(infos []Info, q string) []Info {
	if q == "" {
		return append([]Info(nil), infos...)
	}
	q = strings.ToLower(q)
	var out []Info
	for _, in := range infos {
		if strings.Contains(strings.ToLower(in.Name), q) {
			out = append(out, in)
		}
	}
	return out
}

func firstLine(data []byte) string {
	s := strings.TrimSpace(string(data))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(strings.TrimPrefix(s, "#"))
}
