// Package workspace reads and writes the well-known corpus files: MEMORY.md,
// HEARTBEAT.md and the dated logs under memory/.
//
// All writes go through one Workspace so that task status updates and daily log
// appends never interleave.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/starford/mimir/internal/apperr"
	"github.com/starford/mimir/internal/parser"
	"github.com/starford/mimir/internal/storage"
)

const (
	MemoryFile    = "MEMORY.md"
	HeartbeatFile = "HEARTBEAT.md"
	DailyDir      = "memory"

	dateLayout = "2006-01-02"
)

// DailyLog is one dated log file.
type DailyLog struct {
	Date    string `json:"date"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Workspace wraps a storage.Provider with corpus-specific operations.
type Workspace struct {
	store storage.Provider
	now   func() time.Time

	mu sync.Mutex // serialises writes
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithClock overrides the time source used to date log entries.
func WithClock(now func() time.Time) Option {
	return func(w *Workspace) { w.now = now }
}

// New creates a Workspace over store.
func New(store storage.Provider, opts ...Option) *Workspace {
	w := &Workspace{store: store, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Store returns the underlying provider.
func (w *Workspace) Store() storage.Provider { return w.store }

// Root returns the absolute workspace directory.
func (w *Workspace) Root() string { return w.store.Root() }

// ReadFile returns the content of a workspace file, mapping a missing file to
// apperr.ErrNotFound.
func (w *Workspace) ReadFile(p string) ([]byte, error) {
	data, err := w.store.Read(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", p, apperr.ErrNotFound)
	}
	return data, err
}

// readOptional returns "" for a missing file.
func (w *Workspace) readOptional(p string) (string, error) {
	data, err := w.store.Read(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadMemory returns MEMORY.md, or "" when it does not exist.
func (w *Workspace) ReadMemory() (string, error) {
	return w.readOptional(MemoryFile)
}

// ReadHeartbeat returns HEARTBEAT.md as text, or "" when it does not exist.
func (w *Workspace) ReadHeartbeat() (string, error) {
	return w.readOptional(HeartbeatFile)
}

// ReadTasks parses HEARTBEAT.md. A missing file yields an empty document.
func (w *Workspace) ReadTasks() (*parser.Document, error) {
	text, err := w.ReadHeartbeat()
	if err != nil {
		return nil, fmt.Errorf("workspace: read tasks: %w", err)
	}
	return parser.Parse([]byte(text)), nil
}

// SetTaskStatus re-reads HEARTBEAT.md and rewrites the checkbox of the task on line,
// provided it still carries the same description. Edits made to other lines since
// the task list was read are preserved.
func (w *Workspace) SetTaskStatus(task parser.Task, status parser.Status) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	text, err := w.readOptional(HeartbeatFile)
	if err != nil {
		return fmt.Errorf("workspace: set task status: %w", err)
	}
	doc := parser.Parse([]byte(text))
	for _, t := range doc.Tasks {
		if t.Line == task.Line && t.Description == task.Description {
			doc.SetStatus(t.Line, status)
			if err := w.store.Write(HeartbeatFile, doc.Render()); err != nil {
				return fmt.Errorf("workspace: set task status: %w", err)
			}
			return nil
		}
	}
	return fmt.Errorf("workspace: task %q on line %d: %w", task.Description, task.Line+1, apperr.ErrNotFound)
}

// DailyLogPath returns the log path for the day containing t.
func DailyLogPath(t time.Time) string {
	return filepath.Join(DailyDir, t.Format(dateLayout)+".md")
}

// AppendDailyLog appends a timestamped section to today's log, creating the file
// with a date heading when needed. It returns the path written.
func (w *Workspace) AppendDailyLog(heading, body string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	p := DailyLogPath(now)

	var b strings.Builder
	existing, err := w.readOptional(p)
	if err != nil {
		return "", fmt.Errorf("workspace: append daily log: %w", err)
	}
	if existing == "" {
		fmt.Fprintf(&b, "# %s\n", now.Format(dateLayout))
	}
	fmt.Fprintf(&b, "\n## %s %s\n\n%s\n", now.Format("15:04"), heading, strings.TrimRight(body, "\n"))

	if err := w.store.Append(p, []byte(b.String())); err != nil {
		return "", fmt.Errorf("workspace: append daily log: %w", err)
	}
	return p, nil
}

// RecentDailyLogs returns up to n daily logs, newest first. Files in memory/ whose
// names are not dates are ignored.
func (w *Workspace) RecentDailyLogs(n int) ([]DailyLog, error) {
	if n <= 0 {
		return nil, nil
	}
	metas, err := w.store.List(DailyDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("workspace: list daily logs: %w", err)
	}

	var logs []DailyLog
	for _, m := range metas {
		name := path.Base(filepath.ToSlash(m.Path))
		date := strings.TrimSuffix(name, ".md")
		if filepath.Dir(m.Path) != DailyDir {
			continue
		}
		if _, err := time.Parse(dateLayout, date); err != nil {
			continue
		}
		logs = append(logs, DailyLog{Date: date, Path: m.Path})
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].Date > logs[j].Date })
	if len(logs) > n {
		logs = logs[:n]
	}
	for i := range logs {
		data, err := w.store.Read(logs[i].Path)
		if err != nil {
			return nil, fmt.Errorf("workspace: read %s: %w", logs[i].Path, err)
		}
		logs[i].Content = string(data)
	}
	return logs, nil
}

const memoryTemplate = `# Memory

Long-term facts worth remembering across sessions.
`

const heartbeatTemplate = `# Heartbeat

Pending tasks are picked up by the scheduler during active hours.

- [ ] Summarise yesterday's daily log into MEMORY.md
`

// Init creates MEMORY.md, HEARTBEAT.md and the memory/ directory when missing.
// Existing files are never overwritten. It returns the files it created.
func (w *Workspace) Init() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var created []string
	for _, f := range []struct{ path, content string }{
		{MemoryFile, memoryTemplate},
		{HeartbeatFile, heartbeatTemplate},
	} {
		if _, err := w.store.Stat(f.path); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return created, fmt.Errorf("workspace: init: %w", err)
		}
		if err := w.store.Write(f.path, []byte(f.content)); err != nil {
			return created, fmt.Errorf("workspace: init: %w", err)
		}
		created = append(created, f.path)
	}
	if err := w.store.MkdirAll(DailyDir); err != nil {
		return created, fmt.Errorf("workspace: init: %w", err)
	}
	return created, nil
}
