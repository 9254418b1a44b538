// Package filesystem reads text documents from local paths and watches
// them for changes.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/logger"
)

// DefaultDebounce is how long a path must be quiet before a change is
// reported. Editors often write a file in several steps.
const DefaultDebounce = 300 * time.Millisecond

var userHomeDir = os.UserHomeDir

// extensions maps supported file extensions to MIME types.
var extensions = map[string]string{
	"":          "text/plain",
	".txt":      "text/plain",
	".text":     "text/plain",
	".log":      "text/plain",
	".md":       "text/markdown",
	".markdown": "text/markdown",
}

// File is a text file read from disk.
type File struct {
	// Path is absolute.
	Path     string
	Title    string
	MIMEType string
	Content  string
	ModTime  time.Time
}

// Metadata returns the document metadata for the file.
func (f File) Metadata() map[string]any {
	return map[string]any{
		domain.MetaMimeType: f.MIMEType,
		"filename":          filepath.Base(f.Path),
		"extension":         strings.TrimPrefix(filepath.Ext(f.Path), "."),
		"modifiedAt":        f.ModTime.UTC().Format(time.RFC3339),
	}
}

// ChangeKind says what happened to a watched path.
type ChangeKind int

const (
	// ChangeUpserted means the file was created or modified.
	ChangeUpserted ChangeKind = iota
	// ChangeRemoved means the file was deleted or renamed away.
	ChangeRemoved
)

func (k ChangeKind) String() string {
	if k == ChangeRemoved {
		return "removed"
	}
	return "upserted"
}

// Change is a settled filesystem change. File is nil for removals.
type Change struct {
	Kind ChangeKind
	Path string
	File *File
}

// Source reads the supported files under one root, which may be a single
// file or a directory.
type Source struct {
	root     string
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// Option configures a Source.
type Option func(*Source)

// WithDebounce sets how long a path must be quiet before a change is
// reported.
func WithDebounce(d time.Duration) Option {
	return func(s *Source) {
		if d >= 0 {
			s.debounce = d
		}
	}
}

// New creates a source rooted at root. The root is resolved to an
// absolute path.
func New(root string, opts ...Option) (*Source, error) {
	abs, err := LocalPath(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}
	s := &Source{root: abs, debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute root path.
func (s *Source) Root() string {
	return s.root
}

// Walk calls fn for every supported file under the root. Hidden entries
// and unsupported extensions are skipped. A root that is itself a file is
// read even if its extension is unknown to the walker, and a failure to
// read it is returned.
func (s *Source) Walk(ctx context.Context, fn func(File) error) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("root path error: %w", err)
	}
	if !info.IsDir() {
		f, err := ReadFile(s.root)
		if err != nil {
			return err
		}
		return fn(*f)
	}

	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warn("walk %s: %v", path, err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path != s.root && isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !Supported(path) {
			return nil
		}
		f, err := ReadFile(path)
		if err != nil {
			logger.Warn("skipping %s: %v", path, err)
			return nil
		}
		return fn(*f)
	})
}

// Watch reports settled changes under the root until ctx is cancelled or
// Close is called. Directories created after the watch starts are watched
// too, and the files already inside them are reported as upserts.
func (s *Source) Watch(ctx context.Context) (<-chan Change, error) {
	info, err := os.Stat(s.root)
	if err != nil {
		return nil, fmt.Errorf("root path error: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	s.mu.Lock()
	if s.watcher != nil {
		s.mu.Unlock()
		_ = w.Close()
		return nil, errors.New("source is already watching")
	}
	s.watcher = w
	s.mu.Unlock()

	// A single file is watched through its directory so that editors which
	// replace the file on save are still seen.
	if info.IsDir() {
		err = s.addTree(w, s.root)
	} else {
		err = w.Add(filepath.Dir(s.root))
	}
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	out := make(chan Change)
	go s.loop(ctx, w, info.IsDir(), out)
	return out, nil
}

// Close stops watching. It is safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	s.watcher = nil
	return err
}

func (s *Source) loop(ctx context.Context, w *fsnotify.Watcher, dir bool, out chan<- Change) {
	defer close(out)

	due := make(chan string)
	done := make(chan struct{})
	defer close(done)
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	schedule := func(path string) {
		if t, ok := timers[path]; ok {
			t.Reset(s.debounce)
			return
		}
		timers[path] = time.AfterFunc(s.debounce, func() {
			select {
			case due <- path:
			case <-done:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !dir && event.Name != s.root {
				continue
			}
			if s.relevant(event) {
				schedule(event.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch %s: %v", s.root, err)
		case path := <-due:
			delete(timers, path)
			for _, change := range s.settle(w, path) {
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// relevant reports whether an fsnotify event may change the index.
func (s *Source) relevant(event fsnotify.Event) bool {
	if isHiddenPath(s.root, event.Name) {
		return false
	}
	return event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) ||
		event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename)
}

// settle inspects a path once it has been quiet and returns the resulting
// changes.
func (s *Source) settle(w *fsnotify.Watcher, path string) []Change {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		if !Supported(path) {
			return nil
		}
		return []Change{{Kind: ChangeRemoved, Path: path}}
	}
	if err != nil {
		logger.Warn("stat %s: %v", path, err)
		return nil
	}

	if info.IsDir() {
		if err := s.addTree(w, path); err != nil {
			logger.Warn("watch %s: %v", path, err)
		}
		var changes []Change
		_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || isHiddenPath(s.root, p) || !Supported(p) {
				return nil
			}
			if f, err := ReadFile(p); err == nil {
				changes = append(changes, Change{Kind: ChangeUpserted, Path: p, File: f})
			}
			return nil
		})
		return changes
	}

	if !Supported(path) && path != s.root {
		return nil
	}
	f, err := ReadFile(path)
	if err != nil {
		logger.Warn("skipping %s: %v", path, err)
		return nil
	}
	return []Change{{Kind: ChangeUpserted, Path: path, File: f}}
}

// addTree watches dir and every non-hidden directory below it.
func (s *Source) addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != s.root && isHidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// ReadFile reads a supported text file. Content that is not valid UTF-8
// is rejected with domain.ErrUnsupportedType.
func ReadFile(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory: %w", path, domain.ErrInvalidInput)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%s is not UTF-8 text: %w", path, domain.ErrUnsupportedType)
	}

	mimeType := DetectMIMEType(path)
	f := &File{
		Path:     path,
		MIMEType: mimeType,
		Content:  string(data),
		ModTime:  info.ModTime(),
	}
	// Markdown titles come from the first heading during normalisation.
	if mimeType != "text/markdown" {
		f.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return f, nil
}

// Supported reports whether the walker picks up files with this name.
func Supported(path string) bool {
	_, ok := extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// DetectMIMEType returns the MIME type for a file name. Unknown extensions
// are treated as plain text.
func DetectMIMEType(path string) string {
	if t, ok := extensions[strings.ToLower(filepath.Ext(path))]; ok {
		return t
	}
	return "text/plain"
}

// isHidden reports whether a single path element is hidden. "." and ".."
// are not.
func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}

// isHiddenPath reports whether any element of path below root is hidden.
func isHiddenPath(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	for part := range strings.SplitSeq(filepath.ToSlash(rel), "/") {
		if isHidden(part) {
			return true
		}
	}
	return false
}
