// package storage keeps a small flat directory of recorded streams with the
// limits of the device flash partition.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"golang.org/x/text/unicode/norm"

	"github.com/pfcm/midistream/internal/retry"
)

const (
	MaxFiles    = 10
	MaxNameLen  = 20
	MaxFileSize = 1 << 20
	// DefaultCapacity is the size of the storage partition.
	DefaultCapacity = 4 << 20
)

// ErrFileSystem is wrapped by every error the store returns.
var ErrFileSystem = errors.New("file system fault")

var (
	ErrNotMounted   = errors.New("not mounted")
	ErrNoFile       = errors.New("no file open")
	ErrNotFound     = errors.New("no such file")
	ErrExists       = errors.New("file exists")
	ErrTooManyFiles = errors.New("too many files")
	ErrBadName      = errors.New("bad file name")
	ErrFileTooLarge = errors.New("file too large")
	ErrNoSpace      = errors.New("partition full")
	ErrFileOpen     = errors.New("file is open")
)

// File describes a stored file.
type File struct {
	Name string
	Size int64
}

// Store is a mounted directory. At most one file is open at a time, and
// opening another closes it. All methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	fs       afero.Fs
	dir      string
	capacity int64
	logger   *log.Logger
	retry    retry.Policy

	mounted bool
	files   map[string]int64
	f       afero.File
	name    string
}

type Option func(*Store)

// WithCapacity sets the partition size in bytes.
func WithCapacity(n int64) Option {
	return func(s *Store) { s.capacity = n }
}

func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithRetry sets how closing files is retried.
func WithRetry(p retry.Policy) Option {
	return func(s *Store) { s.retry = p }
}

// Mount opens dir on fs, creating it if needed, and indexes the files in it.
func Mount(fs afero.Fs, dir string, opts ...Option) (*Store, error) {
	s := &Store{
		fs:       fs,
		dir:      dir,
		capacity: DefaultCapacity,
		retry:    retry.Policy{Attempts: 3},
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	s.logger = s.logger.WithPrefix("storage")

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, s.fault("mount", dir, err)
	}
	if err := s.scan(); err != nil {
		return nil, s.fault("mount", dir, err)
	}
	s.mounted = true
	s.logger.Info("mounted", "dir", dir, "files", len(s.files), "used", s.used(), "capacity", s.capacity)
	return s, nil
}

// fault wraps err in ErrFileSystem and logs it.
func (s *Store) fault(op, name string, err error) error {
	err = fmt.Errorf("%s %q: %w: %w", op, name, ErrFileSystem, err)
	s.logger.Error(op, "err", err)
	return err
}

func (s *Store) scan() error {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return err
	}
	files := make(map[string]int64, len(infos))
	for _, fi := range infos {
		if fi.Mode().IsRegular() {
			files[fi.Name()] = fi.Size()
		}
	}
	if len(files) > MaxFiles {
		s.logger.Warn("more files than allowed, no new files can be created", "files", len(files))
	}
	s.files = files
	return nil
}

func (s *Store) used() int64 { return lo.Sum(lo.Values(s.files)) }

func (s *Store) path(name string) string { return path.Join(s.dir, name) }

// CleanName normalises a file name and checks it against the naming rules.
func CleanName(name string) (string, error) {
	name = norm.NFC.String(name)
	switch {
	case name == "", name == ".", name == "..":
		return "", fmt.Errorf("%q: %w", name, ErrBadName)
	case strings.ContainsAny(name, `/\`):
		return "", fmt.Errorf("%q has a path separator: %w", name, ErrBadName)
	case utf8.RuneCountInString(name) > MaxNameLen:
		return "", fmt.Errorf("%q is longer than %d characters: %w", name, MaxNameLen, ErrBadName)
	}
	return name, nil
}

func (s *Store) check(op, name string) (string, error) {
	if !s.mounted {
		return "", s.fault(op, name, ErrNotMounted)
	}
	clean, err := CleanName(name)
	if err != nil {
		return "", s.fault(op, name, err)
	}
	return clean, nil
}

// Open makes name the open file, closing any other. A missing file is
// created if create is set. Existing files are opened for reading and
// writing from the start, without truncation.
func (s *Store) Open(name string, create bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, err := s.check("open", name)
	if err != nil {
		return err
	}
	if s.f != nil {
		s.logger.Info("closing open file", "file", s.name, "opening", name)
		if err := s.closeFile(); err != nil {
			return err
		}
	}

	_, exists := s.files[name]
	flag := os.O_RDWR
	switch {
	case exists:
	case !create:
		return s.fault("open", name, ErrNotFound)
	case len(s.files) >= MaxFiles:
		return s.fault("open", name, ErrTooManyFiles)
	default:
		flag |= os.O_CREATE | os.O_TRUNC
	}

	f, err := s.fs.OpenFile(s.path(name), flag, 0o644)
	if err != nil {
		return s.fault("open", name, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return s.fault("open", name, err)
	}
	s.f, s.name = f, name
	s.files[name] = fi.Size()
	s.logger.Info("opened", "file", name, "size", fi.Size(), "created", !exists)
	return nil
}

// Read reads from the open file at the file position. It returns io.EOF at
// the end of the file.
func (s *Store) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mounted || s.f == nil {
		return 0, s.fault("read", s.name, ErrNoFile)
	}
	n, err := s.f.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, s.fault("read", s.name, err)
	}
	return n, err
}

// Write writes p at the file position, then closes the file if closeAfter is
// set. Writes that would take the file past MaxFileSize or the partition
// past its capacity are refused whole.
func (s *Store) Write(p []byte, closeAfter bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mounted || s.f == nil {
		return s.fault("write", s.name, ErrNoFile)
	}
	pos, err := s.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return s.fault("write", s.name, err)
	}
	size := s.files[s.name]
	grown := max(size, pos+int64(len(p)))
	if grown > MaxFileSize {
		return s.fault("write", s.name, fmt.Errorf("%d bytes: %w", grown, ErrFileTooLarge))
	}
	if used := s.used() - size + grown; used > s.capacity {
		return s.fault("write", s.name, fmt.Errorf("%d of %d bytes: %w", used, s.capacity, ErrNoSpace))
	}
	if _, err := s.f.Write(p); err != nil {
		return s.fault("write", s.name, err)
	}
	s.files[s.name] = grown
	if err := s.f.Sync(); err != nil {
		return s.fault("write", s.name, err)
	}
	if closeAfter {
		return s.closeFile()
	}
	return nil
}

// Rewind moves the file position back to the start.
func (s *Store) Rewind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return s.fault("rewind", s.name, ErrNoFile)
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return s.fault("rewind", s.name, err)
	}
	return nil
}

// Close closes the open file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return s.fault("close", "", ErrNoFile)
	}
	return s.closeFile()
}

func (s *Store) closeFile() error {
	f, name := s.f, s.name
	s.f, s.name = nil, ""
	if err := s.retry.Do(context.Background(), f.Close); err != nil {
		return s.fault("close", name, err)
	}
	s.logger.Debug("closed", "file", name)
	return nil
}

// Delete removes a file. The open file cannot be deleted.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, err := s.check("delete", name)
	if err != nil {
		return err
	}
	if s.f != nil && s.name == name {
		return s.fault("delete", name, ErrFileOpen)
	}
	if _, ok := s.files[name]; !ok {
		return s.fault("delete", name, ErrNotFound)
	}
	if err := s.fs.Remove(s.path(name)); err != nil {
		return s.fault("delete", name, err)
	}
	delete(s.files, name)
	s.logger.Info("deleted", "file", name)
	return nil
}

// Files lists the stored files by name.
func (s *Store) Files() []File {
	s.mu.Lock()
	defer s.mu.Unlock()
	files := lo.MapToSlice(s.files, func(name string, size int64) File {
		return File{Name: name, Size: size}
	})
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files
}

// OpenFile is the name of the open file, if any.
func (s *Store) OpenFile() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name, s.f != nil
}

// Usage reports the bytes used and the partition capacity.
func (s *Store) Usage() (used, capacity int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used(), s.capacity
}

// Unmount closes the open file, if any. Later calls fail with
// ErrNotMounted.
func (s *Store) Unmount() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mounted {
		return s.fault("unmount", s.dir, ErrNotMounted)
	}
	var err error
	if s.f != nil {
		err = s.closeFile()
	}
	s.mounted = false
	s.logger.Info("unmounted", "dir", s.dir)
	return err
}

// Rescan reloads the file index from the directory.
func (s *Store) Rescan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mounted {
		return s.fault("rescan", s.dir, ErrNotMounted)
	}
	if err := s.scan(); err != nil {
		return s.fault("rescan", s.dir, err)
	}
	if s.f != nil {
		if _, ok := s.files[s.name]; !ok {
			s.logger.Warn("open file removed behind our back", "file", s.name)
		}
	}
	return nil
}
