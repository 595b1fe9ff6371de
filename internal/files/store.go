package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxNameLength is the longest accepted filename in bytes.
const MaxNameLength = 255

// tempPattern names in-flight uploads. The leading dot keeps them out of the
// valid name space.
const tempPattern = ".upload-*"

var (
	// ErrInvalidName indicates a filename outside the accepted character set.
	ErrInvalidName = errors.New("invalid file name")
	// ErrDirectoryTraversal indicates a filename that tries to leave the store.
	ErrDirectoryTraversal = errors.New("file name contains directory traversal")
	// ErrNameTooLong indicates a filename longer than MaxNameLength.
	ErrNameTooLong = errors.New("file name too long")
	// ErrNotFound indicates that the store has no bytes for a name.
	ErrNotFound = errors.New("file not found in storage")
)

// ValidateName checks that name is safe to use as a storage key.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return ErrNameTooLong
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidName)
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return ErrDirectoryTraversal
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: leading dot", ErrInvalidName)
	}
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: surrounding whitespace", ErrInvalidName)
	}
	for _, r := range name {
		if !allowedRune(r) {
			return fmt.Errorf("%w: character %q not allowed", ErrInvalidName, r)
		}
	}
	return nil
}

func allowedRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	return strings.ContainsRune("._- ()[]+,=@#~", r)
}

// Store keeps shared file bytes in a single flat directory.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir, creating the directory if needed.
// Leftover temporary files from an earlier run are removed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	leftovers, err := filepath.Glob(filepath.Join(dir, tempPattern))
	if err != nil {
		return nil, fmt.Errorf("scan storage directory: %w", err)
	}
	for _, path := range leftovers {
		_ = os.Remove(path)
	}

	return &Store{dir: dir}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the on-disk path for name after validating it.
func (s *Store) Path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name), nil
}

// Begin starts receiving bytes for name into a temporary file. Nothing is
// visible under name until Commit.
func (s *Store) Begin(name string) (*Upload, error) {
	final, err := s.Path(name)
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(s.dir, tempPattern)
	if err != nil {
		return nil, fmt.Errorf("create temporary file: %w", err)
	}

	return &Upload{file: f, final: final}, nil
}

// Open returns the stored file for name and its current size.
func (s *Store) Open(name string) (*os.File, int64, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, 0, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, 0, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, name)
	}

	return f, info.Size(), nil
}

// Upload is an in-flight write into the store.
type Upload struct {
	file    *os.File
	final   string
	written int64
	flushed bool
	done    bool
}

// Write appends p to the temporary file.
func (u *Upload) Write(p []byte) (int, error) {
	n, err := u.file.Write(p)
	u.written += int64(n)
	return n, err
}

// Written returns the number of bytes written so far.
func (u *Upload) Written() int64 {
	return u.written
}

// Finish flushes the received bytes to disk and closes the temporary file.
// It is the slow half of committing and runs before the catalog is locked.
func (u *Upload) Finish() error {
	if u.done || u.flushed {
		return nil
	}
	u.flushed = true

	tmp := u.file.Name()
	if err := u.file.Sync(); err != nil {
		_ = u.file.Close()
		_ = os.Remove(tmp)
		u.done = true
		return fmt.Errorf("sync upload: %w", err)
	}
	if err := u.file.Close(); err != nil {
		_ = os.Remove(tmp)
		u.done = true
		return fmt.Errorf("close upload: %w", err)
	}
	return nil
}

// Commit moves the received bytes into place, replacing any previous file.
// It calls Finish first if the caller has not.
func (u *Upload) Commit() error {
	if u.done {
		return nil
	}
	if err := u.Finish(); err != nil {
		return err
	}
	u.done = true

	tmp := u.file.Name()
	if err := os.Rename(tmp, u.final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("move upload into place: %w", err)
	}
	return nil
}

// Abort discards the received bytes. It is a no-op after Commit.
func (u *Upload) Abort() {
	if u.done {
		return
	}
	u.done = true
	if !u.flushed {
		_ = u.file.Close()
	}
	_ = os.Remove(u.file.Name())
}
