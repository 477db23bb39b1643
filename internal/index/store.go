// Package index implements the blackboard's versioned document store.
//
// An index is a named markdown document with a YAML frontmatter header, a
// body, and a SHA-256 checksum over the whole file. The checksum is the
// optimistic-concurrency token: Update replaces the document only when the
// caller's checksum still matches, Append grows it under a per-file
// exclusive lock without any checksum. Both are safe under arbitrary
// interleaving from independent OS processes.
package index

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zczc/nano-agent-team/internal/lockfile"
)

// Document is the result of reading an index. Raw is the exact file content
// the checksum was computed over.
type Document struct {
	Meta     Meta
	Body     string
	Raw      string
	Checksum string
}

// Store is a directory of index documents. The zero value is not usable;
// construct with New.
type Store struct {
	dir         string
	lockTimeout time.Duration
	// validators run on full-document writes (create/update), keyed by
	// index name. The mission package registers the plan validator here.
	validators map[string]func(body string) error
}

// New returns a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{
		dir:         dir,
		lockTimeout: 30 * time.Second,
		validators:  make(map[string]func(string) error),
	}, nil
}

// SetLockTimeout overrides how long index operations wait for the file lock.
func (s *Store) SetLockTimeout(d time.Duration) { s.lockTimeout = d }

// RegisterValidator attaches a body validator to an index name. The
// validator runs inside the write lock on Create and every CAS update, so a
// document that fails validation is never visible to readers.
func (s *Store) RegisterValidator(name string, fn func(body string) error) {
	s.validators[name] = fn
}

// Checksum computes the CAS token for a document: hex SHA-256 of the full
// file content, header included.
func Checksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (s *Store) path(name string) (string, error) {
	name = strings.TrimPrefix(name, "global_indices/")
	name = strings.TrimPrefix(name, "/global_indices/")
	if name == "" || strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("invalid index name %q", name)
	}
	return filepath.Join(s.dir, name), nil
}

// Create writes a brand-new index. The content must carry a complete
// frontmatter header. Fails with ErrAlreadyExists when the index exists.
func (s *Store) Create(name, content string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := validateMeta(content); err != nil {
		return err
	}
	if v := s.validators[name]; v != nil {
		_, body, _ := splitFrontmatter(content)
		if err := v(body); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		}
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(content); err != nil {
		return err
	}
	return nil
}

// Read returns the index content and its current checksum under a shared
// lock, so a concurrent CAS writer can never hand us a torn document.
func (s *Store) Read(name string) (Document, error) {
	path, err := s.path(name)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	err = lockfile.WithShared(path, s.lockTimeout, func(f *os.File) error {
		raw, err := io.ReadAll(f)
		if err != nil {
			return err
		}
		content := string(raw)
		meta, body, _ := parseMetaLenient(content)
		doc = Document{Meta: meta, Body: body, Raw: content, Checksum: Checksum(content)}
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Document{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Document{}, err
	}
	return doc, nil
}

// parseMetaLenient tolerates a missing header on read: indices are validated
// at write time, but a reader should still see whatever is on disk.
func parseMetaLenient(content string) (Meta, string, bool) {
	m, body, err := parseMeta(content)
	if err != nil {
		return Meta{}, content, false
	}
	return m, body, true
}

// Update atomically replaces the document iff the current checksum equals
// expected. On mismatch it fails with a ChecksumConflictError carrying the
// current checksum; the caller must re-read and retry, never merge blindly.
func (s *Store) Update(name, content, expected string) (string, error) {
	return s.Transform(name, expected, func(string) (string, error) {
		return content, nil
	})
}

// Transform is the CAS primitive underneath Update and the mission engine's
// task updates: lock the file exclusively, verify the checksum, derive the
// new content from the current one, validate, write. Returns the new
// checksum on success.
func (s *Store) Transform(name, expected string, fn func(current string) (string, error)) (string, error) {
	path, err := s.path(name)
	if err != nil {
		return "", err
	}
	if expected == "" {
		return "", fmt.Errorf("expected checksum is required for update of %s", name)
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", err
	}

	var newSum string
	err = lockfile.WithExclusive(path, s.lockTimeout, func(f *os.File) error {
		raw, err := io.ReadAll(f)
		if err != nil {
			return err
		}
		current := string(raw)
		if got := Checksum(current); got != expected {
			return &ChecksumConflictError{Name: name, Expected: expected, Current: got}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if err := validateMeta(next); err != nil {
			return err
		}
		if v := s.validators[name]; v != nil {
			_, body, _ := splitFrontmatter(next)
			if err := v(body); err != nil {
				return err
			}
		}

		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		if err := f.Truncate(0); err != nil {
			return err
		}
		if _, err := f.WriteString(next); err != nil {
			return err
		}
		newSum = Checksum(next)
		return nil
	})
	if err != nil {
		return "", err
	}
	return newSum, nil
}

// Append concatenates fragment to the index under the per-file exclusive
// lock. No checksum is required: appends are serialized by the lock and
// commute, so a conflict is not meaningful. A leading newline is added when
// the fragment lacks one.
func (s *Store) Append(name, fragment string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return err
	}
	if !strings.HasPrefix(fragment, "\n") {
		fragment = "\n" + fragment
	}
	return lockfile.WithExclusive(path, s.lockTimeout, func(f *os.File) error {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			return err
		}
		_, err := f.WriteString(fragment)
		return err
	})
}

// Entry is one row of a List result: the index metadata plus its filename.
type Entry struct {
	Filename    string `json:"filename"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// List enumerates the indices with their advisory metadata.
func (s *Store) List() ([]Entry, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Entry
	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".md") {
			continue
		}
		e := Entry{Filename: de.Name()}
		if doc, err := s.Read(de.Name()); err == nil {
			e.Name = doc.Meta.Name
			e.Description = doc.Meta.Description
		}
		out = append(out, e)
	}
	return out, nil
}

// MarshalEntries renders list output as indented JSON for the CLI.
func MarshalEntries(entries []Entry) (string, error) {
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
