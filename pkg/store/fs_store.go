// Package store manages the on-disk segment directory of a shard: immutable segment files,
// commit points, temp outputs written during replication and the leases that keep files
// alive while a point-in-time snapshot is in use.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/exp/mmap"

	"github.com/dd0wney/cluso-segrep/pkg/logging"
)

// TempFilePrefix marks files written by an in-flight replication. They are never part of a
// commit and are ignored by DeleteUnreferenced.
const TempFilePrefix = "replication."

// IsTempFile reports whether name was produced by CreateTempOutput for a replication.
func IsTempFile(name string) bool {
	return strings.HasPrefix(name, TempFilePrefix)
}

// FSStore is a Store backed by a single directory.
type FSStore struct {
	dir    string
	logger logging.Logger

	mu             sync.Mutex
	leases         map[string]int
	pendingDeletes map[string]struct{}
	closed         bool
}

// Open opens (creating if needed) the segment directory at dir.
func Open(dir string, logger logging.Logger) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, ioErr("mkdir", dir, err)
	}
	return &FSStore{
		dir:            dir,
		logger:         logging.OrDefault(logger, "store"),
		leases:         make(map[string]int),
		pendingDeletes: make(map[string]struct{}),
	}, nil
}

// Dir returns the directory backing the store.
func (s *FSStore) Dir() string { return s.dir }

func (s *FSStore) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.dir, name), nil
}

func (s *FSStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// ListFiles returns every regular file in the directory, sorted.
func (s *FSStore) ListFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, ioErr("list", s.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// LatestCommit reads the commit with the highest generation. It returns ErrNoCommit if the
// directory holds none.
func (s *FSStore) LatestCommit() (*Commit, error) {
	names, err := s.ListFiles()
	if err != nil {
		return nil, err
	}
	best := int64(-1)
	for _, name := range names {
		if gen, ok := ParseCommitGeneration(name); ok && gen > best {
			best = gen
		}
	}
	if best < 0 {
		return nil, ErrNoCommit
	}
	return s.readCommit(CommitFileName(best))
}

func (s *FSStore) readCommit(name string) (*Commit, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, ioErr("read", name, err)
	}
	return DecodeCommit(data)
}

// Metadata returns the metadata of the files referenced by the latest commit. A store
// without a commit has empty metadata.
func (s *FSStore) Metadata() (MetadataSnapshot, error) {
	c, err := s.LatestCommit()
	if errors.Is(err, ErrNoCommit) {
		return MetadataSnapshot{}, nil
	}
	if err != nil {
		return nil, err
	}
	return c.Files, nil
}

// WriteFile writes a complete immutable file and returns its metadata.
func (s *FSStore) WriteFile(name string, data []byte) (FileMetadata, error) {
	if err := s.checkOpen(); err != nil {
		return FileMetadata{}, err
	}
	p, err := s.path(name)
	if err != nil {
		return FileMetadata{}, err
	}
	if err := writeFileSync(p, data); err != nil {
		return FileMetadata{}, ioErr("write", name, err)
	}
	return ChecksumBytes(name, data), nil
}

// ReadFile returns the full contents of a file.
func (s *FSStore) ReadFile(name string) ([]byte, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, ioErr("read", name, err)
	}
	return data, nil
}

// OpenInput memory-maps a file for reading.
func (s *FSStore) OpenInput(name string) (*mmap.ReaderAt, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	r, err := mmap.Open(p)
	if err != nil {
		return nil, ioErr("open", name, err)
	}
	return r, nil
}

// Checksum computes the metadata of a file on disk.
func (s *FSStore) Checksum(name string) (FileMetadata, error) {
	r, err := s.OpenInput(name)
	if err != nil {
		return FileMetadata{}, err
	}
	defer r.Close()
	return ChecksumReader(name, io.NewSectionReader(r, 0, int64(r.Len())))
}

// VerifyFile checks that the file stored under name matches expected. Name and expected.Name
// may differ when verifying a temp output against the file it will become.
func (s *FSStore) VerifyFile(name string, expected FileMetadata) error {
	actual, err := s.Checksum(name)
	if err != nil {
		return err
	}
	if actual.Length != expected.Length || actual.Checksum != expected.Checksum {
		actual.Name = expected.Name
		return &CorruptionError{Name: expected.Name, Expected: expected, Actual: actual}
	}
	return nil
}

// CreateTempOutput creates (truncating) a temp file for an incoming replicated file.
func (s *FSStore) CreateTempOutput(name string) (*TempOutput, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, ioErr("create", name, err)
	}
	return &TempOutput{name: name, file: f}, nil
}

// RenameTempFiles moves every temp file (key) to its final name (value) and syncs the
// directory. Files already renamed by an earlier partial attempt are skipped.
func (s *FSStore) RenameTempFiles(renames map[string]string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	temps := make([]string, 0, len(renames))
	for temp := range renames {
		temps = append(temps, temp)
	}
	sort.Strings(temps)

	for _, temp := range temps {
		final := renames[temp]
		from, err := s.path(temp)
		if err != nil {
			return err
		}
		to, err := s.path(final)
		if err != nil {
			return err
		}
		if err := os.Rename(from, to); err != nil {
			if os.IsNotExist(err) {
				if _, statErr := os.Stat(to); statErr == nil {
					continue
				}
			}
			return ioErr("rename", temp, err)
		}
	}
	return ioErr("sync", s.dir, syncDir(s.dir))
}

// CommitSegmentInfos publishes c as the new commit point. The commit file is written to a
// pending name and renamed into place last, so a crash leaves either the old commit or
// the new one visible. The generation is bumped if needed so it is strictly greater than
// any commit already on disk. Older commit files are deleted unless leased.
func (s *FSStore) CommitSegmentInfos(c Commit) (*Commit, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if c.Files == nil {
		c.Files = MetadataSnapshot{}
	}
	for _, name := range c.Files.Names() {
		p, err := s.path(name)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(p); err != nil {
			return nil, ioErr("stat", name, err)
		}
	}

	prev, err := s.LatestCommit()
	switch {
	case errors.Is(err, ErrNoCommit):
		prev = nil
	case err != nil:
		return nil, err
	}
	if prev != nil && c.Generation <= prev.Generation {
		c.Generation = prev.Generation + 1
	}

	data, err := c.Encode()
	if err != nil {
		return nil, err
	}
	final := c.FileName()
	pending := pendingPrefix + final
	pendingPath, err := s.path(pending)
	if err != nil {
		return nil, err
	}
	finalPath, err := s.path(final)
	if err != nil {
		return nil, err
	}
	if err := writeFileSync(pendingPath, data); err != nil {
		return nil, ioErr("write", pending, err)
	}
	if err := os.Rename(pendingPath, finalPath); err != nil {
		_ = os.Remove(pendingPath)
		return nil, ioErr("rename", pending, err)
	}
	if err := syncDir(s.dir); err != nil {
		return nil, ioErr("sync", s.dir, err)
	}

	if prev != nil {
		s.DeleteQuietly(prev.FileName())
	}
	s.logger.Debug("committed segment infos",
		logging.Int64("generation", c.Generation),
		logging.Int64("version", c.Version),
		logging.Count(len(c.Files)))
	return &c, nil
}

// DeleteFile removes a file. A leased file is not removed; it is queued and deleted when
// its last lease is released, and ErrFileLeased is returned.
func (s *FSStore) DeleteFile(name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.leases[name] > 0 {
		s.pendingDeletes[name] = struct{}{}
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFileLeased, name)
	}
	delete(s.pendingDeletes, name)
	s.mu.Unlock()

	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return ioErr("delete", name, err)
	}
	return nil
}

// DeleteQuietly deletes a file, logging rather than returning failures.
func (s *FSStore) DeleteQuietly(name string) {
	if err := s.DeleteFile(name); err != nil && !errors.Is(err, ErrFileLeased) {
		s.logger.Warn("failed to delete file", logging.File(name), logging.Error(err))
	}
}

// DeleteUnreferenced removes files that belong to neither the latest commit nor an open
// snapshot. Temp files of in-flight replications are left alone. It returns the names
// that were deleted.
func (s *FSStore) DeleteUnreferenced() ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	latest, err := s.LatestCommit()
	if err != nil && !errors.Is(err, ErrNoCommit) {
		return nil, err
	}
	keep := map[string]struct{}{}
	if latest != nil {
		keep[latest.FileName()] = struct{}{}
		for name := range latest.Files {
			keep[name] = struct{}{}
		}
	}

	names, err := s.ListFiles()
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, name := range names {
		if _, ok := keep[name]; ok || IsTempFile(name) {
			continue
		}
		err := s.DeleteFile(name)
		switch {
		case err == nil:
			deleted = append(deleted, name)
		case errors.Is(err, ErrFileLeased):
		default:
			return deleted, err
		}
	}
	return deleted, nil
}

// FileLeaseCount returns how many open snapshots reference name.
func (s *FSStore) FileLeaseCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases[name]
}

// AcquireSnapshot leases the latest commit and its files until the returned snapshot is
// closed. It returns ErrNoCommit if the store has no commit.
func (s *FSStore) AcquireSnapshot() (*Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	c, err := s.LatestCommit()
	if err != nil {
		return nil, err
	}
	files := append(c.Files.Names(), c.FileName())
	s.IncRef(files...)
	return &Snapshot{store: s, commit: c, files: files}, nil
}

// IncRef leases files.
func (s *FSStore) IncRef(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		s.leases[name]++
	}
}

// DecRef releases leases and performs any deletes that were deferred by them.
func (s *FSStore) DecRef(names ...string) {
	var ready []string
	s.mu.Lock()
	for _, name := range names {
		n := s.leases[name] - 1
		if n > 0 {
			s.leases[name] = n
			continue
		}
		delete(s.leases, name)
		if _, ok := s.pendingDeletes[name]; ok {
			ready = append(ready, name)
		}
	}
	s.mu.Unlock()

	for _, name := range ready {
		s.DeleteQuietly(name)
	}
}

// Close marks the store closed. Files are left on disk.
func (s *FSStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Snapshot is a point-in-time view of a commit whose files stay on disk while it is open.
type Snapshot struct {
	store  *FSStore
	commit *Commit
	files  []string
	once   sync.Once
}

// Commit returns the leased commit point.
func (sn *Snapshot) Commit() *Commit { return sn.commit }

// Metadata returns the metadata of the leased segment files.
func (sn *Snapshot) Metadata() MetadataSnapshot { return sn.commit.Files }

// Close releases the lease. It is safe to call more than once.
func (sn *Snapshot) Close() error {
	sn.once.Do(func() { sn.store.DecRef(sn.files...) })
	return nil
}

// TempOutput is a file being filled with chunks of a replicated file.
type TempOutput struct {
	name    string
	file    *os.File
	mu      sync.Mutex
	written int64
}

// Name returns the temp file name.
func (o *TempOutput) Name() string { return o.name }

// WriteAt writes a chunk at the given offset.
func (o *TempOutput) WriteAt(p []byte, off int64) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n, err := o.file.WriteAt(p, off)
	o.written += int64(n)
	if err != nil {
		return n, ioErr("write", o.name, err)
	}
	return n, nil
}

// Written returns the number of bytes written so far.
func (o *TempOutput) Written() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.written
}

// Close syncs and closes the file.
func (o *TempOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file == nil {
		return nil
	}
	syncErr := o.file.Sync()
	closeErr := o.file.Close()
	o.file = nil
	if syncErr != nil {
		return ioErr("sync", o.name, syncErr)
	}
	return ioErr("close", o.name, closeErr)
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
