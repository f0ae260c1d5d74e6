package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dd0wney/cluso-segrep/pkg/logging"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := Open(t.TempDir(), logging.NewNopLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func commitFiles(t *testing.T, s *FSStore, version int64, files map[string]string) *Commit {
	t.Helper()
	meta := MetadataSnapshot{}
	for name, content := range files {
		fm, err := s.WriteFile(name, []byte(content))
		if err != nil {
			t.Fatalf("WriteFile(%s) error = %v", name, err)
		}
		meta[name] = fm
	}
	c, err := s.CommitSegmentInfos(Commit{Generation: 1, Version: version, PrimaryTerm: 1, Files: meta})
	if err != nil {
		t.Fatalf("CommitSegmentInfos() error = %v", err)
	}
	return c
}

func TestEmptyStore(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.LatestCommit(); !errors.Is(err, ErrNoCommit) {
		t.Errorf("LatestCommit() error = %v, want ErrNoCommit", err)
	}
	meta, err := s.Metadata()
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if len(meta) != 0 {
		t.Errorf("Metadata() = %v, want empty", meta)
	}
	if _, err := s.AcquireSnapshot(); !errors.Is(err, ErrNoCommit) {
		t.Errorf("AcquireSnapshot() error = %v, want ErrNoCommit", err)
	}
}

func TestCommitBumpsGeneration(t *testing.T) {
	s := newTestStore(t)

	first := commitFiles(t, s, 1, map[string]string{"_0.cfs": "a"})
	second := commitFiles(t, s, 2, map[string]string{"_1.cfs": "b"})

	if second.Generation <= first.Generation {
		t.Errorf("generation %d should exceed %d", second.Generation, first.Generation)
	}
	latest, err := s.LatestCommit()
	if err != nil {
		t.Fatalf("LatestCommit() error = %v", err)
	}
	if latest.Version != 2 {
		t.Errorf("latest version = %d, want 2", latest.Version)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), first.FileName())); !os.IsNotExist(err) {
		t.Errorf("old commit file should be removed, stat err = %v", err)
	}
}

func TestCommitRequiresFiles(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CommitSegmentInfos(Commit{Generation: 1, Files: MetadataSnapshot{
		"_9.cfs": {Name: "_9.cfs", Length: 1, Checksum: "00"},
	}})
	var ioe *IOError
	if !errors.As(err, &ioe) {
		t.Errorf("CommitSegmentInfos() error = %v, want IOError", err)
	}
}

func TestDiff(t *testing.T) {
	source := MetadataSnapshot{
		"a": ChecksumBytes("a", []byte("same")),
		"b": ChecksumBytes("b", []byte("new")),
		"c": ChecksumBytes("c", []byte("changed")),
	}
	local := MetadataSnapshot{
		"a": ChecksumBytes("a", []byte("same")),
		"c": ChecksumBytes("c", []byte("original")),
		"z": ChecksumBytes("z", []byte("extra")),
	}

	diff := source.Diff(local)
	if len(diff.Identical) != 1 || diff.Identical[0].Name != "a" {
		t.Errorf("Identical = %v, want [a]", diff.Identical)
	}
	if len(diff.Missing) != 1 || diff.Missing[0].Name != "b" {
		t.Errorf("Missing = %v, want [b]", diff.Missing)
	}
	if len(diff.Different) != 1 || diff.Different[0].Name != "c" {
		t.Errorf("Different = %v, want [c]", diff.Different)
	}
}

func TestTempOutputRenameAndVerify(t *testing.T) {
	s := newTestStore(t)
	data := []byte("hello segment")
	want := ChecksumBytes("_0.cfs", data)

	out, err := s.CreateTempOutput(TempFilePrefix + "abc._0.cfs")
	if err != nil {
		t.Fatalf("CreateTempOutput() error = %v", err)
	}
	if _, err := out.WriteAt(data[5:], 5); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	if _, err := out.WriteAt(data[:5], 0); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	if out.Written() != int64(len(data)) {
		t.Errorf("Written() = %d, want %d", out.Written(), len(data))
	}
	if err := out.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := s.VerifyFile(out.Name(), want); err != nil {
		t.Fatalf("VerifyFile() error = %v", err)
	}
	bad := want
	bad.Checksum = "0000000000000000"
	if err := s.VerifyFile(out.Name(), bad); !errors.Is(err, ErrCorruptIndex) {
		t.Errorf("VerifyFile() error = %v, want ErrCorruptIndex", err)
	}

	renames := map[string]string{out.Name(): "_0.cfs"}
	if err := s.RenameTempFiles(renames); err != nil {
		t.Fatalf("RenameTempFiles() error = %v", err)
	}
	// A repeated rename after partial success is tolerated.
	if err := s.RenameTempFiles(renames); err != nil {
		t.Fatalf("second RenameTempFiles() error = %v", err)
	}
	got, err := s.ReadFile("_0.cfs")
	if err != nil || string(got) != string(data) {
		t.Errorf("ReadFile() = %q, %v", got, err)
	}
}

func TestSnapshotLeasesDeferDeletes(t *testing.T) {
	s := newTestStore(t)
	commitFiles(t, s, 1, map[string]string{"_0.cfs": "zero"})

	snap, err := s.AcquireSnapshot()
	if err != nil {
		t.Fatalf("AcquireSnapshot() error = %v", err)
	}
	if s.FileLeaseCount("_0.cfs") != 1 {
		t.Errorf("lease count = %d, want 1", s.FileLeaseCount("_0.cfs"))
	}

	// A new commit drops _0.cfs from the live set.
	commitFiles(t, s, 2, map[string]string{"_1.cfs": "one"})

	deleted, err := s.DeleteUnreferenced()
	if err != nil {
		t.Fatalf("DeleteUnreferenced() error = %v", err)
	}
	for _, name := range deleted {
		if name == "_0.cfs" {
			t.Fatal("leased file was deleted")
		}
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "_0.cfs")); err != nil {
		t.Fatalf("leased file missing: %v", err)
	}
	if err := s.DeleteFile("_0.cfs"); !errors.Is(err, ErrFileLeased) {
		t.Errorf("DeleteFile() error = %v, want ErrFileLeased", err)
	}

	snap.Close()
	snap.Close()

	if s.FileLeaseCount("_0.cfs") != 0 {
		t.Errorf("lease count after close = %d, want 0", s.FileLeaseCount("_0.cfs"))
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "_0.cfs")); !os.IsNotExist(err) {
		t.Errorf("deferred delete did not run, stat err = %v", err)
	}
}

func TestDeleteUnreferencedKeepsTempFiles(t *testing.T) {
	s := newTestStore(t)
	commitFiles(t, s, 1, map[string]string{"_0.cfs": "zero"})

	if _, err := s.WriteFile("stray", []byte("x")); err != nil {
		t.Fatal(err)
	}
	out, err := s.CreateTempOutput(TempFilePrefix + "id._1.cfs")
	if err != nil {
		t.Fatal(err)
	}
	out.Close()

	deleted, err := s.DeleteUnreferenced()
	if err != nil {
		t.Fatalf("DeleteUnreferenced() error = %v", err)
	}
	if len(deleted) != 1 || deleted[0] != "stray" {
		t.Errorf("deleted = %v, want [stray]", deleted)
	}
}

func TestInvalidNames(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"", "../x", "a/b", ".."} {
		if _, err := s.WriteFile(name, nil); !errors.Is(err, ErrInvalidName) {
			t.Errorf("WriteFile(%q) error = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestClosedStore(t *testing.T) {
	s := newTestStore(t)
	s.Close()
	if _, err := s.CreateTempOutput("x"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("CreateTempOutput() error = %v, want ErrStoreClosed", err)
	}
}

func TestCommitFileNames(t *testing.T) {
	for _, gen := range []int64{0, 1, 35, 36, 1 << 40} {
		name := CommitFileName(gen)
		got, ok := ParseCommitGeneration(name)
		if !ok || got != gen {
			t.Errorf("ParseCommitGeneration(%s) = %d, %v; want %d", name, got, ok, gen)
		}
	}
	if IsCommitFile("pending_segments_1") || IsCommitFile("_0.cfs") {
		t.Error("non-commit names should not parse")
	}
}
