package store

import "golang.org/x/exp/mmap"

// Store is the segment directory contract used by replication. FSStore implements it.
type Store interface {
	LatestCommit() (*Commit, error)
	Metadata() (MetadataSnapshot, error)
	WriteFile(name string, data []byte) (FileMetadata, error)
	ReadFile(name string) ([]byte, error)
	OpenInput(name string) (*mmap.ReaderAt, error)
	Checksum(name string) (FileMetadata, error)
	VerifyFile(name string, expected FileMetadata) error
	CreateTempOutput(name string) (*TempOutput, error)
	RenameTempFiles(renames map[string]string) error
	CommitSegmentInfos(c Commit) (*Commit, error)
	DeleteFile(name string) error
	DeleteQuietly(name string)
	DeleteUnreferenced() ([]string, error)
	FileLeaseCount(name string) int
	AcquireSnapshot() (*Snapshot, error)
	IncRef(names ...string)
	DecRef(names ...string)
	ListFiles() ([]string, error)
	Close() error
}

var _ Store = (*FSStore)(nil)
