package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	// CommitFilePrefix names commit point files: segments_<gen in base 36>.
	CommitFilePrefix = "segments_"
	pendingPrefix    = "pending_"
)

// Commit is a commit point: the set of files that make up one searchable state of a shard.
type Commit struct {
	Generation  int64            `json:"generation"`
	Version     int64            `json:"version"`
	PrimaryTerm uint64           `json:"primary_term"`
	Codec       string           `json:"codec,omitempty"`
	Files       MetadataSnapshot `json:"files"`
}

// FileName returns the name of the file that holds this commit.
func (c *Commit) FileName() string {
	return CommitFileName(c.Generation)
}

// Encode serializes the commit. The encoding is what a primary ships to replicas as the
// segment infos bytes.
func (c *Commit) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCommit parses bytes produced by Encode.
func DecodeCommit(data []byte) (*Commit, error) {
	var c Commit
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: decode commit: %v", ErrCorruptIndex, err)
	}
	if c.Files == nil {
		c.Files = MetadataSnapshot{}
	}
	return &c, nil
}

// CommitFileName returns the commit file name for a generation.
func CommitFileName(gen int64) string {
	return CommitFilePrefix + strconv.FormatInt(gen, 36)
}

// ParseCommitGeneration extracts the generation from a commit file name.
func ParseCommitGeneration(name string) (int64, bool) {
	if !strings.HasPrefix(name, CommitFilePrefix) {
		return 0, false
	}
	gen, err := strconv.ParseInt(strings.TrimPrefix(name, CommitFilePrefix), 36, 64)
	if err != nil || gen < 0 {
		return 0, false
	}
	return gen, true
}

// IsCommitFile reports whether name is a commit point file.
func IsCommitFile(name string) bool {
	_, ok := ParseCommitGeneration(name)
	return ok
}
