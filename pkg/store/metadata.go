package store

import (
	"fmt"
	"io"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// FileMetadata identifies one immutable segment file by name, length and checksum.
type FileMetadata struct {
	Name     string `json:"name" validate:"required"`
	Length   int64  `json:"length" validate:"gte=0"`
	Checksum string `json:"checksum" validate:"required"`
}

// IsSame reports whether two files have identical content according to their metadata.
func (f FileMetadata) IsSame(other FileMetadata) bool {
	return f.Name == other.Name && f.Length == other.Length && f.Checksum == other.Checksum
}

// MetadataSnapshot maps file name to metadata for the files of one commit.
type MetadataSnapshot map[string]FileMetadata

// Names returns the file names in sorted order.
func (m MetadataSnapshot) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TotalLength sums the length of every file.
func (m MetadataSnapshot) TotalLength() int64 {
	var n int64
	for _, f := range m {
		n += f.Length
	}
	return n
}

// RecoveryDiff classifies the files of a source snapshot relative to a local one.
type RecoveryDiff struct {
	// Identical files exist locally with the same length and checksum.
	Identical []FileMetadata
	// Different files exist locally under the same name but with other content.
	Different []FileMetadata
	// Missing files do not exist locally.
	Missing []FileMetadata
}

// Diff compares m (the source) against local. Each result slice is sorted by name.
func (m MetadataSnapshot) Diff(local MetadataSnapshot) RecoveryDiff {
	var diff RecoveryDiff
	for _, name := range m.Names() {
		src := m[name]
		dst, ok := local[name]
		switch {
		case !ok:
			diff.Missing = append(diff.Missing, src)
		case src.IsSame(dst):
			diff.Identical = append(diff.Identical, src)
		default:
			diff.Different = append(diff.Different, src)
		}
	}
	return diff
}

// ChecksumReader hashes everything read from r and returns the metadata for name.
func ChecksumReader(name string, r io.Reader) (FileMetadata, error) {
	h := xxhash.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return FileMetadata{}, err
	}
	return FileMetadata{Name: name, Length: n, Checksum: formatSum(h.Sum64())}, nil
}

// ChecksumBytes returns the metadata of an in-memory file.
func ChecksumBytes(name string, data []byte) FileMetadata {
	return FileMetadata{Name: name, Length: int64(len(data)), Checksum: formatSum(xxhash.Sum64(data))}
}

func formatSum(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}
