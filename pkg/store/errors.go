package store

import (
	"errors"
	"fmt"
)

var (
	ErrNoCommit      = errors.New("store has no commit point")
	ErrCorruptIndex  = errors.New("corrupt index file")
	ErrFileLeased    = errors.New("file is leased by an open snapshot")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidName   = errors.New("invalid file name")
	ErrMissingOutput = errors.New("temp output not found")
)

// IOError is a local file-system failure. Replication treats it as a hard local fault,
// distinct from transport errors.
type IOError struct {
	Op   string
	Name string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func ioErr(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Name: name, Err: err}
}

// CorruptionError reports a file whose content does not match its expected metadata.
type CorruptionError struct {
	Name     string
	Expected FileMetadata
	Actual   FileMetadata
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%v: %s expected length=%d checksum=%s, got length=%d checksum=%s",
		ErrCorruptIndex, e.Name, e.Expected.Length, e.Expected.Checksum, e.Actual.Length, e.Actual.Checksum)
}

func (e *CorruptionError) Is(target error) bool { return target == ErrCorruptIndex }
