package replication

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/dd0wney/cluso-segrep/pkg/store"
	"github.com/dd0wney/cluso-segrep/pkg/transport"
)

func TestClassify(t *testing.T) {
	failed := &ReplicationFailedError{Kind: FailureLocalIO, ShardID: testShardID, Cause: errors.New("disk")}

	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, FailureUnknown},
		{"already classified", fmt.Errorf("wrapped: %w", failed), FailureLocalIO},
		{"timeout", fmt.Errorf("%w: no activity", ErrReplicationTimeout), FailureTimeout},
		{"cancelled", ErrReplicationCancelled, FailureCancelled},
		{"context cancelled", context.Canceled, FailureCancelled},
		{"remote cancel", &transport.RemoteError{Node: "node-1", Code: CodeReplicationCancelled}, FailureCancelled},
		{"corrupt file", &store.CorruptionError{Name: "_a.seg"}, FailureCorruption},
		{"different segments", fmt.Errorf("%w: _a.seg", ErrDifferentSegments), FailureCorruption},
		{"remote corruption", &transport.RemoteError{Node: "node-1", Code: CodeCorruptIndex}, FailureCorruption},
		{"remote internal", &transport.RemoteError{Node: "node-1", Code: transport.CodeInternal}, FailureTransport},
		{"not connected", transport.ErrNodeNotConnected, FailureTransport},
		{"request timeout", transport.ErrRequestTimeout, FailureTransport},
		{"transport closed", transport.ErrTransportClosed, FailureTransport},
		{"deadline", context.DeadlineExceeded, FailureTransport},
		{"io", &store.IOError{Op: "write", Name: "_a.seg", Err: fs.ErrPermission}, FailureLocalIO},
		{"leased", store.ErrFileLeased, FailureLocalIO},
		{"store closed", store.ErrStoreClosed, FailureLocalIO},
		{"other", errors.New("boom"), FailureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewFailureKeepsClassifiedError(t *testing.T) {
	inner := newFailure(FailureCorruption, testShardID, 7, ErrDifferentSegments)
	if got := newFailure(FailureCorruption, testShardID, 7, inner); got != inner {
		t.Errorf("newFailure() wrapped an error of the same kind: %v", got)
	}

	outer := newFailure(FailureTransport, testShardID, 7, inner)
	if outer == inner || outer.Kind != FailureTransport {
		t.Errorf("newFailure() = %+v, want a new transport failure", outer)
	}
	if !errors.Is(outer, ErrDifferentSegments) {
		t.Error("cause lost through wrapping")
	}
	if msg := inner.Error(); !strings.Contains(msg, "replication id 7") || !strings.Contains(msg, "corruption") {
		t.Errorf("Error() = %q", msg)
	}
}

func TestIsCancellation(t *testing.T) {
	if !IsCancellation(fmt.Errorf("%w: closing", ErrReplicationCancelled)) {
		t.Error("IsCancellation(cancelled) = false")
	}
	if IsCancellation(ErrReplicationTimeout) {
		t.Error("IsCancellation(timeout) = true")
	}
}
