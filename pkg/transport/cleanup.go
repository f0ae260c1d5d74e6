package transport

import (
	"io"

	"github.com/dd0wney/cluso-segrep/pkg/logging"
)

// ResourceCleanup closes registered resources in reverse order. It keeps socket setup
// free of cascading error handling:
//
//	cleanup := NewResourceCleanup(logger)
//	defer cleanup.Cleanup() // closes everything added so far on early return
//
//	sock, err := rep.NewSocket()
//	if err != nil {
//	    return err
//	}
//	cleanup.Add(sock, "request server")
//
//	cleanup.Clear() // success: keep the resources open
type ResourceCleanup struct {
	resources []namedCloser
	logger    logging.Logger
}

type namedCloser struct {
	closer io.Closer
	name   string
}

// NewResourceCleanup creates an empty cleanup stack.
func NewResourceCleanup(logger logging.Logger) *ResourceCleanup {
	return &ResourceCleanup{
		resources: make([]namedCloser, 0, 8),
		logger:    logging.OrDefault(logger, "transport"),
	}
}

// Add registers a resource.
func (rc *ResourceCleanup) Add(closer io.Closer, name string) {
	rc.resources = append(rc.resources, namedCloser{closer: closer, name: name})
}

// Cleanup closes all registered resources, logging failures. It is idempotent.
func (rc *ResourceCleanup) Cleanup() {
	_ = rc.CloseAll()
}

// Clear forgets all resources without closing them.
func (rc *ResourceCleanup) Clear() {
	rc.resources = rc.resources[:0]
}

// CloseAll closes every resource and returns the first error.
func (rc *ResourceCleanup) CloseAll() error {
	var firstErr error
	for i := len(rc.resources) - 1; i >= 0; i-- {
		r := rc.resources[i]
		if r.closer == nil {
			continue
		}
		if err := r.closer.Close(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			rc.logger.Warn("failed to close resource", logging.String("resource", r.name), logging.Error(err))
		}
	}
	rc.resources = rc.resources[:0]
	return firstErr
}

// Len returns the number of registered resources.
func (rc *ResourceCleanup) Len() int {
	return len(rc.resources)
}
