package node

import (
	"io"

	"github.com/dd0wney/pokeball-coordinator/pkg/logging"
)

// ResourceCleanup closes registered resources in reverse order (LIFO).
// It keeps start-up code free of cascading error handling:
//
//	cleanup := node.NewResourceCleanup(logger)
//	defer cleanup.Cleanup()
//
//	store, err := replica.NewBadgerStore("db1", dir)
//	if err != nil {
//	    return err // nothing registered yet
//	}
//	cleanup.Add(store, "replica db1")
type ResourceCleanup struct {
	resources []namedCloser
	logger    logging.Logger
}

type namedCloser struct {
	closer io.Closer
	name   string
}

// CloserFunc adapts a plain function to io.Closer
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }

// NewResourceCleanup creates an empty cleanup stack
func NewResourceCleanup(logger logging.Logger) *ResourceCleanup {
	return &ResourceCleanup{
		resources: make([]namedCloser, 0, 8),
		logger:    logging.OrDefault(logger),
	}
}

// Add registers a resource to be closed
func (rc *ResourceCleanup) Add(closer io.Closer, name string) {
	rc.resources = append(rc.resources, namedCloser{closer: closer, name: name})
}

// Cleanup closes everything registered, logging failures. Safe to call more than once.
func (rc *ResourceCleanup) Cleanup() {
	rc.CloseAll()
}

// Clear forgets the registered resources without closing them
func (rc *ResourceCleanup) Clear() {
	rc.resources = rc.resources[:0]
}

// CloseAll closes every registered resource and returns the first error.
// A failing close does not stop the rest.
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

// Len returns the number of registered resources
func (rc *ResourceCleanup) Len() int {
	return len(rc.resources)
}
