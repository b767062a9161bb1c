// Package objerr defines the sentinel errors shared by the object store's
// packages. Each one is returned wrapped (via fmt.Errorf's %w) so callers can
// test for a specific failure kind with errors.Is without depending on error
// message text, the same pattern the storage layer already relies on for
// errors.Is(err, os.ErrNotExist).
package objerr

import "errors"

var (
	// ErrNotFound indicates a loose object file or pack index entry is
	// absent. Presence checks such as HasObject report this as false;
	// Open-style lookups return an error wrapping it, so callers can tell
	// an absent object from an unreadable one with errors.Is.
	ErrNotFound = errors.New("object not found")

	// ErrCorruptObject indicates a stored object's recomputed hash disagreed
	// with its claimed identifier, its header was malformed, or inflation
	// failed partway through.
	ErrCorruptObject = errors.New("object is corrupt")

	// ErrUnsupportedVersion indicates a pack index or packfile declared a
	// format version this module does not implement.
	ErrUnsupportedVersion = errors.New("unsupported format version")

	// ErrUnsortedTree indicates a tree object's entries were not in Git's
	// path order, or contained a duplicate name.
	ErrUnsortedTree = errors.New("tree entries are not sorted")

	// ErrMissingObjectID indicates a tree entry was missing its object id.
	ErrMissingObjectID = errors.New("tree entry missing object id")

	// ErrShortInput indicates a writer's declared length did not match the
	// number of bytes actually streamed to it.
	ErrShortInput = errors.New("fewer bytes streamed than declared length")

	// ErrWriteFailed indicates a loose object's temp-file rename could not
	// be completed and the object is still absent from the store.
	ErrWriteFailed = errors.New("failed to commit object to storage")

	// ErrCircularDelta indicates a delta chain in a packfile referenced
	// itself, directly or transitively.
	ErrCircularDelta = errors.New("circular delta chain")

	// ErrMissingDeltaBase indicates a REF_DELTA object's base id could not
	// be resolved in the owning object database.
	ErrMissingDeltaBase = errors.New("delta base object not found")

	// ErrUnsupported indicates an operation that the data structure
	// deliberately does not implement, such as removing entries from a
	// read-only pack index iterator.
	ErrUnsupported = errors.New("unsupported operation")
)
