package mvstore

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/hupe1980/mvstore/datatype"
	"github.com/hupe1980/mvstore/internal/format"
)

var (
	// ErrClosed is returned by operations on a closed store or map.
	ErrClosed = errors.New("mvstore: closed")

	// ErrReadOnly is returned when writing through a read-only store, snapshot
	// or historic version.
	ErrReadOnly = errors.New("mvstore: read-only")

	// ErrCorrupt marks data that failed a checksum or structural check.
	ErrCorrupt = format.ErrCorrupt

	// ErrIncompatibleFormat is returned for files written with an unknown layout.
	ErrIncompatibleFormat = format.ErrIncompatibleFormat

	// ErrUnsupportedType is returned when a persisted type name is not known to
	// the store's type registry.
	ErrUnsupportedType = datatype.ErrUnsupportedType

	// ErrTypeMismatch is returned when a map is opened with types that differ
	// from the persisted ones, or is already open with other Go types.
	ErrTypeMismatch = errors.New("mvstore: type mismatch")

	// ErrMapNotFound is returned when a named map does not exist.
	ErrMapNotFound = errors.New("mvstore: map not found")

	// ErrMapExists is returned when renaming onto an existing map name.
	ErrMapExists = errors.New("mvstore: map already exists")

	// ErrMapRemoved is returned by operations on a map removed from the store.
	ErrMapRemoved = errors.New("mvstore: map removed")

	// ErrUnknownVersion is returned for a version that was never committed or
	// is no longer retained.
	ErrUnknownVersion = errors.New("mvstore: unknown version")

	// ErrInvalidKey is returned for spatial keys without bounds or with the
	// wrong number of dimensions.
	ErrInvalidKey = errors.New("mvstore: invalid key")

	// ErrPageTooLarge is returned when a commit would produce a chunk larger
	// than the file format can address.
	ErrPageTooLarge = errors.New("mvstore: page too large")
)

// RecoveryError reports that Open could not use the newest chunk of a file
// and fell back to an older consistent version.
//
// The original underlying error can be accessed via errors.Unwrap.
type RecoveryError struct {
	// Version is the store version the file was reopened at.
	Version int64
	// LostChunks is the number of chunk ids after the recovered chunk that
	// were skipped.
	LostChunks int
	cause      error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("mvstore: recovered at version %d (%d chunks lost): %v", e.Version, e.LostChunks, e.cause)
}

func (e *RecoveryError) Unwrap() error { return e.cause }

func corruptf(msg string, args ...any) error {
	return errors.Wrapf(ErrCorrupt, msg, args...)
}

// markCorrupt wraps err, which need not be a corruption error itself, so that
// errors.Is(result, ErrCorrupt) holds.
func markCorrupt(err error, msg string, args ...any) error {
	if errors.Is(err, ErrCorrupt) {
		return errors.Wrapf(err, msg, args...)
	}
	return errors.Wrapf(ErrCorrupt, "%s: %v", fmt.Sprintf(msg, args...), err)
}
